package htdemucs

import (
	"cmp"
	"fmt"

	"github.com/gitbearflying/demucs/logutil"
	"github.com/gitbearflying/demucs/ml"
	"github.com/gitbearflying/demucs/ml/nn"
)

// DefaultEps is the layer norm epsilon of the trained models.
const DefaultEps float32 = 1e-5

type Options struct {
	NumHeads int
	Eps      float32
}

func (o Options) eps() float32 {
	return cmp.Or(o.Eps, DefaultEps)
}

// EncoderLayer is a pre-norm transformer block that runs either self
// attention or cross attention. Tensors are (batch, seq_len, embed_dim).
type EncoderLayer struct {
	// Norm1 normalizes the query, and the key when attending to itself.
	Norm1 nn.Norm
	// Norm2 normalizes the key of cross attention.
	Norm2 nn.Norm

	// InProj holds the q, k and v projections stacked as rows (3E, E).
	InProj  nn.Linear
	OutProj nn.Linear
	Gamma1  *ml.Tensor

	Norm3   nn.Norm
	Linear1 nn.Linear
	Linear2 nn.Linear
	Gamma2  *ml.Tensor

	// NormOut is the optional final norm. Nil skips it.
	NormOut *nn.Norm
}

// Validate checks every parameter against embed and the head count.
func (l *EncoderLayer) Validate(opts Options, embed int) error {
	if err := nn.CheckHeads(embed, opts.NumHeads); err != nil {
		return err
	}

	hidden := 0
	if l.Linear1.Weight != nil && l.Linear1.Weight.Rank() == 2 {
		hidden = l.Linear1.Weight.Dim(0)
	}

	checks := []error{
		l.Norm1.Validate("norm1", embed),
		l.InProj.Validate("in_proj", 3*embed, embed),
		l.OutProj.Validate("out_proj", embed, embed),
		ml.CheckShape("gamma_1", l.Gamma1, embed),
		l.Norm3.Validate("norm3", embed),
		l.Linear1.Validate("linear1", hidden, embed),
		l.Linear2.Validate("linear2", embed, hidden),
		ml.CheckShape("gamma_2", l.Gamma2, embed),
	}

	// self attention layers may leave Norm2 unset
	if l.Norm2.Weight != nil || l.Norm2.Bias != nil {
		checks = append(checks, l.Norm2.Validate("norm2", embed))
	}

	if l.NormOut != nil {
		checks = append(checks, l.NormOut.Validate("norm_out", embed))
	}

	for _, err := range checks {
		if err != nil {
			return err
		}
	}

	return nil
}

// Forward runs the block on query (batch, seq_len_q, E). With
// selfAttention the key is derived from the normalized query and the key
// argument may be nil; otherwise key (batch, seq_len_k, E) is normalized
// with Norm2. Neither input is modified.
func (l *EncoderLayer) Forward(query, key *ml.Tensor, opts Options, selfAttention bool) (_ *ml.Tensor, err error) {
	if query.Rank() != 3 {
		return nil, &ml.ShapeError{Op: "encoder layer", Shape: query.Shape(), Msg: "query must be (batch, seq_len, embed_dim)"}
	}

	if query.Dim(1) == 0 || query.Dim(2) == 0 {
		return nil, &ml.ShapeError{Op: "encoder layer", Shape: query.Shape(), Msg: "empty query sequence"}
	}

	if !selfAttention {
		if key == nil || key.Rank() != 3 || key.Dim(0) != query.Dim(0) || key.Dim(2) != query.Dim(2) {
			return nil, ml.ShapeErrorf("encoder layer", "key must be (%d, seq_len, %d)", query.Dim(0), query.Dim(2))
		}

		if key.Dim(1) == 0 {
			return nil, &ml.ShapeError{Op: "encoder layer", Shape: key.Shape(), Msg: "empty key sequence"}
		}

		if l.Norm2.Weight == nil {
			return nil, fmt.Errorf("encoder layer: cross attention requires norm2: %w", ml.ErrShape)
		}
	}

	if err := l.Validate(opts, query.Dim(2)); err != nil {
		return nil, fmt.Errorf("encoder layer: %w", err)
	}

	defer ml.Recover(&err)

	done := logutil.Op("encoder layer", "query", query, "key", key, "self_attention", selfAttention)

	eps := opts.eps()
	embed := query.Dim(2)

	q := l.Norm1.Forward(query, eps)
	k := q
	if !selfAttention {
		k = l.Norm2.Forward(key, eps)
	}

	qProj := l.InProj.Rows(0, embed)
	kProj := l.InProj.Rows(embed, 2*embed)
	vProj := l.InProj.Rows(2*embed, 3*embed)

	batch := query.Dim(0)
	attn := ml.Zeros(query.Shape()...)
	for b := range batch {
		qb := q.Slice(0, b, b+1).Reshape(q.Dim(1), embed)
		kb := k.Slice(0, b, b+1).Reshape(k.Dim(1), embed)

		out := nn.Attention(qProj.Forward(qb), kProj.Forward(kb), vProj.Forward(kb), opts.NumHeads)
		copy(attn.Floats()[b*out.Len():], out.Floats())
	}

	x := query.Add(nn.LayerScaleAxis(l.OutProj.Forward(attn), l.Gamma1, -1))

	ff := l.Linear2.Forward(nn.GELU(l.Linear1.Forward(l.Norm3.Forward(x, eps))))
	x = x.Add(nn.LayerScaleAxis(ff, l.Gamma2, -1))

	if l.NormOut != nil {
		x = l.NormOut.Forward(x, eps)
	}

	done("output", x)
	return x, nil
}
