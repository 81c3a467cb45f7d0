package hdemucs

import (
	"cmp"
	"fmt"

	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/gitbearflying/demucs/logutil"
	"github.com/gitbearflying/demucs/ml"
	"github.com/gitbearflying/demucs/ml/nn"
)

// selfMask replaces the score of every time step attending to itself.
const selfMask float32 = -100

type LocalAttentionOptions struct {
	Heads  int
	NDecay int
}

func (o LocalAttentionOptions) heads() int  { return cmp.Or(o.Heads, 4) }
func (o LocalAttentionOptions) ndecay() int { return cmp.Or(o.NDecay, 4) }

// LocalAttention scores every pair of time steps by content similarity plus
// a learned decay in their distance. All projections are 1x1 convolutions
// over (batch, channel, time).
type LocalAttention struct {
	Content    nn.Conv1D
	Query      nn.Conv1D
	Key        nn.Conv1D
	QueryDecay nn.Conv1D
	Proj       nn.Conv1D

	// QueryDecayKernel is the (time, time) distance kernel, -|t-s| when nil.
	QueryDecayKernel *ml.Tensor
}

// DecayKernel returns the (n, n) matrix -|t-s|.
func DecayKernel(n int) *ml.Tensor {
	k := ml.Zeros(n, n)
	data := k.Floats()
	for t := range n {
		for s := range n {
			data[t*n+s] = -float32(max(t-s, s-t))
		}
	}

	return k
}

// Validate checks the projections for channels inputs.
func (m *LocalAttention) Validate(channels int, opts LocalAttentionOptions) error {
	heads, ndecay := opts.heads(), opts.ndecay()
	if channels%heads != 0 {
		return ml.ShapeErrorf("local attention", "%d channels cannot be split into %d heads", channels, heads)
	}

	for _, c := range []struct {
		name string
		conv *nn.Conv1D
	}{
		{"content", &m.Content},
		{"query", &m.Query},
		{"key", &m.Key},
		{"proj", &m.Proj},
	} {
		if err := c.conv.Validate(c.name, channels, nn.Conv1DOptions{}); err != nil {
			return err
		}

		if err := ml.CheckParam(c.name, "weight", c.conv.Weight, channels, channels, 1); err != nil {
			return err
		}
	}

	if err := m.QueryDecay.Validate("query_decay", channels, nn.Conv1DOptions{}); err != nil {
		return err
	}

	return ml.CheckShape("query_decay.weight", m.QueryDecay.Weight, heads*ndecay, channels, 1)
}

// Forward returns the attended projection of x (batch, channel, time) with
// x's shape. The caller adds the residual.
func (m *LocalAttention) Forward(x *ml.Tensor, opts LocalAttentionOptions) (_ *ml.Tensor, err error) {
	if x.Rank() != 3 {
		return nil, &ml.ShapeError{Op: "local attention", Shape: x.Shape(), Msg: "want (batch, channel, time)"}
	}

	if err := m.Validate(x.Dim(1), opts); err != nil {
		return nil, fmt.Errorf("local attention: %w", err)
	}

	kernel := m.QueryDecayKernel
	if kernel == nil {
		kernel = DecayKernel(x.Dim(2))
	} else if err := ml.CheckShape("query_decay_kernel", kernel, x.Dim(2), x.Dim(2)); err != nil {
		return nil, fmt.Errorf("local attention: %w", err)
	}

	defer ml.Recover(&err)

	done := logutil.Op("local attention", "x", x, "heads", opts.heads(), "ndecay", opts.ndecay())

	out := m.Proj.Forward(m.attend(x, kernel, opts), nn.Conv1DOptions{})
	done("output", out)
	return out, nil
}

func (m *LocalAttention) attend(x, kernel *ml.Tensor, opts LocalAttentionOptions) *ml.Tensor {
	batch, channels, length := x.Dim(0), x.Dim(1), x.Dim(2)
	heads, ndecay := opts.heads(), opts.ndecay()
	dk := channels / heads

	queries := m.Query.Forward(x, nn.Conv1DOptions{})
	keys := m.Key.Forward(x, nn.Conv1DOptions{})
	content := m.Content.Forward(x, nn.Conv1DOptions{})
	decay := nn.Apply(m.QueryDecay.Forward(x, nn.Conv1DOptions{}), func(v float32) float32 {
		return nn.Sigmoid(v) / 2
	})

	result := ml.Zeros(batch, channels, length)
	scale := 1 / math32.Sqrt(float32(dk))
	decayScale := 1 / math32.Sqrt(float32(ndecay))
	k := kernel.Floats()

	ml.Parallel(batch*heads, func(i int) {
		b, h := i/heads, i%heads
		rows := func(t *ml.Tensor, n int) blas32.General {
			off := (b*t.Dim(1) + h*n) * length
			return blas32.General{Rows: n, Cols: length, Stride: length, Data: t.Floats()[off : off+n*length]}
		}

		// dots[s][t]: query s against key t
		dots := blas32.General{Rows: length, Cols: length, Stride: length, Data: make([]float32, length*length)}
		blas32.Gemm(blas.Trans, blas.NoTrans, scale, rows(queries, dk), rows(keys, dk), 0, dots)

		dq := rows(decay, ndecay).Data
		for s := range length {
			row := dots.Data[s*length : (s+1)*length]
			for t := range row {
				for f := range ndecay {
					row[t] += float32(f+1) * k[t*length+s] * decayScale * dq[f*length+s]
				}
			}

			row[s] = selfMask
			nn.SoftmaxInPlace(row)
		}

		// result[c][s] = sum_t content[c][t] * weights[s][t]
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, rows(content, dk), dots, 0, rows(result, dk))
	})

	return result
}
