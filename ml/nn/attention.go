package nn

import (
	"fmt"

	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/gitbearflying/demucs/ml"
)

// Attention implements multi-head scaled dot-product attention:
// Attention(Q, K, V) = softmax(QK^T/√d)V per head, heads concatenated.
//
// Parameters:
//   - query: (seq_len_q, embed_dim)
//   - key, value: (seq_len_k, embed_dim)
//   - numHeads: embed_dim is split into numHeads contiguous column blocks
//
// Returns:
//
//	(seq_len_q, embed_dim)
func Attention(query, key, value *ml.Tensor, numHeads int) *ml.Tensor {
	headDim := checkAttention(query, key, value, numHeads)
	seqQ, seqK, embed := query.Dim(0), key.Dim(0), query.Dim(1)

	out := ml.Zeros(seqQ, embed)
	ml.Parallel(numHeads, func(h int) {
		scores := make([]float32, seqQ*seqK)
		attentionWeights(query, key, h, headDim, scores)

		p := blas32.General{Rows: seqQ, Cols: seqK, Stride: seqK, Data: scores}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, p, head(value, h, headDim), 0, head(out, h, headDim))
	})

	return out
}

// AttentionWeights returns the softmax probabilities (heads, seq_len_q,
// seq_len_k) that Attention applies to the values.
func AttentionWeights(query, key *ml.Tensor, numHeads int) *ml.Tensor {
	headDim := checkAttention(query, key, key, numHeads)
	seqQ, seqK := query.Dim(0), key.Dim(0)

	out := ml.Zeros(numHeads, seqQ, seqK)
	ml.Parallel(numHeads, func(h int) {
		attentionWeights(query, key, h, headDim, out.Floats()[h*seqQ*seqK:(h+1)*seqQ*seqK])
	})

	return out
}

func checkAttention(query, key, value *ml.Tensor, numHeads int) int {
	if query.Rank() != 2 || key.Rank() != 2 || value.Rank() != 2 {
		panic(ml.ShapeErrorf("attention", "query %v, key %v and value %v must be (seq_len, embed_dim)", query.Shape(), key.Shape(), value.Shape()))
	}

	if query.Dim(1) != key.Dim(1) || key.Dim(1) != value.Dim(1) {
		panic(ml.ShapeErrorf("attention", "embed_dim does not match between query(%v), key(%v) and value(%v)", query.Dim(1), key.Dim(1), value.Dim(1)))
	}

	if query.Dim(0) == 0 || key.Dim(0) == 0 {
		panic(ml.ShapeErrorf("attention", "empty sequence: seq_len_q %d, seq_len_k %d", query.Dim(0), key.Dim(0)))
	}

	if key.Dim(0) != value.Dim(0) {
		panic(ml.ShapeErrorf("attention", "seq_len_k does not match between key(%v) and value(%v)", key.Dim(0), value.Dim(0)))
	}

	if err := CheckHeads(query.Dim(1), numHeads); err != nil {
		panic(err)
	}

	return query.Dim(1) / numHeads
}

// CheckHeads reports whether embed splits evenly into numHeads heads.
func CheckHeads(embed, numHeads int) error {
	if numHeads <= 0 || embed%numHeads != 0 {
		return &ml.ShapeError{Op: "attention", Msg: fmt.Sprintf("embed_dim %d is not divisible by %d heads", embed, numHeads)}
	}

	return nil
}

// head views the columns of head h in a (seq_len, embed_dim) tensor.
func head(t *ml.Tensor, h, headDim int) blas32.General {
	return blas32.General{
		Rows:   t.Dim(0),
		Cols:   headDim,
		Stride: t.Dim(1),
		Data:   t.Floats()[h*headDim:],
	}
}

// attentionWeights fills scores (seq_len_q, seq_len_k) for head h.
func attentionWeights(query, key *ml.Tensor, h, headDim int, scores []float32) {
	seqQ, seqK := query.Dim(0), key.Dim(0)
	s := blas32.General{Rows: seqQ, Cols: seqK, Stride: seqK, Data: scores}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1/math32.Sqrt(float32(headDim)), head(query, h, headDim), head(key, h, headDim), 0, s)

	for row := range seqQ {
		SoftmaxInPlace(scores[row*seqK : (row+1)*seqK])
	}
}
