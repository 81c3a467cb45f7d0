package nn

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/gitbearflying/demucs/ml"
)

// Linear is a dense projection with Weight (out, in) and an optional Bias (out).
type Linear struct {
	Weight *ml.Tensor
	Bias   *ml.Tensor
}

// Forward projects the last axis of t: (..., in) -> (..., out).
func (m *Linear) Forward(t *ml.Tensor) *ml.Tensor {
	if m.Weight == nil || m.Weight.Rank() != 2 {
		panic(ml.ShapeErrorf("linear", "weight must be (out, in)"))
	}

	out, in := m.Weight.Dim(0), m.Weight.Dim(1)
	if t.Dim(-1) != in {
		panic(&ml.ShapeError{Op: "linear", Shape: t.Shape(), Msg: "input features do not match weight"})
	}

	if m.Bias != nil {
		if err := ml.CheckShape("linear.bias", m.Bias, out); err != nil {
			panic(err)
		}
	}

	shape := t.Shape()
	shape[len(shape)-1] = out
	y := ml.Zeros(shape...)

	rows := t.Len() / in
	x := t.Reshape(rows, in).Matrix()
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, x, m.Weight.Matrix(), 0, y.Reshape(rows, out).Matrix())

	if m.Bias != nil {
		b := m.Bias.Floats()
		data := y.Floats()
		for r := range rows {
			row := data[r*out : (r+1)*out]
			for i := range row {
				row[i] += b[i]
			}
		}
	}

	return y
}

// Rows returns the projection restricted to output rows [start, end).
func (m *Linear) Rows(start, end int) *Linear {
	r := &Linear{Weight: m.Weight.Slice(0, start, end)}
	if m.Bias != nil {
		r.Bias = m.Bias.Slice(0, start, end)
	}

	return r
}

// Validate checks the weight is (out, in) and the bias, when set, is (out).
func (m *Linear) Validate(op string, out, in int) error {
	if err := ml.CheckParam(op, "weight", m.Weight, out, in); err != nil {
		return err
	}

	if m.Bias == nil {
		return nil
	}

	return ml.CheckParam(op, "bias", m.Bias, out)
}
