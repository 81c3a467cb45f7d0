package nn

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/gitbearflying/demucs/ml"
)

// Conv1D holds a 1-D convolution kernel Weight (out, in/groups, kernel)
// and an optional Bias (out).
type Conv1D struct {
	Weight *ml.Tensor
	Bias   *ml.Tensor
}

// Conv1DOptions configure a convolution. Zero Stride, Dilation and Groups
// mean 1.
type Conv1DOptions struct {
	Stride   int
	Padding  int
	Dilation int
	Groups   int
}

func (o Conv1DOptions) normalized() Conv1DOptions {
	o.Stride = max(o.Stride, 1)
	o.Dilation = max(o.Dilation, 1)
	o.Groups = max(o.Groups, 1)
	return o
}

// OutputLength is the time length produced for an input of length n.
func (m *Conv1D) OutputLength(n int, opts Conv1DOptions) int {
	opts = opts.normalized()
	k := m.Weight.Dim(2)
	return (n+2*opts.Padding-opts.Dilation*(k-1)-1)/opts.Stride + 1
}

// Validate checks the kernel against in input channels.
func (m *Conv1D) Validate(op string, in int, opts Conv1DOptions) error {
	opts = opts.normalized()
	if m.Weight == nil || m.Weight.Rank() != 3 {
		return ml.ShapeErrorf(op, "weight must be (out, in/groups, kernel)")
	}

	out := m.Weight.Dim(0)
	if in%opts.Groups != 0 || out%opts.Groups != 0 {
		return ml.ShapeErrorf(op, "%d groups do not divide %d inputs and %d outputs", opts.Groups, in, out)
	}

	if err := ml.CheckParam(op, "weight", m.Weight, out, in/opts.Groups, -1); err != nil {
		return err
	}

	if m.Bias != nil {
		return ml.CheckParam(op, "bias", m.Bias, out)
	}

	return nil
}

// Forward convolves t (batch, in, time) and returns (batch, out, time').
func (m *Conv1D) Forward(t *ml.Tensor, opts Conv1DOptions) *ml.Tensor {
	return m.ForwardInto(nil, t, opts)
}

// ForwardInto is Forward writing into dst, which must have the output shape
// and must not share storage with t. A nil dst allocates.
func (m *Conv1D) ForwardInto(dst, t *ml.Tensor, opts Conv1DOptions) *ml.Tensor {
	if t.Rank() != 3 {
		panic(&ml.ShapeError{Op: "conv1d", Shape: t.Shape(), Msg: "want rank 3 (batch, channel, time)"})
	}

	if err := m.Validate("conv1d", t.Dim(1), opts); err != nil {
		panic(err)
	}

	opts = opts.normalized()
	batch, in, length := t.Dim(0), t.Dim(1), t.Dim(2)
	out, k := m.Weight.Dim(0), m.Weight.Dim(2)
	outLen := m.OutputLength(length, opts)
	if outLen <= 0 {
		panic(&ml.ShapeError{Op: "conv1d", Shape: t.Shape(), Msg: "input shorter than the kernel"})
	}

	y := into("conv1d", dst, batch, out, outLen)
	if k == 1 && opts.Stride == 1 && opts.Padding == 0 && opts.Groups == 1 {
		m.pointwise(t, y)
		return y
	}

	src, dst, w := t.Floats(), y.Floats(), m.Weight.Floats()
	inPerGroup, outPerGroup := in/opts.Groups, out/opts.Groups

	ml.Parallel(batch*out, func(i int) {
		b, oc := i/out, i%out
		g := oc / outPerGroup

		var bias float32
		if m.Bias != nil {
			bias = m.Bias.Floats()[oc]
		}

		row := dst[(b*out+oc)*outLen : (b*out+oc+1)*outLen]
		for o := range row {
			sum := bias
			for ic := range inPerGroup {
				x := src[(b*in+g*inPerGroup+ic)*length : (b*in+g*inPerGroup+ic+1)*length]
				kernel := w[(oc*inPerGroup+ic)*k : (oc*inPerGroup+ic+1)*k]
				for j, kv := range kernel {
					pos := o*opts.Stride + j*opts.Dilation - opts.Padding
					if pos >= 0 && pos < length {
						sum += x[pos] * kv
					}
				}
			}
			row[o] = sum
		}
	})

	return y
}

// pointwise handles 1x1 kernels as one matrix product per batch item.
func (m *Conv1D) pointwise(t, y *ml.Tensor) {
	batch, in, length := t.Dim(0), t.Dim(1), t.Dim(2)
	out := m.Weight.Dim(0)
	w := blas32.General{Rows: out, Cols: in, Stride: in, Data: m.Weight.Floats()}

	for b := range batch {
		x := blas32.General{Rows: in, Cols: length, Stride: length, Data: t.Floats()[b*in*length : (b+1)*in*length]}
		c := blas32.General{Rows: out, Cols: length, Stride: length, Data: y.Floats()[b*out*length : (b+1)*out*length]}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, w, x, 0, c)

		if m.Bias != nil {
			for oc, bias := range m.Bias.Floats() {
				row := c.Data[oc*length : (oc+1)*length]
				for i := range row {
					row[i] += bias
				}
			}
		}
	}
}

// into returns dst, or a new (a, b, c) tensor when dst is nil.
func into(op string, dst *ml.Tensor, a, b, c int) *ml.Tensor {
	if dst == nil {
		return ml.Zeros(a, b, c)
	}

	if !dst.HasShape(a, b, c) {
		panic(&ml.ShapeError{Op: op, Shape: dst.Shape(), Want: []int{a, b, c}, Msg: "destination shape mismatch"})
	}

	return dst
}
