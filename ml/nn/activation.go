package nn

import (
	"github.com/chewxy/math32"

	"github.com/gitbearflying/demucs/ml"
)

// Activation is an elementwise function, used to fuse an activation into a
// normalization pass.
type Activation func(float32) float32

func Identity(x float32) float32 {
	return x
}

// GELUScalar is the exact, erf based GELU.
func GELUScalar(x float32) float32 {
	return 0.5 * x * (1 + math32.Erf(x/math32.Sqrt2))
}

func Sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// Apply returns a new tensor with fn applied to every element of t.
func Apply(t *ml.Tensor, fn Activation) *ml.Tensor {
	out := t.Clone()
	for i, v := range out.Floats() {
		out.Floats()[i] = fn(v)
	}

	return out
}

func GELU(t *ml.Tensor) *ml.Tensor {
	return Apply(t, GELUScalar)
}

// GLU splits t in two halves A and B along axis and returns A * sigmoid(B).
func GLU(t *ml.Tensor, axis int) *ml.Tensor {
	shape := t.Shape()
	if axis < 0 {
		axis += len(shape)
	}

	if axis < 0 || axis >= len(shape) || shape[axis]%2 != 0 {
		panic(&ml.ShapeError{Op: "glu", Shape: shape, Msg: "axis size must be even"})
	}

	outer, inner := 1, 1
	for _, dim := range shape[:axis] {
		outer *= dim
	}
	for _, dim := range shape[axis+1:] {
		inner *= dim
	}

	half := shape[axis] / 2
	shape[axis] = half
	out := ml.Zeros(shape...)

	src, dst := t.Floats(), out.Floats()
	for o := range outer {
		a := src[o*2*half*inner : (o*2*half+half)*inner]
		b := src[(o*2*half+half)*inner : (o+1)*2*half*inner]
		y := dst[o*half*inner : (o+1)*half*inner]
		for i := range y {
			y[i] = a[i] * Sigmoid(b[i])
		}
	}

	return out
}

// LayerScale multiplies t along axis 1 by the per-channel scale.
func LayerScale(t, scale *ml.Tensor) *ml.Tensor {
	return LayerScaleAxis(t, scale, 1)
}

// LayerScaleAxis multiplies t along axis by scale, a vector with one entry
// per index of that axis.
func LayerScaleAxis(t, scale *ml.Tensor, axis int) *ml.Tensor {
	shape := t.Shape()
	if axis < 0 {
		axis += len(shape)
	}

	if axis < 0 || axis >= len(shape) {
		panic(&ml.ShapeError{Op: "layer scale", Shape: shape, Msg: "axis out of range"})
	}

	if err := ml.CheckShape("layer scale", scale, shape[axis]); err != nil {
		panic(err)
	}

	inner := 1
	for _, dim := range shape[axis+1:] {
		inner *= dim
	}

	out := t.Clone()
	s := scale.Floats()
	for i := range out.Floats() {
		out.Floats()[i] *= s[(i/inner)%shape[axis]]
	}

	return out
}

// AddScaledGLU adds LayerScale(GLU(t, 1), scale) to dst in place. t is
// (batch, 2*channels, time) and dst is (batch, channels, time).
func AddScaledGLU(dst, t, scale *ml.Tensor) {
	if dst == nil {
		panic(ml.ShapeErrorf("scaled glu", "missing destination"))
	}

	if t.Rank() != 3 || t.Dim(1)%2 != 0 || !dst.HasShape(t.Dim(0), t.Dim(1)/2, t.Dim(2)) {
		panic(&ml.ShapeError{Op: "scaled glu", Shape: t.Shape(), Want: dst.Shape(), Msg: "want (batch, 2*channels, time) onto (batch, channels, time)"})
	}

	batch, channels, width := dst.Dim(0), dst.Dim(1), dst.Dim(2)
	if err := ml.CheckShape("scaled glu", scale, channels); err != nil {
		panic(err)
	}

	src, out, s := t.Floats(), dst.Floats(), scale.Floats()
	for b := range batch {
		for c := range channels {
			a := src[(b*2*channels+c)*width : (b*2*channels+c+1)*width]
			g := src[(b*2*channels+channels+c)*width : (b*2*channels+channels+c+1)*width]
			y := out[(b*channels+c)*width : (b*channels+c+1)*width]
			for i := range y {
				v := a[i] * Sigmoid(g[i])
				y[i] += v * s[c]
			}
		}
	}
}

// Softmax normalizes t along its last axis.
func Softmax(t *ml.Tensor) *ml.Tensor {
	out := t.Clone()
	n := out.Dim(-1)
	data := out.Floats()
	for row := 0; row+n <= len(data) && n > 0; row += n {
		SoftmaxInPlace(data[row : row+n])
	}

	return out
}

// SoftmaxInPlace normalizes xs in place, subtracting the maximum for stability.
// An empty xs is left as is.
func SoftmaxInPlace(xs []float32) {
	if len(xs) == 0 {
		return
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		maxVal = max(maxVal, x)
	}

	var sum float32
	for i, x := range xs {
		xs[i] = math32.Exp(x - maxVal)
		sum += xs[i]
	}

	for i := range xs {
		xs[i] /= sum
	}
}
