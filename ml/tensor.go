// Package ml holds the dense float32 tensor shared by the layers in ml/nn.
// Weights stored in half precision are widened on load through FromFloat16,
// FromFloat16Bytes and FromBFloat16Bytes; every layer computes in float32.
package ml

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/blas/blas32"
)

// Tensor is a dense, row-major float32 array. Rank 3 activations use the
// (frequency-or-batch, channel, time) axis order unless a call site says
// otherwise.
type Tensor struct {
	shape []int
	data  []float32
}

// Zeros returns a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic(ShapeErrorf("zeros", "empty shape"))
	}

	for _, dim := range shape {
		if dim < 0 {
			panic(ShapeErrorf("zeros", "negative dimension in %v", shape))
		}
	}

	return &Tensor{shape: slices.Clone(shape), data: make([]float32, mul(shape...))}
}

// Full returns a tensor with every element set to v.
func Full(v float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = v
	}

	return t
}

// Ones returns a tensor with every element set to 1.
func Ones(shape ...int) *Tensor {
	return Full(1, shape...)
}

// FromFloats copies s into a new tensor of the given shape.
func FromFloats(s []float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	if len(s) != len(t.data) {
		panic(ShapeErrorf("from floats", "%d values cannot fill shape %v", len(s), shape))
	}

	copy(t.data, s)
	return t
}

// Arange returns a tensor holding start, start+step, ... reshaped to shape.
func Arange(start, step float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = start + float32(i)*step
	}

	return t
}

func (t *Tensor) Dim(n int) int {
	if n < 0 {
		n += len(t.shape)
	}

	return t.shape[n]
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Len is the number of elements.
func (t *Tensor) Len() int {
	return len(t.data)
}

// Floats returns the backing slice. Writes through it modify the tensor.
func (t *Tensor) Floats() []float32 {
	return t.data
}

func (t *Tensor) offset(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(ShapeErrorf("index", "%d indices for shape %v", len(indices), t.shape))
	}

	var off int
	for i, idx := range indices {
		if idx < 0 || idx >= t.shape[i] {
			panic(ShapeErrorf("index", "index %d out of range for axis %d of %v", idx, i, t.shape))
		}
		off = off*t.shape[i] + idx
	}

	return off
}

func (t *Tensor) At(indices ...int) float32 {
	return t.data[t.offset(indices)]
}

func (t *Tensor) Set(v float32, indices ...int) {
	t.data[t.offset(indices)] = v
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data)}
}

// Reshape returns a tensor sharing t's data with a new shape. One dimension
// may be -1 and is inferred.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, dim := range shape {
		if dim == -1 {
			if infer >= 0 {
				panic(ShapeErrorf("reshape", "more than one inferred dimension in %v", shape))
			}
			infer = i
			continue
		}
		known *= dim
	}

	if infer >= 0 && known > 0 {
		shape[infer] = len(t.data) / known
	}

	if mul(shape...) != len(t.data) {
		panic(ShapeErrorf("reshape", "cannot reshape %v to %v", t.shape, shape))
	}

	return &Tensor{shape: shape, data: t.data}
}

// Permute returns a new contiguous tensor whose axis i is t's axis axes[i].
func (t *Tensor) Permute(axes ...int) *Tensor {
	if len(axes) != len(t.shape) {
		panic(ShapeErrorf("permute", "%d axes for shape %v", len(axes), t.shape))
	}

	seen := make([]bool, len(axes))
	for _, axis := range axes {
		if axis < 0 || axis >= len(axes) || seen[axis] {
			panic(ShapeErrorf("permute", "axes %v are not a permutation of shape %v", axes, t.shape))
		}
		seen[axis] = true
	}

	if slices.IsSorted(axes) {
		return t.Clone()
	}

	var tt tensor.Tensor = tensor.New(tensor.WithShape(t.shape...), tensor.WithBacking(slices.Clone(t.data)))
	tt, err := tensor.Transpose(tt, axes...)
	if err != nil {
		panic(&ShapeError{Op: "permute", Shape: t.Shape(), Msg: err.Error()})
	}
	tt = tensor.Materialize(tt)

	shape := make([]int, len(axes))
	for i, axis := range axes {
		shape[i] = t.shape[axis]
	}

	if err := tt.Reshape(tt.Shape().TotalSize()); err != nil {
		panic(&ShapeError{Op: "permute", Shape: t.Shape(), Msg: err.Error()})
	}

	data, err := native.VectorF32(tt.(*tensor.Dense))
	if err != nil {
		panic(&ShapeError{Op: "permute", Shape: t.Shape(), Msg: err.Error()})
	}

	return &Tensor{shape: shape, data: data}
}

// Slice returns a copy of t restricted to [start, end) along axis.
func (t *Tensor) Slice(axis, start, end int) *Tensor {
	if axis < 0 {
		axis += len(t.shape)
	}

	if axis < 0 || axis >= len(t.shape) || start < 0 || end > t.shape[axis] || start > end {
		panic(ShapeErrorf("slice", "[%d:%d] on axis %d of %v", start, end, axis, t.shape))
	}

	if start == 0 && end == t.shape[axis] {
		return t.Clone()
	}

	shape := slices.Clone(t.shape)
	shape[axis] = end - start
	if shape[axis] == 0 {
		return Zeros(shape...)
	}

	ss := make([]tensor.Slice, len(t.shape))
	ss[axis] = tensor.S(start, end)

	var tt tensor.Tensor = tensor.New(tensor.WithShape(t.shape...), tensor.WithBacking(t.data))
	tt, err := tt.Slice(ss...)
	if err != nil {
		panic(&ShapeError{Op: "slice", Shape: t.Shape(), Msg: err.Error()})
	}

	tt = tensor.Materialize(tt)
	dense := tt.(*tensor.Dense)
	if err := dense.Reshape(dense.Shape().TotalSize()); err != nil {
		panic(&ShapeError{Op: "slice", Shape: t.Shape(), Msg: err.Error()})
	}

	data, err := native.VectorF32(dense)
	if err != nil {
		panic(&ShapeError{Op: "slice", Shape: t.Shape(), Msg: err.Error()})
	}

	// a materialized slice may still share t's backing array
	return &Tensor{shape: shape, data: append([]float32(nil), data...)}
}

// HasShape reports whether t is non-nil with exactly the given shape.
func (t *Tensor) HasShape(shape ...int) bool {
	return t != nil && slices.Equal(t.shape, shape)
}

// CopyFrom overwrites t with the elements of src. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) {
	t.mustMatch("copy", src)
	copy(t.data, src.data)
}

// AddInPlace adds t2 to t elementwise and returns t. Shapes must match.
func (t *Tensor) AddInPlace(t2 *Tensor) *Tensor {
	t.mustMatch("add", t2)
	for i, v := range t2.data {
		t.data[i] += v
	}

	return t
}

// Add returns t + t2 elementwise. Shapes must match.
func (t *Tensor) Add(t2 *Tensor) *Tensor {
	t.mustMatch("add", t2)
	out := t.Clone()
	for i, v := range t2.data {
		out.data[i] += v
	}

	return out
}

// Mul returns t * t2 elementwise. Shapes must match.
func (t *Tensor) Mul(t2 *Tensor) *Tensor {
	t.mustMatch("mul", t2)
	out := t.Clone()
	for i, v := range t2.data {
		out.data[i] *= v
	}

	return out
}

func (t *Tensor) Scale(s float32) *Tensor {
	out := t.Clone()
	for i := range out.data {
		out.data[i] *= s
	}

	return out
}

// Equal reports whether t and t2 have the same shape and elements.
func (t *Tensor) Equal(t2 *Tensor) bool {
	return slices.Equal(t.shape, t2.shape) && slices.Equal(t.data, t2.data)
}

func (t *Tensor) mustMatch(op string, t2 *Tensor) {
	if !slices.Equal(t.shape, t2.shape) {
		panic(&ShapeError{Op: op, Shape: t.Shape(), Want: t2.Shape(), Msg: "shape mismatch"})
	}
}

// Matrix views a rank 2 tensor as a blas32 general matrix sharing its data.
func (t *Tensor) Matrix() blas32.General {
	if len(t.shape) != 2 {
		panic(ShapeErrorf("matrix", "rank %d tensor %v", len(t.shape), t.shape))
	}

	return blas32.General{Rows: t.shape[0], Cols: t.shape[1], Stride: t.shape[1], Data: t.data}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}

// LogValue implements slog.LogValuer. Only the shape is logged.
func (t *Tensor) LogValue() slog.Value {
	if t == nil {
		return slog.StringValue("<nil>")
	}

	return slog.AnyValue(t.shape)
}

func mul[T constraints.Integer | constraints.Float](s ...T) T {
	p := T(1)
	for _, v := range s {
		p *= v
	}

	return p
}
