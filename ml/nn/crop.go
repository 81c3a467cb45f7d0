package nn

import "github.com/gitbearflying/demucs/ml"

// MidCrop returns a copy of the centered n steps of the last axis of t.
// n <= 0 keeps every step.
func MidCrop(t *ml.Tensor, n int) *ml.Tensor {
	start, n := cropWindow(t, n)
	return t.Slice(-1, start, start+n)
}

// MidCropInto is MidCrop for a rank 3 t, writing into dst. A nil dst
// allocates.
func MidCropInto(dst, t *ml.Tensor, n int) *ml.Tensor {
	if t.Rank() != 3 {
		panic(&ml.ShapeError{Op: "mid crop", Shape: t.Shape(), Msg: "want rank 3"})
	}

	start, n := cropWindow(t, n)
	out := into("mid crop", dst, t.Dim(0), t.Dim(1), n)

	length := t.Dim(2)
	src, data := t.Floats(), out.Floats()
	for row := range t.Dim(0) * t.Dim(1) {
		copy(data[row*n:(row+1)*n], src[row*length+start:row*length+start+n])
	}

	return out
}

func cropWindow(t *ml.Tensor, n int) (start, size int) {
	length := t.Dim(-1)
	if n <= 0 {
		n = length
	}

	if n > length {
		panic(ml.ShapeErrorf("mid crop", "%d steps from %d", n, length))
	}

	return (length - n) / 2, n
}
