package ml

import (
	"errors"
	"fmt"
)

// ErrShape is wrapped by every shape contract violation.
var ErrShape = errors.New("shape mismatch")

// ShapeError describes a tensor that does not satisfy an operation's shape
// contract. Primitives panic with a *ShapeError; block entry points return
// it as an error.
type ShapeError struct {
	Op    string
	Shape []int
	Want  []int
	Msg   string
}

func (e *ShapeError) Error() string {
	s := e.Op + ": " + e.Msg
	if e.Shape != nil {
		s += fmt.Sprintf(" (shape %v", e.Shape)
		if e.Want != nil {
			s += fmt.Sprintf(", want %v", e.Want)
		}
		s += ")"
	}

	return s
}

func (e *ShapeError) Unwrap() error {
	return ErrShape
}

func ShapeErrorf(op, format string, args ...any) *ShapeError {
	return &ShapeError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// CheckShape returns a *ShapeError if t is nil or its shape differs from want.
// A negative entry in want matches any size.
func CheckShape(op string, t *Tensor, want ...int) error {
	return checkShape(op, "", t, want)
}

// CheckParam is CheckShape for the parameter name of op. The error reports
// the operation as op.name.
func CheckParam(op, name string, t *Tensor, want ...int) error {
	return checkShape(op, name, t, want)
}

func checkShape(op, name string, t *Tensor, want []int) error {
	if t == nil {
		return shapeError(op, name, nil, want, "missing tensor")
	}

	if len(t.shape) != len(want) {
		return shapeError(op, name, t, want, "rank mismatch")
	}

	for i := range want {
		if want[i] >= 0 && t.shape[i] != want[i] {
			return shapeError(op, name, t, want, fmt.Sprintf("axis %d mismatch", i))
		}
	}

	return nil
}

// shapeError copies want so callers' variadic slices stay on the stack.
func shapeError(op, name string, t *Tensor, want []int, msg string) *ShapeError {
	if name != "" {
		op += "." + name
	}

	e := &ShapeError{Op: op, Want: make([]int, len(want)), Msg: msg}
	copy(e.Want, want)
	if t != nil {
		e.Shape = t.Shape()
	}

	return e
}

// Recover converts a *ShapeError panic into an error stored in *err. Other
// panics are re-raised.
func Recover(err *error) {
	if r := recover(); r != nil {
		var se *ShapeError
		if e, ok := r.(error); ok && errors.As(e, &se) {
			*err = se
			return
		}

		panic(r)
	}
}
