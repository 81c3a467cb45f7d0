package ml

import (
	"encoding/binary"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// FromFloat16 widens IEEE half precision values to a float32 tensor.
func FromFloat16(bits []uint16, shape ...int) *Tensor {
	t := Zeros(shape...)
	if len(bits) != len(t.data) {
		panic(ShapeErrorf("from float16", "%d values cannot fill shape %v", len(bits), shape))
	}

	for i, b := range bits {
		t.data[i] = float16.Frombits(b).Float32()
	}

	return t
}

// FromFloat16Bytes decodes little endian half precision values.
func FromFloat16Bytes(buf []byte, shape ...int) *Tensor {
	if len(buf)%2 != 0 {
		panic(ShapeErrorf("from float16", "odd buffer length %d", len(buf)))
	}

	bits := make([]uint16, len(buf)/2)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint16(buf[2*i:])
	}

	return FromFloat16(bits, shape...)
}

// FromBFloat16Bytes decodes little endian bfloat16 values.
func FromBFloat16Bytes(buf []byte, shape ...int) *Tensor {
	if len(buf)%2 != 0 {
		panic(ShapeErrorf("from bfloat16", "odd buffer length %d", len(buf)))
	}

	return FromFloats(bfloat16.DecodeFloat32(buf), shape...)
}

// Float16 narrows t to IEEE half precision bits.
func (t *Tensor) Float16() []uint16 {
	bits := make([]uint16, len(t.data))
	for i, v := range t.data {
		bits[i] = float16.Fromfloat32(v).Bits()
	}

	return bits
}
