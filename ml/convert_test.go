package ml

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestFromFloat16(t *testing.T) {
	x := FromFloat16([]uint16{0x3c00, 0xc000, 0x3800, 0x0000}, 2, 2)
	if diff := cmp.Diff([]float32{1, -2, 0.5, 0}, x.Floats()); diff != "" {
		t.Errorf("decoded mismatch (-want +got):\n%s", diff)
	}

	y := FromFloat16Bytes([]byte{0x00, 0x3c, 0x00, 0xc0}, 2)
	if diff := cmp.Diff([]float32{1, -2}, y.Floats()); diff != "" {
		t.Errorf("decoded mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]uint16{0x3c00, 0xc000, 0x3800, 0x0000}, x.Float16()); diff != "" {
		t.Errorf("encoded mismatch (-want +got):\n%s", diff)
	}

	require.Panics(t, func() { FromFloat16([]uint16{0x3c00}, 2) })
	require.Panics(t, func() { FromFloat16Bytes([]byte{0x00}, 1) })
}

func TestFromBFloat16Bytes(t *testing.T) {
	x := FromBFloat16Bytes([]byte{0x80, 0x3f, 0x00, 0xc0, 0x00, 0x3f}, 3)
	if diff := cmp.Diff([]float32{1, -2, 0.5}, x.Floats()); diff != "" {
		t.Errorf("decoded mismatch (-want +got):\n%s", diff)
	}

	require.Panics(t, func() { FromBFloat16Bytes([]byte{0x80, 0x3f}, 2) })
}
