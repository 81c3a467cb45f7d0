package htdemucs

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitbearflying/demucs/ml"
	"github.com/gitbearflying/demucs/ml/nn"
)

func dconvLayer(channels, hidden, kernel int, scale float32) DConvLayer {
	return DConvLayer{
		Conv1: nn.Conv1D{Weight: pattern(hidden, channels, kernel).Scale(0.2), Bias: ml.Zeros(hidden)},
		Norm1: unitNorm(hidden),
		Conv2: nn.Conv1D{Weight: pattern(2*channels, hidden, 1).Scale(0.3), Bias: ml.Full(0.1, 2*channels)},
		Norm2: unitNorm(2 * channels),
		Scale: ml.Full(scale, channels),
	}
}

func TestDConvZeroScale(t *testing.T) {
	m := DConv{Layers: []DConvLayer{dconvLayer(4, 8, 3, 0), dconvLayer(4, 8, 3, 0)}}
	x := pattern(2, 4, 10)

	y, err := m.Forward(x, 0)
	require.NoError(t, err)

	if diff := cmp.Diff(x.Floats(), y.Floats()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestDConvLayer(t *testing.T) {
	layer := dconvLayer(2, 4, 3, 0.5)
	m := DConv{Layers: []DConvLayer{layer}}
	x := pattern(1, 2, 7)

	y, err := m.Forward(x, 0)
	require.NoError(t, err)

	h := layer.Conv1.Forward(x, nn.Conv1DOptions{Padding: 1})
	h = nn.GroupNormGELU(h, layer.Norm1.Weight, layer.Norm1.Bias, 1, DefaultEps)
	h = layer.Conv2.Forward(h, nn.Conv1DOptions{})
	h = nn.GroupNorm(h, layer.Norm2.Weight, layer.Norm2.Bias, 1, DefaultEps)
	want := x.Add(nn.GLU(h, 1).Scale(0.5))

	if diff := cmp.Diff(want.Floats(), y.Floats(), cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestDConvBatchIndependent(t *testing.T) {
	m := DConv{Layers: []DConvLayer{dconvLayer(4, 8, 3, 0.3), dconvLayer(4, 8, 3, 0.3)}}
	x := pattern(3, 4, 12)

	y, err := m.Forward(x, 0)
	require.NoError(t, err)

	for b := range 3 {
		item, err := m.Forward(x.Slice(0, b, b+1), 0)
		require.NoError(t, err)

		if diff := cmp.Diff(item.Floats(), y.Slice(0, b, b+1).Floats(), cmpopts.EquateApprox(0, 1e-6)); diff != "" {
			t.Errorf("item %d mismatch (-want +got):\n%s", b, diff)
		}
	}
}

func TestDConvMidCrop(t *testing.T) {
	m := DConv{Layers: []DConvLayer{dconvLayer(4, 8, 3, 0.3)}}
	x := pattern(1, 4, 12)

	full, err := m.Forward(x, 0)
	require.NoError(t, err)

	cropped, err := m.Forward(x, 6)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 6}, cropped.Shape())

	if diff := cmp.Diff(full.Slice(2, 3, 9).Floats(), cropped.Floats()); diff != "" {
		t.Errorf("crop mismatch (-want +got):\n%s", diff)
	}

	_, err = m.Forward(x, 13)
	require.ErrorIs(t, err, ml.ErrShape)
}

func TestDConvInvalid(t *testing.T) {
	m := DConv{Layers: []DConvLayer{dconvLayer(4, 8, 3, 0.3)}}

	_, err := m.Forward(pattern(1, 6, 12), 0)
	require.ErrorIs(t, err, ml.ErrShape)

	_, err = m.Forward(pattern(4, 12), 0)
	require.ErrorIs(t, err, ml.ErrShape)

	m.Layers[0].Scale = ml.Ones(3)
	_, err = m.Forward(pattern(1, 4, 12), 0)
	require.ErrorIs(t, err, ml.ErrShape)
}

func TestDConvLayerInPlace(t *testing.T) {
	layer := dconvLayer(4, 8, 3, 0.3)
	x := pattern(2, 4, 9)

	m := DConv{Layers: []DConvLayer{layer}}
	want, err := m.Forward(x, 0)
	require.NoError(t, err)

	hidden, gate := ml.Full(7, 2, 8, 9), ml.Full(-7, 2, 8, 9)
	got := x.Clone()
	assert.Same(t, hidden, layer.Hidden(hidden, got, 1, 1))
	assert.Same(t, gate, layer.AddResidual(got, hidden, gate))

	if diff := cmp.Diff(want.Floats(), got.Floats()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}

	require.Panics(t, func() { layer.Hidden(ml.Zeros(2, 8, 8), x, 1, 1) })
}

// halfPrecision rounds every parameter of l through float16 storage.
func halfPrecision(l DConvLayer) DConvLayer {
	half := func(t *ml.Tensor) *ml.Tensor { return ml.FromFloat16(t.Float16(), t.Shape()...) }

	return DConvLayer{
		Conv1: nn.Conv1D{Weight: half(l.Conv1.Weight), Bias: half(l.Conv1.Bias)},
		Norm1: nn.Norm{Weight: half(l.Norm1.Weight), Bias: half(l.Norm1.Bias)},
		Conv2: nn.Conv1D{Weight: half(l.Conv2.Weight), Bias: half(l.Conv2.Bias)},
		Norm2: nn.Norm{Weight: half(l.Norm2.Weight), Bias: half(l.Norm2.Bias)},
		Scale: half(l.Scale),
	}
}

func TestDConvHalfPrecisionParams(t *testing.T) {
	layer := dconvLayer(4, 8, 3, 0.3)
	x := pattern(2, 4, 10)

	full, err := (&DConv{Layers: []DConvLayer{layer}}).Forward(x, 0)
	require.NoError(t, err)

	half, err := (&DConv{Layers: []DConvLayer{halfPrecision(layer)}}).Forward(x, 0)
	require.NoError(t, err)

	if diff := cmp.Diff(full.Floats(), half.Floats(), cmpopts.EquateApprox(0, 1e-2)); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}
