package htdemucs

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/gitbearflying/demucs/ml"
)

func TestCrossTransformerZeroWeights(t *testing.T) {
	m := CrossTransformer{
		Layers:     []EncoderLayer{*zeroLayer(4, 8), *zeroLayer(4, 8), *zeroLayer(4, 8)},
		TimeLayers: []EncoderLayer{*zeroLayer(4, 8), *zeroLayer(4, 8), *zeroLayer(4, 8)},
	}

	x := pattern(1, 6, 4)
	xt := pattern(1, 9, 4).Scale(2)

	y, yt, err := m.Forward(x, xt, Options{NumHeads: 2})
	require.NoError(t, err)

	if diff := cmp.Diff(x.Floats(), y.Floats()); diff != "" {
		t.Errorf("freq mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(xt.Floats(), yt.Floats()); diff != "" {
		t.Errorf("time mismatch (-want +got):\n%s", diff)
	}
}

func TestCrossTransformerAlternates(t *testing.T) {
	x := pattern(1, 3, 4)
	xt := pattern(1, 5, 4).Scale(-0.5)
	opts := Options{NumHeads: 2}

	for _, crossFirst := range []bool{false, true} {
		m := CrossTransformer{
			Layers:     []EncoderLayer{*identityLayer(4)},
			TimeLayers: []EncoderLayer{*identityLayer(4)},
			CrossFirst: crossFirst,
		}

		y, yt, err := m.Forward(x, xt, opts)
		require.NoError(t, err)

		layer := identityLayer(4)
		wantY, err := layer.Forward(x, xt, opts, !crossFirst)
		require.NoError(t, err)
		wantYt, err := layer.Forward(xt, x, opts, !crossFirst)
		require.NoError(t, err)

		if diff := cmp.Diff(wantY.Floats(), y.Floats(), cmpopts.EquateApprox(0, 1e-6)); diff != "" {
			t.Errorf("crossFirst=%v freq mismatch (-want +got):\n%s", crossFirst, diff)
		}

		if diff := cmp.Diff(wantYt.Floats(), yt.Floats(), cmpopts.EquateApprox(0, 1e-6)); diff != "" {
			t.Errorf("crossFirst=%v time mismatch (-want +got):\n%s", crossFirst, diff)
		}
	}
}

func TestCrossTransformerErrors(t *testing.T) {
	m := CrossTransformer{Layers: []EncoderLayer{*zeroLayer(4, 8)}}
	_, _, err := m.Forward(pattern(1, 3, 4), pattern(1, 3, 4), Options{NumHeads: 2})
	require.Error(t, err)

	m.TimeLayers = []EncoderLayer{*zeroLayer(4, 8)}
	_, _, err = m.Forward(pattern(1, 3, 4), pattern(1, 3, 4), Options{NumHeads: 3})
	require.ErrorIs(t, err, ml.ErrShape)
}
