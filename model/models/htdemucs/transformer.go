package htdemucs

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/gitbearflying/demucs/logutil"
	"github.com/gitbearflying/demucs/ml"
)

// CrossTransformer interleaves self attention layers with layers in which
// the frequency branch attends to the time branch and the time branch to
// the frequency branch.
type CrossTransformer struct {
	// Layers and TimeLayers run on the frequency and time branch.
	Layers     []EncoderLayer
	TimeLayers []EncoderLayer

	// CrossFirst starts with a cross attention layer instead of a self
	// attention layer.
	CrossFirst bool
}

// Forward runs every layer on x (batch, seq_len_f, E) and xt (batch,
// seq_len_t, E). Cross layers read both branches as they were before the
// layer.
func (m *CrossTransformer) Forward(x, xt *ml.Tensor, opts Options) (*ml.Tensor, *ml.Tensor, error) {
	if len(m.Layers) != len(m.TimeLayers) {
		return nil, nil, fmt.Errorf("cross transformer: %d frequency layers but %d time layers", len(m.Layers), len(m.TimeLayers))
	}

	parity := 0
	if m.CrossFirst {
		parity = 1
	}

	done := logutil.Op("cross transformer", "x", x, "xt", xt, "layers", len(m.Layers))

	for i := range m.Layers {
		self := i%2 == parity

		var g errgroup.Group
		var nx, nxt *ml.Tensor
		g.Go(func() (err error) {
			nx, err = m.Layers[i].Forward(x, xt, opts, self)
			return err
		})
		g.Go(func() (err error) {
			nxt, err = m.TimeLayers[i].Forward(xt, x, opts, self)
			return err
		})

		if err := g.Wait(); err != nil {
			return nil, nil, fmt.Errorf("cross transformer layer %d: %w", i, err)
		}

		x, xt = nx, nxt
	}

	done("x", x, "xt", xt)
	return x, xt, nil
}
