package hdemucs

import (
	"fmt"

	"github.com/gitbearflying/demucs/logutil"
	"github.com/gitbearflying/demucs/ml"
	"github.com/gitbearflying/demucs/ml/nn"
	"github.com/gitbearflying/demucs/model/models/htdemucs"
)

// DConvLayer is the htdemucs residual unit with optional local attention
// between the GELU and the 1x1 convolution.
type DConvLayer struct {
	htdemucs.DConvLayer

	// Attention is applied as y + Attention(y) when set.
	Attention *LocalAttention
}

type DConv struct {
	Layers    []DConvLayer
	Attention LocalAttentionOptions
}

func (l *DConvLayer) validate(channels int, opts LocalAttentionOptions) error {
	if err := l.DConvLayer.Validate(channels, 1); err != nil {
		return err
	}

	if l.Attention != nil {
		return l.Attention.Validate(l.Conv1.Weight.Dim(0), opts)
	}

	return nil
}

// hidden writes the activation that enters Conv2 into dst. A nil dst
// allocates.
func (l *DConvLayer) hidden(dst, x *ml.Tensor, dilation int, opts LocalAttentionOptions) (*ml.Tensor, error) {
	y := l.Hidden(dst, x, dilation, 1)
	if l.Attention != nil {
		attn, err := l.Attention.Forward(y, opts)
		if err != nil {
			return nil, err
		}

		y.AddInPlace(attn)
	}

	return y, nil
}

func (m *DConv) validate(y *ml.Tensor, midCrop int) error {
	if err := htdemucs.CheckInput(y, midCrop); err != nil {
		return err
	}

	for i := range m.Layers {
		if err := m.Layers[i].validate(y.Dim(1), m.Attention); err != nil {
			return fmt.Errorf("dconv layer %d: %w", i, err)
		}
	}

	return nil
}

// Forward applies every layer to y (batch, channel, time) with dilation
// 2^i and returns the centered midCrop time steps.
func (m *DConv) Forward(y *ml.Tensor, midCrop int) (_ *ml.Tensor, err error) {
	if err := m.validate(y, midCrop); err != nil {
		return nil, err
	}

	defer ml.Recover(&err)

	done := logutil.Op("dconv", "input", y, "layers", len(m.Layers), "mid_crop", midCrop)

	x := y.Clone()
	for i := range m.Layers {
		h, err := m.Layers[i].hidden(nil, x, 1<<i, m.Attention)
		if err != nil {
			return nil, fmt.Errorf("dconv layer %d: %w", i, err)
		}

		m.Layers[i].AddResidual(x, h, nil)
	}

	out := nn.MidCrop(x, midCrop)
	done("output", out)
	return out, nil
}
