package htdemucs

import (
	"fmt"

	"github.com/gitbearflying/demucs/logutil"
	"github.com/gitbearflying/demucs/ml"
	"github.com/gitbearflying/demucs/ml/nn"
)

// DConvLayer is one residual unit: a dilated convolution to a hidden size,
// group norm with GELU, a 1x1 convolution to twice the channels, group
// norm, GLU and layer scale.
type DConvLayer struct {
	Conv1 nn.Conv1D
	Norm1 nn.Norm
	Conv2 nn.Conv1D
	Norm2 nn.Norm
	Scale *ml.Tensor
}

// DConv is a stack of residual units whose dilation doubles per layer.
// Inputs are (batch, channel, time); the freq branch folds frequency into
// the batch axis.
type DConv struct {
	Layers []DConvLayer

	// Groups is the convolution group count of Conv1 (default 1).
	Groups int
}

// Validate checks the layer against channels inputs split into groups
// Conv1 groups.
func (l *DConvLayer) Validate(channels, groups int) error {
	if err := l.Conv1.Validate("conv1", channels, nn.Conv1DOptions{Groups: groups}); err != nil {
		return err
	}

	hidden := l.Conv1.Weight.Dim(0)
	if err := l.Norm1.Validate("norm1", hidden); err != nil {
		return err
	}

	if err := l.Conv2.Validate("conv2", hidden, nn.Conv1DOptions{}); err != nil {
		return err
	}

	if err := ml.CheckShape("conv2.weight", l.Conv2.Weight, 2*channels, hidden, 1); err != nil {
		return err
	}

	if err := l.Norm2.Validate("norm2", 2*channels); err != nil {
		return err
	}

	return ml.CheckShape("scale", l.Scale, channels)
}

// Hidden writes the dilated Conv1 of x, group normalized per batch item
// with GELU, into dst and returns it. A nil dst allocates.
func (l *DConvLayer) Hidden(dst, x *ml.Tensor, dilation, groups int) *ml.Tensor {
	k := l.Conv1.Weight.Dim(2)
	dst = l.Conv1.ForwardInto(dst, x, nn.Conv1DOptions{Padding: dilation * (k / 2), Dilation: dilation, Groups: groups})
	return nn.BatchGroupNormInto(dst, dst, l.Norm1.Weight, l.Norm1.Bias, 1, DefaultEps, nn.GELUScalar)
}

// AddResidual adds LayerScale(GLU(GroupNorm(Conv2(hidden)))) to x in place.
// gate receives the normalized Conv2 output and is returned; a nil gate
// allocates.
func (l *DConvLayer) AddResidual(x, hidden, gate *ml.Tensor) *ml.Tensor {
	gate = l.Conv2.ForwardInto(gate, hidden, nn.Conv1DOptions{})
	gate = nn.BatchGroupNormInto(gate, gate, l.Norm2.Weight, l.Norm2.Bias, 1, DefaultEps, nn.Identity)
	nn.AddScaledGLU(x, gate, l.Scale)
	return gate
}

// CheckInput validates a dconv input y (batch, channel, time) and its crop.
func CheckInput(y *ml.Tensor, midCrop int) error {
	if y.Rank() != 3 {
		return &ml.ShapeError{Op: "dconv", Shape: y.Shape(), Msg: "want (batch, channel, time)"}
	}

	if midCrop > y.Dim(2) {
		return ml.ShapeErrorf("dconv", "mid crop %d exceeds %d time steps", midCrop, y.Dim(2))
	}

	return nil
}

// Forward applies every residual unit to y (batch, channel, time) and keeps
// the centered midCrop time steps. midCrop <= 0 keeps the whole output.
func (m *DConv) Forward(y *ml.Tensor, midCrop int) (_ *ml.Tensor, err error) {
	if err := CheckInput(y, midCrop); err != nil {
		return nil, err
	}

	groups := max(m.Groups, 1)
	for i := range m.Layers {
		if err := m.Layers[i].Validate(y.Dim(1), groups); err != nil {
			return nil, fmt.Errorf("dconv layer %d: %w", i, err)
		}
	}

	defer ml.Recover(&err)

	done := logutil.Op("dconv", "input", y, "layers", len(m.Layers), "mid_crop", midCrop)

	x := y.Clone()
	for i := range m.Layers {
		h := m.Layers[i].Hidden(nil, x, 1<<i, groups)
		m.Layers[i].AddResidual(x, h, nil)
	}

	out := nn.MidCrop(x, midCrop)
	done("output", out)
	return out, nil
}
