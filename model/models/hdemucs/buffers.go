package hdemucs

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/gitbearflying/demucs/logutil"
	"github.com/gitbearflying/demucs/ml"
	"github.com/gitbearflying/demucs/ml/nn"
)

// BranchBuffers is the working storage of one dconv branch. Every layer
// writes its hidden activation and gated Conv2 output straight into Hidden
// and Gate; Residual carries the running sum and Output the cropped result.
// A buffer whose shape no longer fits is replaced.
type BranchBuffers struct {
	Hidden   []*ml.Tensor
	Gate     []*ml.Tensor
	Residual *ml.Tensor
	Output   *ml.Tensor
}

// SegmentBuffers is caller-owned scratch space for the encoder 4 and 5
// dconv blocks, reused from one segment to the next.
type SegmentBuffers struct {
	Freq BranchBuffers
	Time BranchBuffers
}

func NewSegmentBuffers() *SegmentBuffers {
	return &SegmentBuffers{}
}

// fit returns t when it has shape (a, b, c) and a new tensor otherwise.
func fit(t *ml.Tensor, a, b, c int) *ml.Tensor {
	if t.HasShape(a, b, c) {
		return t
	}

	return ml.Zeros(a, b, c)
}

// ForwardBuffered computes the same result as Forward inside buf. The
// returned tensor is buf.Output and is overwritten by the next call with
// the same buffers.
func (m *DConv) ForwardBuffered(y *ml.Tensor, midCrop int, buf *BranchBuffers) (_ *ml.Tensor, err error) {
	if buf == nil {
		return m.Forward(y, midCrop)
	}

	if err := m.validate(y, midCrop); err != nil {
		return nil, err
	}

	defer ml.Recover(&err)

	if len(buf.Hidden) != len(m.Layers) || len(buf.Gate) != len(m.Layers) {
		buf.Hidden = make([]*ml.Tensor, len(m.Layers))
		buf.Gate = make([]*ml.Tensor, len(m.Layers))
	}

	batch, channels, length := y.Dim(0), y.Dim(1), y.Dim(2)
	buf.Residual = fit(buf.Residual, batch, channels, length)
	buf.Residual.CopyFrom(y)

	x := buf.Residual
	for i := range m.Layers {
		l := &m.Layers[i]
		buf.Hidden[i] = fit(buf.Hidden[i], batch, l.Conv1.Weight.Dim(0), length)
		buf.Gate[i] = fit(buf.Gate[i], batch, 2*channels, length)

		h, err := l.hidden(buf.Hidden[i], x, 1<<i, m.Attention)
		if err != nil {
			return nil, fmt.Errorf("dconv layer %d: %w", i, err)
		}

		l.AddResidual(x, h, buf.Gate[i])
	}

	crop := midCrop
	if crop <= 0 {
		crop = length
	}

	buf.Output = nn.MidCropInto(fit(buf.Output, batch, channels, crop), x, midCrop)
	return buf.Output, nil
}

// ForwardBranches runs the frequency and time dconv blocks of one encoder
// concurrently. A nil timeDConv runs the frequency branch alone, as in the
// merged encoder 5.
func ForwardBranches(freq, time *ml.Tensor, freqDConv, timeDConv *DConv, midCrop int, bufs *SegmentBuffers) (*ml.Tensor, *ml.Tensor, error) {
	if bufs == nil {
		bufs = NewSegmentBuffers()
	}

	done := logutil.Op("dconv branches", "freq", freq, "time", time, "mid_crop", midCrop)

	var g errgroup.Group
	var fy, ty *ml.Tensor
	g.Go(func() (err error) {
		fy, err = freqDConv.ForwardBuffered(freq, midCrop, &bufs.Freq)
		if err != nil {
			err = fmt.Errorf("freq branch: %w", err)
		}
		return err
	})

	if timeDConv != nil {
		g.Go(func() (err error) {
			ty, err = timeDConv.ForwardBuffered(time, midCrop, &bufs.Time)
			if err != nil {
				err = fmt.Errorf("time branch: %w", err)
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	done("freq", fy, "time", ty)
	return fy, ty, nil
}
