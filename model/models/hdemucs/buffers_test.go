package hdemucs

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitbearflying/demucs/envconfig"
	"github.com/gitbearflying/demucs/ml"
)

func TestForwardBuffered(t *testing.T) {
	m := newDConv(4, 8, true)
	buf := &BranchBuffers{}

	for i, x := range []*ml.Tensor{pattern(1, 2, 4, 10), pattern(-0.5, 2, 4, 10), pattern(2, 1, 4, 6)} {
		want, err := m.Forward(x, 4)
		require.NoError(t, err)

		got, err := m.ForwardBuffered(x, 4, buf)
		require.NoError(t, err)

		if diff := cmp.Diff(want.Floats(), got.Floats()); diff != "" {
			t.Errorf("segment %d mismatch (-want +got):\n%s", i, diff)
		}

		assert.Same(t, buf.Output, got)
		assert.Len(t, buf.Hidden, 2)
	}
}

func TestForwardBufferedReuse(t *testing.T) {
	m := newDConv(4, 8, false)
	buf := &BranchBuffers{}

	first, err := m.ForwardBuffered(pattern(1, 1, 4, 8), 0, buf)
	require.NoError(t, err)
	hidden := buf.Hidden[0]

	second, err := m.ForwardBuffered(pattern(-1, 1, 4, 8), 0, buf)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Same(t, hidden, buf.Hidden[0])
	assert.NotSame(t, buf.Residual, second)

	want, err := m.Forward(pattern(-1, 1, 4, 8), 0)
	require.NoError(t, err)
	if diff := cmp.Diff(want.Floats(), second.Floats()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestForwardBufferedAllocs(t *testing.T) {
	prev := envconfig.NumThreads
	t.Cleanup(func() { envconfig.NumThreads = prev })
	envconfig.NumThreads = 1

	m := newDConv(4, 8, false)
	for range 2 {
		m.Layers = append(m.Layers, dconvLayer(4, 8, nil))
	}

	x := pattern(1, 2, 4, 16)
	buf := &BranchBuffers{}
	_, err := m.ForwardBuffered(x, 8, buf)
	require.NoError(t, err)
	hidden, gate, output := buf.Hidden[3], buf.Gate[3], buf.Output

	forward := testing.AllocsPerRun(20, func() {
		if _, err := m.Forward(x, 8); err != nil {
			t.Fatal(err)
		}
	})

	buffered := testing.AllocsPerRun(20, func() {
		if _, err := m.ForwardBuffered(x, 8, buf); err != nil {
			t.Fatal(err)
		}
	})

	assert.Less(t, buffered, forward/2, "warm buffers allocate %v times, Forward %v", buffered, forward)
	assert.Same(t, hidden, buf.Hidden[3])
	assert.Same(t, gate, buf.Gate[3])
	assert.Same(t, output, buf.Output)
}

func TestForwardBranches(t *testing.T) {
	freqDConv, timeDConv := newDConv(4, 8, true), newDConv(4, 8, false)
	freq, time := pattern(1, 3, 4, 8), pattern(0.5, 1, 4, 12)
	bufs := NewSegmentBuffers()

	fy, ty, err := ForwardBranches(freq, time, freqDConv, timeDConv, 6, bufs)
	require.NoError(t, err)

	wantF, err := freqDConv.Forward(freq, 6)
	require.NoError(t, err)
	wantT, err := timeDConv.Forward(time, 6)
	require.NoError(t, err)

	if diff := cmp.Diff(wantF.Floats(), fy.Floats()); diff != "" {
		t.Errorf("freq mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(wantT.Floats(), ty.Floats()); diff != "" {
		t.Errorf("time mismatch (-want +got):\n%s", diff)
	}

	assert.Same(t, bufs.Freq.Output, fy)
	assert.Same(t, bufs.Time.Output, ty)

	// merged encoder: frequency branch only
	fy, ty, err = ForwardBranches(freq, nil, freqDConv, nil, 6, bufs)
	require.NoError(t, err)
	assert.Nil(t, ty)
	if diff := cmp.Diff(wantF.Floats(), fy.Floats()); diff != "" {
		t.Errorf("merged mismatch (-want +got):\n%s", diff)
	}
}

func TestForwardBranchesError(t *testing.T) {
	_, _, err := ForwardBranches(pattern(1, 1, 4, 8), pattern(1, 1, 3, 8), newDConv(4, 8, false), newDConv(4, 8, false), 0, nil)
	require.ErrorIs(t, err, ml.ErrShape)
	require.ErrorContains(t, err, "time branch")
}
