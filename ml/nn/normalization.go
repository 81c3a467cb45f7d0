package nn

import (
	"github.com/chewxy/math32"

	"github.com/gitbearflying/demucs/ml"
)

// Norm holds the affine parameters shared by layer norm and group norm.
type Norm struct {
	Weight *ml.Tensor
	Bias   *ml.Tensor
}

// Forward applies layer norm over the last axis of t.
func (m *Norm) Forward(t *ml.Tensor, eps float32) *ml.Tensor {
	return LayerNorm(t, m.Weight, m.Bias, eps)
}

// Validate checks that weight and bias are vectors of length n.
func (m *Norm) Validate(op string, n int) error {
	if err := ml.CheckParam(op, "weight", m.Weight, n); err != nil {
		return err
	}

	return ml.CheckParam(op, "bias", m.Bias, n)
}

// Mean is the float32 arithmetic mean of xs, accumulated in order.
func Mean(xs []float32) float32 {
	var sum float32
	for _, x := range xs {
		sum += x
	}

	return sum / float32(len(xs))
}

// Variance is the sample variance of xs around mean (denominator len-1).
// A single element divides by zero and yields NaN, so LayerNorm over an
// axis of length 1 returns NaN.
func Variance(xs []float32, mean float32) float32 {
	var sum float32
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}

	return sum / float32(len(xs)-1)
}

// LayerNorm normalizes every vector along the last axis of x with its mean
// and sample variance, then applies weight and bias along that axis.
func LayerNorm(x, weight, bias *ml.Tensor, eps float32) *ml.Tensor {
	n := x.Dim(-1)
	if err := (&Norm{weight, bias}).Validate("layer norm", n); err != nil {
		panic(err)
	}

	out := ml.Zeros(x.Shape()...)
	src, dst := x.Floats(), out.Floats()
	w, b := weight.Floats(), bias.Floats()

	ml.Parallel(len(src)/max(n, 1), func(row int) {
		xs := src[row*n : (row+1)*n]
		ys := dst[row*n : (row+1)*n]

		mean := Mean(xs)
		std := math32.Sqrt(Variance(xs, mean) + eps)
		for i, v := range xs {
			ys[i] = (v-mean)/std*w[i] + b[i]
		}
	})

	return out
}

// GeneralizedGroupNorm normalizes x (freq, channel, time) over numGroups
// contiguous channel groups. Statistics for a group span every element of
// its channels across all three axes; act is applied after the per-channel
// affine transform.
func GeneralizedGroupNorm(x, weight, bias *ml.Tensor, numGroups int, eps float32, act Activation) *ml.Tensor {
	return GeneralizedGroupNormInto(nil, x, weight, bias, numGroups, eps, act)
}

// GeneralizedGroupNormInto is GeneralizedGroupNorm writing into dst, which
// may be x itself. A nil dst allocates.
func GeneralizedGroupNormInto(dst, x, weight, bias *ml.Tensor, numGroups int, eps float32, act Activation) *ml.Tensor {
	checkGroupNorm("group norm", x, weight, bias, numGroups)
	out := into("group norm", dst, x.Dim(0), x.Dim(1), x.Dim(2))
	groupNorm(out.Floats(), x.Floats(), 1, x.Dim(0), x.Dim(1), x.Dim(2), weight.Floats(), bias.Floats(), numGroups, eps, act)
	return out
}

// BatchGroupNormInto applies GeneralizedGroupNorm to every item of x
// (batch, channel, time) on its own, as if each were a (1, channel, time)
// tensor. dst may be x itself; a nil dst allocates.
func BatchGroupNormInto(dst, x, weight, bias *ml.Tensor, numGroups int, eps float32, act Activation) *ml.Tensor {
	checkGroupNorm("batch group norm", x, weight, bias, numGroups)
	out := into("batch group norm", dst, x.Dim(0), x.Dim(1), x.Dim(2))
	groupNorm(out.Floats(), x.Floats(), x.Dim(0), 1, x.Dim(1), x.Dim(2), weight.Floats(), bias.Floats(), numGroups, eps, act)
	return out
}

func checkGroupNorm(op string, x, weight, bias *ml.Tensor, numGroups int) {
	if x.Rank() != 3 {
		panic(&ml.ShapeError{Op: op, Shape: x.Shape(), Msg: "want rank 3"})
	}

	channels := x.Dim(1)
	if numGroups <= 0 || channels%numGroups != 0 {
		panic(ml.ShapeErrorf(op, "%d channels cannot be split into %d groups", channels, numGroups))
	}

	if err := (&Norm{weight, bias}).Validate(op, channels); err != nil {
		panic(err)
	}
}

// groupNorm normalizes items independent blocks of (freq, channels, width)
// values. Each group's statistics are gathered in memory order before any
// element of the group is written, so dst may alias src.
func groupNorm(dst, src []float32, items, freq, channels, width int, w, b []float32, numGroups int, eps float32, act Activation) {
	groupSize := channels / numGroups
	itemSize := freq * channels * width
	count := float32(freq * groupSize * width)

	ml.Parallel(items*numGroups, func(i int) {
		item, g := i/numGroups, i%numGroups
		src, dst := src[item*itemSize:(item+1)*itemSize], dst[item*itemSize:(item+1)*itemSize]
		start, end := g*groupSize, (g+1)*groupSize

		var sum float32
		for f := range freq {
			for _, v := range src[(f*channels+start)*width : (f*channels+end)*width] {
				sum += v
			}
		}
		mean := sum / count

		var sq float32
		for f := range freq {
			for _, v := range src[(f*channels+start)*width : (f*channels+end)*width] {
				d := v - mean
				sq += d * d
			}
		}
		std := math32.Sqrt(sq/(count-1) + eps)

		for f := range freq {
			for c := start; c < end; c++ {
				off := (f*channels + c) * width
				for t := range width {
					v := (src[off+t] - mean) / std
					dst[off+t] = act(v*w[c] + b[c])
				}
			}
		}
	})
}

// GroupNorm is GeneralizedGroupNorm without an activation.
func GroupNorm(x, weight, bias *ml.Tensor, numGroups int, eps float32) *ml.Tensor {
	return GeneralizedGroupNorm(x, weight, bias, numGroups, eps, Identity)
}

// GroupNormGELU fuses GroupNorm with an exact GELU.
func GroupNormGELU(x, weight, bias *ml.Tensor, numGroups int, eps float32) *ml.Tensor {
	return GeneralizedGroupNorm(x, weight, bias, numGroups, eps, GELUScalar)
}

// GroupNormTransposed applies GroupNorm to x with channels on axis 0
// (channel, freq, time). The result keeps x's layout.
func GroupNormTransposed(x, weight, bias *ml.Tensor, numGroups int, eps float32) *ml.Tensor {
	return GeneralizedGroupNorm(x.Permute(1, 0, 2), weight, bias, numGroups, eps, Identity).Permute(1, 0, 2)
}

// GroupNormGELUTransposed is GroupNormGELU for the (channel, freq, time) layout.
func GroupNormGELUTransposed(x, weight, bias *ml.Tensor, numGroups int, eps float32) *ml.Tensor {
	return GeneralizedGroupNorm(x.Permute(1, 0, 2), weight, bias, numGroups, eps, GELUScalar).Permute(1, 0, 2)
}
