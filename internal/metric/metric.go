// Package metric provides the distance kernels used to rank vectors.
// Every kernel is a pure function over two equal-length float32 slices
// where a lower result means more similar. Dense arithmetic goes
// through vek32, which selects an AVX2 code path at runtime when the
// CPU supports it.
package metric

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/viterin/vek/vek32"

	"github.com/diffsec/numbat/internal/verr"
)

// Kind names a distance metric.
type Kind string

const (
	// Cosine is 1 - cos(a, b), in [0, 2]. Zero-norm inputs score 1.0.
	Cosine Kind = "cos"
	// SquaredL2 is the squared Euclidean distance (no square root).
	SquaredL2 Kind = "l2sq"
	// InnerProduct is the negated dot product, so smaller is closer.
	InnerProduct Kind = "ip"
	// Hamming counts positions whose bits differ after thresholding
	// each element at 0.5.
	Hamming Kind = "hamming"
	// Jaccard is 1 - |A∩B|/|A∪B| over the sets {i : x_i > 0.5}.
	Jaccard Kind = "jaccard"
)

// Kinds lists every supported metric in codec order.
var Kinds = []Kind{Cosine, SquaredL2, InnerProduct, Hamming, Jaccard}

// Parse maps a metric name to its Kind.
func Parse(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown metric %q", verr.ErrConfig, s)
}

// Code returns the on-disk identifier of the metric.
func (k Kind) Code() (uint16, error) {
	for i, known := range Kinds {
		if k == known {
			return uint16(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown metric %q", verr.ErrConfig, string(k))
}

// FromCode is the inverse of Code.
func FromCode(c uint16) (Kind, error) {
	if int(c) >= len(Kinds) {
		return "", fmt.Errorf("%w: unknown metric code %d", verr.ErrFormat, c)
	}
	return Kinds[c], nil
}

// Func computes the distance between two vectors of equal length.
type Func func(a, b []float32) float32

// Kernel returns the distance function for the metric.
func (k Kind) Kernel() (Func, error) {
	switch k {
	case Cosine:
		return CosineDistance, nil
	case SquaredL2:
		return SquaredL2Distance, nil
	case InnerProduct:
		return InnerProductDistance, nil
	case Hamming:
		return HammingDistance, nil
	case Jaccard:
		return JaccardDistance, nil
	}
	return nil, fmt.Errorf("%w: unknown metric %q", verr.ErrConfig, string(k))
}

// CosineDistance computes 1 - cosine similarity, clamped into [0, 2].
func CosineDistance(a, b []float32) float32 {
	dot := vek32.Dot(a, b)
	normA := math32.Sqrt(vek32.Dot(a, a))
	normB := math32.Sqrt(vek32.Dot(b, b))
	if normA == 0 || normB == 0 {
		return 1.0
	}
	sim := dot / (normA * normB)
	// Clamp against float drift so the result stays in [0, 2].
	if sim > 1.0 {
		sim = 1.0
	} else if sim < -1.0 {
		sim = -1.0
	}
	return 1.0 - sim
}

// SquaredL2Distance computes Σ(a_i-b_i)² via the dot-product identity
// ‖a-b‖² = a·a - 2a·b + b·b, which keeps all the arithmetic in the
// SIMD dot kernel. Cancellation can push the result a hair below zero
// for near-identical inputs; it is clamped.
func SquaredL2Distance(a, b []float32) float32 {
	d := vek32.Dot(a, a) - 2*vek32.Dot(a, b) + vek32.Dot(b, b)
	if d < 0 {
		d = 0
	}
	return d
}

// InnerProductDistance negates the dot product so that smaller means
// more similar, matching the ordering contract of every other kernel.
func InnerProductDistance(a, b []float32) float32 {
	return -vek32.Dot(a, b)
}

// HammingDistance counts positions whose thresholded bits differ.
// Elements are binarized at 0.5, so float inputs holding 0/1 data
// behave as bit vectors.
func HammingDistance(a, b []float32) float32 {
	var diff int
	for i := range a {
		if (a[i] > 0.5) != (b[i] > 0.5) {
			diff++
		}
	}
	return float32(diff)
}

// JaccardDistance computes 1 - |A∩B|/|A∪B| over the index sets with
// elements above 0.5. Two empty sets score 0.0.
func JaccardDistance(a, b []float32) float32 {
	var inter, union int
	for i := range a {
		inA := a[i] > 0.5
		inB := b[i] > 0.5
		if inA && inB {
			inter++
		}
		if inA || inB {
			union++
		}
	}
	if union == 0 {
		return 0.0
	}
	return 1.0 - float32(inter)/float32(union)
}
