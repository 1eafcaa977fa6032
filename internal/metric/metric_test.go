package metric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	for _, name := range []string{"cos", "l2sq", "ip", "hamming", "jaccard"} {
		k, err := Parse(name)
		require.NoError(t, err)
		assert.Equal(t, name, string(k))
	}

	_, err := Parse("euclidean")
	assert.Error(t, err)
}

func TestCodeRoundTrip(t *testing.T) {
	for _, k := range Kinds {
		code, err := k.Code()
		require.NoError(t, err)
		back, err := FromCode(code)
		require.NoError(t, err)
		assert.Equal(t, k, back)
	}

	_, err := FromCode(99)
	assert.Error(t, err)
}

func TestCosineDistance(t *testing.T) {
	assert.InDelta(t, 0.0, CosineDistance([]float32{1, 0, 0, 0}, []float32{1, 0, 0, 0}), 1e-6)
	assert.InDelta(t, 1.0, CosineDistance([]float32{1, 0, 0, 0}, []float32{0, 1, 0, 0}), 1e-6)
	assert.InDelta(t, 2.0, CosineDistance([]float32{1, 0}, []float32{-1, 0}), 1e-6)

	// 1 - 1/sqrt(2)
	assert.InDelta(t, 0.29289, CosineDistance([]float32{1, 0, 0, 0}, []float32{1, 1, 0, 0}), 1e-4)

	// Zero-norm input scores the neutral 1.0, not NaN.
	assert.Equal(t, float32(1.0), CosineDistance([]float32{0, 0, 0}, []float32{1, 2, 3}))
}

func TestSquaredL2Distance(t *testing.T) {
	assert.InDelta(t, 0.0, SquaredL2Distance([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-6)
	assert.InDelta(t, 2.0, SquaredL2Distance([]float32{1, 0, 0}, []float32{0, 1, 0}), 1e-6)
	assert.InDelta(t, 25.0, SquaredL2Distance([]float32{0, 0}, []float32{3, 4}), 1e-5)

	// Never negative, even under cancellation.
	a := []float32{1e3, 1e3, 1e3}
	assert.GreaterOrEqual(t, SquaredL2Distance(a, a), float32(0))
}

func TestInnerProductDistance(t *testing.T) {
	assert.InDelta(t, -2.0, InnerProductDistance([]float32{1, 1}, []float32{1, 1}), 1e-6)
	assert.InDelta(t, 1.0, InnerProductDistance([]float32{1, 0}, []float32{-1, 0}), 1e-6)

	// More aligned means smaller.
	q := []float32{1, 0}
	assert.Less(t, InnerProductDistance(q, []float32{2, 0}), InnerProductDistance(q, []float32{1, 0}))
}

func TestHammingDistance(t *testing.T) {
	assert.Equal(t, float32(0), HammingDistance([]float32{1, 0, 1}, []float32{1, 0, 1}))
	assert.Equal(t, float32(3), HammingDistance([]float32{1, 0, 1}, []float32{0, 1, 0}))
	// Thresholding at 0.5, not sign.
	assert.Equal(t, float32(1), HammingDistance([]float32{0.6, 0.4}, []float32{0.4, 0.4}))
}

func TestJaccardDistance(t *testing.T) {
	// |A∩B|=1, |A∪B|=3 over {0,1} vs {0,2}.
	assert.InDelta(t, 1.0-1.0/3.0, JaccardDistance([]float32{1, 1, 0, 0}, []float32{1, 0, 1, 0}), 1e-6)
	assert.Equal(t, float32(0), JaccardDistance([]float32{1, 1}, []float32{1, 1}))
	// Both sets empty.
	assert.Equal(t, float32(0), JaccardDistance([]float32{0, 0}, []float32{0, 0}))
	// Disjoint sets.
	assert.Equal(t, float32(1), JaccardDistance([]float32{1, 0}, []float32{0, 1}))
}

func TestKernelDispatch(t *testing.T) {
	for _, k := range Kinds {
		fn, err := k.Kernel()
		require.NoError(t, err)
		require.NotNil(t, fn)
	}
}

func TestISA(t *testing.T) {
	isa := ISA()
	assert.Contains(t, []string{"avx2", "neon", "sve", "serial"}, isa)
}
