package numbat

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diffsec/numbat/internal/metric"
)

func newIndex(t *testing.T, dims int, opts ...Option) *Index {
	t.Helper()
	ix, err := New(dims, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func TestNewValidation(t *testing.T) {
	_, err := New(0)
	assert.True(t, errors.Is(err, ErrConfig))

	_, err = New(4, WithMetric("euclidean"))
	assert.True(t, errors.Is(err, ErrConfig))

	_, err = New(4, WithQuantization("f16"))
	assert.True(t, errors.Is(err, ErrConfig))

	_, err = New(4, WithM(1))
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestProperties(t *testing.T) {
	ix := newIndex(t, 8)
	assert.Equal(t, 8, ix.Dimensions())
	assert.Equal(t, 0, ix.Count())
	assert.Contains(t, []string{"avx2", "neon", "sve", "serial"}, ix.ISA())
	assert.False(t, ix.IsIndexing())
	assert.Greater(t, ix.MemoryUsage(), int64(0))
}

// S1: minimal life cycle, cosine over f32.
func TestScenarioCosine(t *testing.T) {
	ix := newIndex(t, 4)

	for key, vec := range map[int64][]float32{
		1: {1, 0, 0, 0},
		2: {0, 1, 0, 0},
		3: {1, 1, 0, 0},
	} {
		_, err := ix.Add(key, vec)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, ix.Count())

	res, err := ix.Search([]float32{1, 0, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, int64(1), res[0].Key)
	assert.InDelta(t, 0.0, float64(res[0].Distance), 1e-6)
	assert.Equal(t, int64(3), res[1].Key)
	assert.InDelta(t, 0.2929, float64(res[1].Distance), 1e-4)
}

// S2: squared L2 with the tie broken by smaller key.
func TestScenarioSquaredL2(t *testing.T) {
	ix := newIndex(t, 3, WithMetric(MetricL2Sq))

	_, err := ix.Add(1, []float32{1, 0, 0})
	require.NoError(t, err)
	_, err = ix.Add(2, []float32{0, 1, 0})
	require.NoError(t, err)
	_, err = ix.Add(3, []float32{0, 0, 1})
	require.NoError(t, err)

	res, err := ix.Search([]float32{1, 0, 0}, 3, nil)
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, int64(1), res[0].Key)
	assert.InDelta(t, 0.0, float64(res[0].Distance), 1e-6)
	assert.Equal(t, int64(2), res[1].Key)
	assert.InDelta(t, 2.0, float64(res[1].Distance), 1e-6)
	assert.Equal(t, int64(3), res[2].Key)
	assert.InDelta(t, 2.0, float64(res[2].Distance), 1e-6)
}

// S3: jaccard over thresholded f32.
func TestScenarioJaccard(t *testing.T) {
	ix := newIndex(t, 4, WithMetric(MetricJaccard))

	_, err := ix.Add(1, []float32{1, 1, 0, 0})
	require.NoError(t, err)
	_, err = ix.Add(2, []float32{1, 0, 1, 0})
	require.NoError(t, err)

	res, err := ix.Search([]float32{1, 1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, int64(1), res[0].Key)
	assert.InDelta(t, 0.0, float64(res[0].Distance), 1e-6)
	assert.Equal(t, int64(2), res[1].Key)
	assert.InDelta(t, 0.6667, float64(res[1].Distance), 1e-4)
}

// S4: update re-ranks a moved vector.
func TestScenarioUpdate(t *testing.T) {
	ix := newIndex(t, 4)
	_, err := ix.Add(1, []float32{1, 0, 0, 0})
	require.NoError(t, err)
	_, err = ix.Add(2, []float32{0, 1, 0, 0})
	require.NoError(t, err)
	_, err = ix.Add(3, []float32{1, 1, 0, 0})
	require.NoError(t, err)

	require.NoError(t, ix.Update(3, []float32{0, 0, 1, 0}))
	assert.Equal(t, 3, ix.Count())

	res, err := ix.Search([]float32{1, 0, 0, 0}, 3, nil)
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, int64(1), res[0].Key)
	// Key 3 moved orthogonal; 2 and 3 now tie at 1.0, smaller key first.
	assert.Equal(t, int64(2), res[1].Key)
	assert.Equal(t, int64(3), res[2].Key)

	got, err := ix.GetItemVector(3)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 1, 0}, got)
}

func TestUpdateUnknownKeyIsAdd(t *testing.T) {
	ix := newIndex(t, 2)
	require.NoError(t, ix.Update(5, []float32{1, 0}))
	assert.Equal(t, 1, ix.Count())

	got, err := ix.GetItemVector(5)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, got)
}

func TestDuplicateAdd(t *testing.T) {
	ix := newIndex(t, 2)
	_, err := ix.Add(1, []float32{1, 0})
	require.NoError(t, err)
	_, err = ix.Add(1, []float32{0, 1})
	assert.True(t, errors.Is(err, ErrDuplicate))
	assert.Equal(t, 1, ix.Count())
}

func TestRemove(t *testing.T) {
	ix := newIndex(t, 2)
	_, err := ix.Add(1, []float32{1, 0})
	require.NoError(t, err)
	_, err = ix.Add(2, []float32{0, 1})
	require.NoError(t, err)

	require.NoError(t, ix.Remove(1))
	assert.Equal(t, 1, ix.Count())
	assert.True(t, errors.Is(ix.Remove(1), ErrKeyMissing))

	_, err = ix.GetItemVector(1)
	assert.True(t, errors.Is(err, ErrKeyMissing))

	res, err := ix.Search([]float32{1, 0}, 5, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, int64(2), res[0].Key)
}

func TestRemoveEntryPoint(t *testing.T) {
	ix := newIndex(t, 3)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		_, err := ix.Add(int64(i), []float32{rng.Float32(), rng.Float32(), rng.Float32()})
		require.NoError(t, err)
	}

	// Remove a prefix of keys; whichever held the entry point forces a
	// re-election, and searches must stay coherent throughout.
	for i := 0; i < 20; i++ {
		require.NoError(t, ix.Remove(int64(i)))
		res, err := ix.Search([]float32{0.5, 0.5, 0.5}, 5, nil)
		require.NoError(t, err)
		for _, r := range res {
			assert.GreaterOrEqual(t, r.Key, int64(i+1))
			_, err := ix.GetItemVector(r.Key)
			assert.NoError(t, err)
		}
	}
	assert.Equal(t, 30, ix.Count())
}

func TestSearchEdgeCases(t *testing.T) {
	ix := newIndex(t, 2)

	res, err := ix.Search([]float32{1, 0}, 3, nil)
	require.NoError(t, err)
	assert.Empty(t, res)

	_, err = ix.Add(1, []float32{1, 0})
	require.NoError(t, err)

	// k greater than count returns exactly count hits.
	res, err = ix.Search([]float32{1, 0}, 10, nil)
	require.NoError(t, err)
	assert.Len(t, res, 1)

	// k <= 0 is an empty result, not an error.
	res, err = ix.Search([]float32{1, 0}, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, res)

	// Wrong dimensionality.
	_, err = ix.Search([]float32{1, 0, 0}, 1, nil)
	assert.True(t, errors.Is(err, ErrDimension))

	// Empty query buffer.
	_, err = ix.Search(nil, 1, nil)
	assert.True(t, errors.Is(err, ErrBuffer))
}

func TestSearchDistancesMatchKernel(t *testing.T) {
	ix := newIndex(t, 6, WithMetric(MetricL2Sq))
	rng := rand.New(rand.NewSource(2))

	vecs := make(map[int64][]float32)
	for i := 0; i < 120; i++ {
		vec := make([]float32, 6)
		for j := range vec {
			vec[j] = rng.Float32()
		}
		vecs[int64(i)] = vec
		_, err := ix.Add(int64(i), vec)
		require.NoError(t, err)
	}

	q := []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}
	res, err := ix.Search(q, 10, nil)
	require.NoError(t, err)
	require.Len(t, res, 10)

	for i, r := range res {
		stored, err := ix.GetItemVector(r.Key)
		require.NoError(t, err)
		assert.InDelta(t, float64(metric.SquaredL2Distance(stored, q)), float64(r.Distance), 1e-5)
		if i > 0 {
			assert.LessOrEqual(t, res[i-1].Distance, r.Distance)
		}
	}
}

func TestSelfQuery(t *testing.T) {
	ix := newIndex(t, 4, WithMetric(MetricL2Sq), WithEfSearch(256))
	rng := rand.New(rand.NewSource(3))

	vecs := make([][]float32, 100)
	for i := range vecs {
		vecs[i] = []float32{rng.Float32(), rng.Float32(), rng.Float32(), rng.Float32()}
		_, err := ix.Add(int64(i), vecs[i])
		require.NoError(t, err)
	}

	for i, vec := range vecs {
		res, err := ix.Search(vec, 1, nil)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, int64(i), res[0].Key)
		assert.InDelta(t, 0, float64(res[0].Distance), 1e-6)
	}
}

func TestFilteredSearch(t *testing.T) {
	ix := newIndex(t, 2)
	rng := rand.New(rand.NewSource(4))
	for i := 0; i < 60; i++ {
		_, err := ix.Add(int64(i), []float32{rng.Float32(), rng.Float32()})
		require.NoError(t, err)
	}

	res, err := ix.Search([]float32{0.5, 0.5}, 10, &SearchOptions{AllowedKeys: []int64{7, 21, 33}})
	require.NoError(t, err)
	require.Len(t, res, 3)
	for _, r := range res {
		assert.Contains(t, []int64{7, 21, 33}, r.Key)
	}
}

func TestGetItemVectorIsACopy(t *testing.T) {
	ix := newIndex(t, 2)
	_, err := ix.Add(1, []float32{1, 2})
	require.NoError(t, err)

	got, err := ix.GetItemVector(1)
	require.NoError(t, err)
	got[0] = 99

	again, err := ix.GetItemVector(1)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, again)
}

func TestQuantizedIndex(t *testing.T) {
	ix := newIndex(t, 4, WithQuantization(QuantI8), WithMetric(MetricL2Sq), WithQuantizationScale(1))

	vecs := map[int64][]float32{
		1: {1, 0, 0, 0},
		2: {0, 1, 0, 0},
		3: {0.5, 0.5, 0, 0},
	}
	for key, vec := range vecs {
		_, err := ix.Add(key, vec)
		require.NoError(t, err)
	}

	got, err := ix.GetItemVector(3)
	require.NoError(t, err)
	for i := range got {
		assert.InDelta(t, float64(vecs[3][i]), float64(got[i]), 5e-3)
	}

	res, err := ix.Search([]float32{1, 0, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, int64(1), res[0].Key)
	assert.InDelta(t, 0, float64(res[0].Distance), 5e-3)
}

func TestMemoryUsageGrows(t *testing.T) {
	ix := newIndex(t, 16)
	before := ix.MemoryUsage()
	for i := 0; i < 32; i++ {
		vec := make([]float32, 16)
		vec[i%16] = 1
		_, err := ix.Add(int64(i), vec)
		require.NoError(t, err)
	}
	assert.Greater(t, ix.MemoryUsage(), before)
}

func TestStats(t *testing.T) {
	ix := newIndex(t, 2)
	_, err := ix.Add(1, []float32{1, 0})
	require.NoError(t, err)
	_, err = ix.Add(2, []float32{0, 1})
	require.NoError(t, err)
	require.NoError(t, ix.Remove(1))

	st, err := ix.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Live)
	assert.Equal(t, 1, st.Tombstones)
	assert.GreaterOrEqual(t, st.Capacity, 2)
}

func TestClosedIndex(t *testing.T) {
	ix, err := New(2)
	require.NoError(t, err)
	_, err = ix.Add(1, []float32{1, 0})
	require.NoError(t, err)

	require.NoError(t, ix.Close())
	require.NoError(t, ix.Close()) // idempotent

	_, err = ix.Add(2, []float32{0, 1})
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = ix.Search([]float32{1, 0}, 1, nil)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(ix.Remove(1), ErrClosed))
	assert.True(t, errors.Is(ix.Update(1, []float32{1, 1}), ErrClosed))
	_, err = ix.GetItemVector(1)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(ix.AddBatch([]int64{9}, []float32{1, 0}), ErrClosed))
	assert.True(t, errors.Is(ix.Save("/tmp/x"), ErrClosed))
}

func TestDeterministicConstruction(t *testing.T) {
	build := func() *Index {
		ix := newIndex(t, 3, WithSeed(99))
		rng := rand.New(rand.NewSource(12))
		for i := 0; i < 80; i++ {
			_, err := ix.Add(int64(i), []float32{rng.Float32(), rng.Float32(), rng.Float32()})
			require.NoError(t, err)
		}
		return ix
	}
	a, b := build(), build()

	q := []float32{0.2, 0.4, 0.6}
	ra, err := a.Search(q, 10, nil)
	require.NoError(t, err)
	rb, err := b.Search(q, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, ra, rb)
}
