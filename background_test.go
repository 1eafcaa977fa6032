package numbat

import (
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitIdle polls until the background worker is done, the way a host
// application would.
func waitIdle(t *testing.T, ix *Index) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for ix.IsIndexing() {
		if time.Now().After(deadline) {
			t.Fatal("background operation never finished")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func batchInput(n, dims int, seed int64) ([]int64, []float32) {
	rng := rand.New(rand.NewSource(seed))
	keys := make([]int64, n)
	vecs := make([]float32, n*dims)
	for i := range keys {
		keys[i] = int64(i)
	}
	for i := range vecs {
		vecs[i] = rng.Float32()
	}
	return keys, vecs
}

func TestAddBatch(t *testing.T) {
	ix := newIndex(t, 4, WithMetric(MetricL2Sq))

	const n = 1000
	keys, vecs := batchInput(n, 4, 1)
	require.NoError(t, ix.AddBatch(keys, vecs))

	// Progress totals are visible immediately.
	assert.Equal(t, int64(n), ix.IndexingProgress().Total)

	// Interleaved searches stay legal and observe a growing prefix:
	// the result count is min(k, inserted-so-far), so it never shrinks.
	var prev int
	for ix.IsIndexing() {
		res, err := ix.Search([]float32{0.5, 0.5, 0.5, 0.5}, 5, nil)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(res), prev)
		prev = len(res)
	}

	waitIdle(t, ix)
	res, err := ix.LastResult()
	require.NoError(t, err)
	assert.Equal(t, n, res.Count)
	assert.Greater(t, res.Duration, time.Duration(0))
	assert.Equal(t, n, ix.Count())

	p := ix.IndexingProgress()
	assert.Equal(t, int64(n), p.Current)
	assert.InDelta(t, 100.0, p.Percentage, 1e-9)
}

func TestAddBatchValidation(t *testing.T) {
	ix := newIndex(t, 4)

	assert.True(t, errors.Is(ix.AddBatch(nil, nil), ErrBuffer))
	// keys×dims must equal the scalar count.
	assert.True(t, errors.Is(ix.AddBatch([]int64{1, 2}, make([]float32, 7)), ErrBuffer))
}

func TestAddBatchBusy(t *testing.T) {
	ix := newIndex(t, 8, WithMetric(MetricL2Sq))

	keys, vecs := batchInput(20000, 8, 2)
	require.NoError(t, ix.AddBatch(keys, vecs))

	// A second background op, a point remove/update, and save/load all
	// hit the busy gate while the batch runs.
	assert.True(t, errors.Is(ix.AddBatch([]int64{99999}, make([]float32, 8)), ErrBusy))
	assert.True(t, errors.Is(ix.Remove(0), ErrBusy))
	assert.True(t, errors.Is(ix.Update(0, make([]float32, 8)), ErrBusy))
	assert.True(t, errors.Is(ix.Save(filepath.Join(t.TempDir(), "x")), ErrBusy))
	assert.True(t, errors.Is(ix.Load(filepath.Join(t.TempDir(), "x")), ErrBusy))

	waitIdle(t, ix)
	res, err := ix.LastResult()
	require.NoError(t, err)
	assert.Equal(t, 20000, res.Count)
}

func TestAddBatchInputIsCopied(t *testing.T) {
	ix := newIndex(t, 2, WithMetric(MetricL2Sq))

	keys := []int64{0, 1}
	vecs := []float32{1, 0, 0, 1}
	require.NoError(t, ix.AddBatch(keys, vecs))

	// Caller scribbles over its buffers immediately; the batch must
	// have copied them already.
	vecs[0], vecs[3] = 42, 42
	keys[0] = 77

	waitIdle(t, ix)
	got, err := ix.GetItemVector(0)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, got)
}

func TestAddBatchDuplicateStops(t *testing.T) {
	ix := newIndex(t, 2, WithMetric(MetricL2Sq))
	_, err := ix.Add(1, []float32{1, 0})
	require.NoError(t, err)

	// Keys 0, 1, 2; the middle one collides.
	require.NoError(t, ix.AddBatch([]int64{0, 1, 2}, []float32{0, 0, 0.1, 0.1, 0.2, 0.2}))
	waitIdle(t, ix)

	res, err := ix.LastResult()
	assert.True(t, errors.Is(err, ErrDuplicate))
	assert.Equal(t, 1, res.Count)
	// The error is raised once, then cleared.
	_, err = ix.LastResult()
	assert.NoError(t, err)
}

func TestCloseCancelsBatch(t *testing.T) {
	ix, err := New(8, WithMetric(MetricL2Sq))
	require.NoError(t, err)

	keys, vecs := batchInput(50000, 8, 3)
	require.NoError(t, ix.AddBatch(keys, vecs))
	require.NoError(t, ix.Close())

	res, lastErr := ix.LastResult()
	assert.True(t, errors.Is(lastErr, ErrClosed))
	assert.Less(t, res.Count, 50000)
	assert.False(t, ix.IsIndexing())
}

func TestLoadVectorsFromFile(t *testing.T) {
	const dims = 4
	ix := newIndex(t, dims, WithMetric(MetricL2Sq))

	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.raw")
	vecs := [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}
	raw := make([]byte, 0, len(vecs)*dims*4)
	var scratch [4]byte
	for _, v := range vecs {
		for _, x := range v {
			binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(x))
			raw = append(raw, scratch[:]...)
		}
	}
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	require.NoError(t, ix.LoadVectorsFromFile(path))
	waitIdle(t, ix)

	res, err := ix.LastResult()
	require.NoError(t, err)
	assert.Equal(t, len(vecs), res.Count)
	assert.Equal(t, len(vecs), ix.Count())

	// Keys are assigned 0..N-1 and self-queries land exactly.
	for i, v := range vecs {
		hits, err := ix.Search(v, 1, nil)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, int64(i), hits[0].Key)
		assert.InDelta(t, 0, float64(hits[0].Distance), 1e-6)
	}
}

func TestLoadVectorsFromFileBadSize(t *testing.T) {
	ix := newIndex(t, 4)
	path := filepath.Join(t.TempDir(), "vectors.raw")
	require.NoError(t, os.WriteFile(path, make([]byte, 10), 0o644))

	err := ix.LoadVectorsFromFile(path)
	assert.True(t, errors.Is(err, ErrFormat))
	// The failed gate must not leave the index busy.
	assert.False(t, ix.IsIndexing())
}

func TestLoadVectorsFromFileMissing(t *testing.T) {
	ix := newIndex(t, 4)
	err := ix.LoadVectorsFromFile(filepath.Join(t.TempDir(), "absent.raw"))
	assert.True(t, errors.Is(err, ErrIO))
	assert.False(t, ix.IsIndexing())
}

func TestLoadVectorsFromFileBadPath(t *testing.T) {
	ix := newIndex(t, 4)
	err := ix.LoadVectorsFromFile("data/../../etc/passwd")
	assert.True(t, errors.Is(err, ErrPath))
}
