package numbat

// Background bulk ingestion. AddBatch and LoadVectorsFromFile copy
// their input, flip the indexing flag, and hand one task to the
// index's single worker goroutine. The task takes the index lock per
// item, so interleaved searches observe a growing prefix of the batch
// and never a torn vector. Only one background operation may be in
// flight; a second one fails with ErrBusy.

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/diffsec/numbat/internal/codec"
)

// copyChunk is the per-goroutine span of the parallel batch copy.
const copyChunk = 1 << 16

// AddBatch inserts N vectors asynchronously. vecs is the row-major
// concatenation of N vectors of Dimensions elements each; it is
// copied in full before AddBatch returns, so the caller may reuse the
// buffers immediately. Progress is observable through IsIndexing and
// IndexingProgress; the outcome through LastResult.
func (ix *Index) AddBatch(keys []int64, vecs []float32) error {
	if err := ix.gateClosed(); err != nil {
		return err
	}
	if err := ix.gateBusy(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty batch", ErrBuffer)
	}
	if len(vecs) != len(keys)*ix.cfg.Dimensions {
		return fmt.Errorf("%w: %d keys need %d scalars, got %d",
			ErrBuffer, len(keys), len(keys)*ix.cfg.Dimensions, len(vecs))
	}
	if !ix.indexing.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: background operation in progress", ErrBusy)
	}

	ownedKeys := make([]int64, len(keys))
	copy(ownedKeys, keys)
	ownedVecs := make([]float32, len(vecs))
	copyParallel(ownedVecs, vecs)

	ix.beginBackground(int64(len(ownedKeys)))
	ix.enqueue(func() {
		ix.runInsertLoop("addBatch", ownedKeys, ownedVecs)
	})
	return nil
}

// LoadVectorsFromFile bulk-loads a headerless little-endian f32 file
// of N×Dimensions×4 bytes, assigning keys 0..N-1. For an i8 index the
// scalars are quantized as they are inserted. The size check runs
// synchronously; reading and insertion happen on the worker.
func (ix *Index) LoadVectorsFromFile(path string) error {
	if err := ix.gateClosed(); err != nil {
		return err
	}
	if err := ix.gateBusy(); err != nil {
		return err
	}
	cleaned, err := sanitizePath(path)
	if err != nil {
		return err
	}
	if !ix.indexing.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: background operation in progress", ErrBusy)
	}

	stride := int64(ix.cfg.Dimensions) * 4
	info, err := os.Stat(cleaned)
	if err != nil {
		ix.indexing.Store(false)
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if info.Size() == 0 || info.Size()%stride != 0 {
		ix.indexing.Store(false)
		return fmt.Errorf("%w: file size %d is not a multiple of %d", ErrFormat, info.Size(), stride)
	}

	total := info.Size() / stride
	ix.beginBackground(total)
	ix.enqueue(func() {
		vecs, n, err := codec.ReadRawVectors(cleaned, ix.cfg.Dimensions)
		if err != nil {
			ix.finishBackground("loadVectorsFromFile", 0, 0, err)
			return
		}
		ix.progTotal.Store(int64(n)) // file may have changed since Stat
		keys := make([]int64, n)
		for i := range keys {
			keys[i] = int64(i)
		}
		ix.runInsertLoop("loadVectorsFromFile", keys, vecs)
	})
	return nil
}

// runInsertLoop is the shared worker body: one locked insert per
// item, stopping early on the first error or when the index closes.
func (ix *Index) runInsertLoop(op string, keys []int64, vecs []float32) {
	start := time.Now()
	dims := ix.cfg.Dimensions
	myGen := ix.generation()

	var n int
	var err error
	for i := range keys {
		ix.mu.Lock()
		if ix.closed.Load() || ix.gen != myGen {
			ix.mu.Unlock()
			err = fmt.Errorf("%w: index closed during %s", ErrClosed, op)
			break
		}
		err = ix.addLocked(keys[i], vecs[i*dims:(i+1)*dims])
		if err != nil {
			ix.mu.Unlock()
			break
		}
		n++
		ix.progCur.Store(int64(n))
		ix.mu.Unlock()
	}
	ix.finishBackground(op, time.Since(start), n, err)
}

func (ix *Index) generation() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.gen
}

func (ix *Index) beginBackground(total int64) {
	ix.progCur.Store(0)
	ix.progTotal.Store(total)
}

// enqueue hands a task to the worker. The busy flag guarantees at
// most one task is ever in flight, but Close may have already shut
// the channel, so a closed index downgrades to an immediate finish.
func (ix *Index) enqueue(t task) {
	defer func() {
		if recover() != nil {
			ix.finishBackground("enqueue", 0, 0, fmt.Errorf("%w: index closed", ErrClosed))
		}
	}()
	ix.tasks <- t
}

func (ix *Index) finishBackground(op string, d time.Duration, count int, err error) {
	ix.lastMu.Lock()
	ix.last = OpResult{Duration: d, Count: count}
	ix.lastErr = err
	ix.lastMu.Unlock()
	ix.indexing.Store(false)

	if err != nil {
		ix.log.Debug("background operation failed",
			zap.String("op", op), zap.Int("count", count), zap.Error(err))
		return
	}
	ix.log.Debug("background operation finished",
		zap.String("op", op), zap.Int("count", count), zap.Duration("took", d))
}

// LastResult returns the most recent background operation's summary.
// A stored error is re-raised once and cleared. Callable on a closed
// index: it is the only way to observe a cancellation.
func (ix *Index) LastResult() (OpResult, error) {
	ix.lastMu.Lock()
	defer ix.lastMu.Unlock()
	res := ix.last
	if ix.lastErr != nil {
		err := ix.lastErr
		ix.lastErr = nil
		return res, err
	}
	return res, nil
}

// copyParallel copies src into dst in fixed-size chunks across
// goroutines. Batches are copied before the caller is released, and
// for large batches a single memcpy leaves cores idle.
func copyParallel(dst, src []float32) {
	if len(src) <= copyChunk {
		copy(dst, src)
		return
	}
	var g errgroup.Group
	for off := 0; off < len(src); off += copyChunk {
		end := off + copyChunk
		if end > len(src) {
			end = len(src)
		}
		off, end := off, end
		g.Go(func() error {
			copy(dst[off:end], src[off:end])
			return nil
		})
	}
	_ = g.Wait()
}
