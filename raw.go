package numbat

// Zero-copy ingestion from caller-owned byte buffers. A raw buffer is
// reinterpreted in place as []float32; no copy happens before the
// underlying operation itself copies into the arena, so the alignment
// and size gates here must run before the view is taken.

import (
	"fmt"
	"time"
	"unsafe"
)

// float32View reinterprets buf as a []float32 without copying. The
// buffer must be non-empty, a multiple of four bytes, and 4-byte
// aligned; violations fail with ErrBuffer before anything is touched.
func float32View(buf []byte) ([]float32, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrBuffer)
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of 4", ErrBuffer, len(buf))
	}
	if uintptr(unsafe.Pointer(&buf[0]))%4 != 0 {
		return nil, fmt.Errorf("%w: buffer is not 4-byte aligned", ErrBuffer)
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&buf[0])), len(buf)/4), nil
}

// AddRaw is Add over a borrowed byte buffer holding Dimensions
// little-endian f32 scalars. The buffer is only read for the duration
// of the call.
func (ix *Index) AddRaw(key int64, buf []byte) (time.Duration, error) {
	if err := ix.gateClosed(); err != nil {
		return 0, err
	}
	vec, err := float32View(buf)
	if err != nil {
		return 0, err
	}
	return ix.Add(key, vec)
}

// UpdateRaw is Update over a borrowed byte buffer.
func (ix *Index) UpdateRaw(key int64, buf []byte) error {
	if err := ix.gateClosed(); err != nil {
		return err
	}
	vec, err := float32View(buf)
	if err != nil {
		return err
	}
	return ix.Update(key, vec)
}

// SearchRaw is Search over a borrowed byte buffer.
func (ix *Index) SearchRaw(buf []byte, k int, opts *SearchOptions) ([]Result, error) {
	if err := ix.gateClosed(); err != nil {
		return nil, err
	}
	vec, err := float32View(buf)
	if err != nil {
		return nil, err
	}
	return ix.Search(vec, k, opts)
}

// AddBatchRaw is AddBatch over one contiguous borrowed byte buffer of
// len(keys)×Dimensions f32 scalars. The scalars are copied before
// AddBatchRaw returns.
func (ix *Index) AddBatchRaw(keys []int64, buf []byte) error {
	if err := ix.gateClosed(); err != nil {
		return err
	}
	vecs, err := float32View(buf)
	if err != nil {
		return err
	}
	return ix.AddBatch(keys, vecs)
}
