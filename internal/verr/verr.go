// Package verr defines the closed error taxonomy shared by the numbat
// packages. The root package re-exports these sentinels; internal
// packages wrap them with fmt.Errorf("%w: ...") so that callers can
// discriminate with errors.Is regardless of which layer failed.
package verr

import "errors"

var (
	// ErrBuffer reports a missing, misaligned, or oddly sized input buffer.
	ErrBuffer = errors.New("buffer")
	// ErrDimension reports an element count that does not match the index.
	ErrDimension = errors.New("dimension")
	// ErrDuplicate reports an Add of a key that is already live.
	ErrDuplicate = errors.New("duplicate key")
	// ErrKeyMissing reports a Remove of an unknown key.
	ErrKeyMissing = errors.New("key missing")
	// ErrConfig reports an invalid construction argument.
	ErrConfig = errors.New("config")
	// ErrBusy reports a conflicting background operation in progress.
	ErrBusy = errors.New("busy")
	// ErrClosed reports an operation on a destroyed index.
	ErrClosed = errors.New("index closed")
	// ErrPath reports a rejected path argument.
	ErrPath = errors.New("path")
	// ErrFormat reports an on-disk magic, version, or size check failure.
	ErrFormat = errors.New("format")
	// ErrCorrupted reports a CRC mismatch.
	ErrCorrupted = errors.New("corrupted")
	// ErrIO reports an underlying file-system failure.
	ErrIO = errors.New("io")
	// ErrAllocation reports a denied memory request.
	ErrAllocation = errors.New("allocation")
	// ErrInternal reports an invariant violation. Treat as a defect.
	ErrInternal = errors.New("internal")
)
