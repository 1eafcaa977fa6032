package numbat

import "github.com/diffsec/numbat/internal/verr"

// The closed error taxonomy. Every failure returned by this package
// wraps exactly one of these sentinels; discriminate with errors.Is.
var (
	// ErrBuffer reports a missing, misaligned, or oddly sized input buffer.
	ErrBuffer = verr.ErrBuffer
	// ErrDimension reports an element count that does not match the index.
	ErrDimension = verr.ErrDimension
	// ErrDuplicate reports an Add of a key that is already live.
	ErrDuplicate = verr.ErrDuplicate
	// ErrKeyMissing reports a Remove or GetItemVector of an unknown key.
	ErrKeyMissing = verr.ErrKeyMissing
	// ErrConfig reports an invalid construction argument.
	ErrConfig = verr.ErrConfig
	// ErrBusy reports a conflicting background operation in progress.
	ErrBusy = verr.ErrBusy
	// ErrClosed reports an operation on a closed index.
	ErrClosed = verr.ErrClosed
	// ErrPath reports an empty or traversal-carrying path argument.
	ErrPath = verr.ErrPath
	// ErrFormat reports an on-disk magic, version, or size check failure.
	ErrFormat = verr.ErrFormat
	// ErrCorrupted reports a CRC mismatch in a saved index.
	ErrCorrupted = verr.ErrCorrupted
	// ErrIO reports an underlying file-system failure.
	ErrIO = verr.ErrIO
	// ErrAllocation reports a denied memory request.
	ErrAllocation = verr.ErrAllocation
	// ErrInternal reports an invariant violation. Treat as a defect.
	ErrInternal = verr.ErrInternal
)
