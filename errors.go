package splatlod

import "errors"

// Sentinel errors returned by engine operations. Callers should use
// errors.Is, since these are frequently wrapped with additional context.
var (
	// ErrInvalidArgument covers mis-sized buffers, malformed container data,
	// invalid parameters, and malformed configuration. Unknown tree handles
	// are reported with ErrUnknownTree instead.
	ErrInvalidArgument = errors.New("splatlod: invalid argument")
	// ErrUnknownTree is returned when an operation references a tree-id that
	// does not exist or has already been disposed.
	ErrUnknownTree = errors.New("splatlod: unknown tree")
	// ErrOutOfRange is returned when a ranged update addresses nodes past a
	// tree's capacity.
	ErrOutOfRange = errors.New("splatlod: range out of bounds")
	// ErrDegenerateProjection is returned when an instance's view-to-object
	// matrix is non-finite or otherwise unusable for projection.
	ErrDegenerateProjection = errors.New("splatlod: degenerate projection")
	// ErrInvalidBuffer is returned by the Sort Worker when the depth buffer
	// holds fewer entries than the requested active count.
	ErrInvalidBuffer = errors.New("splatlod: invalid sort buffer")
	// ErrChunkDecodeFailed is returned (and logged) when a fetched chunk
	// fails integrity or decode checks. The chunk is dropped; the traverser
	// will re-request it on a later frame.
	ErrChunkDecodeFailed = errors.New("splatlod: chunk decode failed")
	// ErrOverCapacity is logged once per page cache, the first time the
	// number of registered paged objects exceeds the number of pages, and is
	// returned by PageCache.Promote when every page is still needed.
	ErrOverCapacity = errors.New("splatlod: over capacity")
	// ErrDisposed is returned by SortWorker.Sort once the worker has been
	// closed.
	ErrDisposed = errors.New("splatlod: disposed")
)
