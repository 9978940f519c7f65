package splatlod

import (
	"fmt"
	"sync"
	"time"
)

// sortWorkerState mirrors the Idle/Busy states named in the specification.
type sortWorkerState uint8

const (
	sortIdle sortWorkerState = iota
	sortBusy
)

// SortRequest is one depth-sort request: the active count and a per-splat
// u32 depth encoding. SortWorker sorts 32-bit encodings only; the 16-bit
// legacy variant is radixSort16, which it does not call.
type SortRequest struct {
	Active int
	Depth  []uint32
}

// SortResult is delivered on the worker's completion channel once a sort
// finishes.
type SortResult struct {
	Active   int
	Ordering []int32
	Err      error
}

// SortWorker runs depth sorts off the caller's goroutine, coalescing
// superseded requests into a single dirty flag rather than queueing them —
// grounded on the teacher's zero-allocation bottom-up mergeSort for the
// scratch-buffer discipline, adapted here to an LSD radix sort and an
// async dispatch loop.
type SortWorker struct {
	mu    sync.Mutex
	state sortWorkerState
	dirty bool
	next  SortRequest

	minInterval time.Duration
	lastSort    time.Time

	results chan SortResult
	closed  bool

	idx     []int32
	scratch []int32
	buckets [256]int32
}

// NewSortWorker creates a worker enforcing minIntervalMS between the end
// of one sort and the start of the next.
func NewSortWorker(minIntervalMS int) *SortWorker {
	return &SortWorker{
		minInterval: time.Duration(minIntervalMS) * time.Millisecond,
		results:     make(chan SortResult, 1),
	}
}

// Results returns the channel completed sorts are delivered on. The Render
// Driver drains this once per frame.
func (w *SortWorker) Results() <-chan SortResult {
	return w.results
}

// Sort submits a sort request. If the worker is idle it starts on a new
// goroutine; if busy, the request supersedes any previously pending one
// (coalescing) and is picked up as soon as the in-flight sort completes.
// Either way the sort waits out whatever remains of MinSortInterval
// since the previous sort finished before starting.
func (w *SortWorker) Sort(req SortRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrDisposed
	}
	if len(req.Depth) < req.Active {
		return fmt.Errorf("%w: depth buffer has %d entries, need %d", ErrInvalidBuffer, len(req.Depth), req.Active)
	}
	if w.state == sortBusy {
		w.next = req
		w.dirty = true
		return nil
	}
	w.dispatchLocked(req)
	return nil
}

// dispatchLocked must be called with w.mu held and w.state == sortIdle.
func (w *SortWorker) dispatchLocked(req SortRequest) {
	w.state = sortBusy
	wait := w.waitForIntervalLocked()
	go func() {
		if wait > 0 {
			time.Sleep(wait)
		}
		ordering, active, err := w.runSort(req)
		w.mu.Lock()
		w.lastSort = time.Now()
		w.state = sortIdle
		var pending SortRequest
		hadPending := w.dirty
		if hadPending {
			pending = w.next
			w.dirty = false
		}
		if hadPending {
			w.dispatchLocked(pending)
		}
		w.mu.Unlock()

		if w.closed {
			return
		}
		select {
		case w.results <- SortResult{Active: active, Ordering: ordering, Err: err}:
		default:
			// Drop a result nobody drained yet in favor of the freshest
			// one; the Driver only ever needs the latest ordering.
			select {
			case <-w.results:
			default:
			}
			w.results <- SortResult{Active: active, Ordering: ordering, Err: err}
		}
	}()
}

func (w *SortWorker) waitForIntervalLocked() time.Duration {
	if w.minInterval <= 0 || w.lastSort.IsZero() {
		return 0
	}
	elapsed := time.Since(w.lastSort)
	if elapsed >= w.minInterval {
		return 0
	}
	return w.minInterval - elapsed
}

// runSort performs the actual radix sort (visibility filtering happens
// upstream, see below). It is
// the only method that touches the worker's scratch buffers, called from
// at most one goroutine at a time by construction (state machine ensures
// exclusivity).
func (w *SortWorker) runSort(req SortRequest) ([]int32, int, error) {
	n := req.Active
	capNeeded := roundUpOrdering(n)
	if cap(w.idx) < capNeeded {
		w.idx = make([]int32, capNeeded)
		w.scratch = make([]int32, capNeeded)
	}
	keys := req.Depth[:n]
	// alpha/bounds visibility filtering happens upstream of this worker
	// (the accumulator only writes visible splats into the depth buffer),
	// so active here already equals the visible count.
	ordering := radixSort32(keys, w.idx[:n], w.scratch[:n], &w.buckets)
	out := make([]int32, capNeeded)
	copy(out, ordering)
	return out, n, nil
}

// roundUpOrdering rounds n up to the next multiple of OrderingGranularity,
// with a floor of one granule.
func roundUpOrdering(n int) int {
	if n <= 0 {
		return OrderingGranularity
	}
	return ((n + OrderingGranularity - 1) / OrderingGranularity) * OrderingGranularity
}

// Close disposes the worker. In-flight sorts complete but their results are
// discarded; subsequent Sort calls return ErrDisposed.
func (w *SortWorker) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}
