package splatlod

import (
	"errors"
	"testing"
	"time"
)

func waitForResult(t *testing.T, w *SortWorker) SortResult {
	t.Helper()
	select {
	case res := <-w.Results():
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sort result")
		return SortResult{}
	}
}

func TestSortWorkerBasicSort(t *testing.T) {
	w := NewSortWorker(0)
	defer w.Close()
	depth := []uint32{3, 1, 2}
	if err := w.Sort(SortRequest{Active: 3, Depth: depth}); err != nil {
		t.Fatalf("Sort: %v", err)
	}
	res := waitForResult(t, w)
	if res.Err != nil {
		t.Fatalf("sort result error: %v", res.Err)
	}
	if res.Active != 3 {
		t.Errorf("Active = %d, want 3", res.Active)
	}
	for i := 1; i < res.Active; i++ {
		if depth[res.Ordering[i-1]] < depth[res.Ordering[i]] {
			t.Errorf("ordering not back-to-front at %d", i)
		}
	}
}

func TestSortWorkerRejectsShortDepthBuffer(t *testing.T) {
	w := NewSortWorker(0)
	defer w.Close()
	err := w.Sort(SortRequest{Active: 5, Depth: []uint32{1, 2}})
	if !errors.Is(err, ErrInvalidBuffer) {
		t.Fatalf("Sort(short depth) error = %v, want ErrInvalidBuffer", err)
	}
}

func TestSortWorkerRejectsAfterClose(t *testing.T) {
	w := NewSortWorker(0)
	w.Close()
	err := w.Sort(SortRequest{Active: 1, Depth: []uint32{1}})
	if !errors.Is(err, ErrDisposed) {
		t.Fatalf("Sort(after Close) error = %v, want ErrDisposed", err)
	}
}

func TestSortWorkerCoalescesPendingRequest(t *testing.T) {
	w := NewSortWorker(0)
	defer w.Close()
	if err := w.Sort(SortRequest{Active: 2, Depth: []uint32{1, 2}}); err != nil {
		t.Fatalf("first Sort: %v", err)
	}
	// Immediately submit a second request; depending on scheduling it may
	// land while busy (coalesced) or after the first completes and is
	// drained (queued fresh) — either way exactly one more result arrives
	// reflecting the second request's depth buffer.
	depth2 := []uint32{9, 5, 7}
	_ = w.Sort(SortRequest{Active: 3, Depth: depth2})
	var last SortResult
	for i := 0; i < 2; i++ {
		select {
		case res := <-w.Results():
			last = res
		case <-time.After(2 * time.Second):
			if i == 0 {
				t.Fatal("timed out waiting for any sort result")
			}
		}
	}
	if last.Active != 3 {
		t.Errorf("final result Active = %d, want 3 (second request)", last.Active)
	}
}

func TestRoundUpOrdering(t *testing.T) {
	if got := roundUpOrdering(0); got != OrderingGranularity {
		t.Errorf("roundUpOrdering(0) = %d, want %d", got, OrderingGranularity)
	}
	if got := roundUpOrdering(1); got != OrderingGranularity {
		t.Errorf("roundUpOrdering(1) = %d, want %d", got, OrderingGranularity)
	}
	if got := roundUpOrdering(OrderingGranularity + 1); got != 2*OrderingGranularity {
		t.Errorf("roundUpOrdering(granularity+1) = %d, want %d", got, 2*OrderingGranularity)
	}
}
