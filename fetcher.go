package splatlod

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// fetcherPool bounds concurrent fetch/decode work to NumFetchers and
// de-duplicates in-flight fetches for the same (object, chunk), matching
// the "at most N slots active" / "at most one slot per (object,chunk-id)"
// invariants. The bounded-pool shape follows the example corpus's async
// resource loader; the bounding and de-duplication mechanics themselves
// are delegated to golang.org/x/sync, already an indirect dependency of
// the engine via ebiten, promoted here to direct use.
type fetcherPool struct {
	sem    *semaphore.Weighted
	single singleflight.Group

	mu      sync.Mutex
	done    chan fetchOutcome
	pending map[ChunkRef]struct{}
}

// fetchOutcome is a single completed (or failed) fetch, queued for the
// Render Driver to drain once per frame.
type fetchOutcome struct {
	ref   ChunkRef
	chunk FetchedChunk
	err   error
}

func newFetcherPool(numFetchers int) *fetcherPool {
	return &fetcherPool{
		sem:     semaphore.NewWeighted(int64(numFetchers)),
		done:    make(chan fetchOutcome, 256),
		pending: make(map[ChunkRef]struct{}),
	}
}

// inFlight reports whether a fetch for ref is already dispatched or
// queued.
func (p *fetcherPool) inFlight(ref ChunkRef) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[ref]
	return ok
}

// Dispatch attempts to start a fetch for ref if it is not already
// in-flight and a semaphore slot is free. Returns false without blocking
// when no slot is currently available (the caller tries again next
// frame); true once a fetch has been started (the result will arrive on
// Completions()).
func (p *fetcherPool) Dispatch(ctx context.Context, ref ChunkRef, obj *registeredObject) bool {
	if p.inFlight(ref) {
		return false
	}
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.mu.Lock()
	p.pending[ref] = struct{}{}
	p.mu.Unlock()

	go func() {
		defer p.sem.Release(1)
		defer func() {
			p.mu.Lock()
			delete(p.pending, ref)
			p.mu.Unlock()
		}()

		key := fmt.Sprintf("%d:%d", ref.TreeID, ref.ChunkID)
		v, err, _ := p.single.Do(key, func() (interface{}, error) {
			entry, ok := obj.chunkIdx[ref.ChunkID]
			if !ok {
				return nil, fmt.Errorf("%w: tree %d has no chunk %d", ErrChunkDecodeFailed, ref.TreeID, ref.ChunkID)
			}
			return FetchChunk(ctx, obj.source, ref.TreeID, entry)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "[splatlod] fetch %d:%d failed: %v\n", ref.TreeID, ref.ChunkID, err)
			p.done <- fetchOutcome{ref: ref, err: err}
			return
		}
		p.done <- fetchOutcome{ref: ref, chunk: v.(FetchedChunk)}
	}()
	return true
}

// Completions returns the channel completed (or failed) fetches arrive on.
func (p *fetcherPool) Completions() <-chan fetchOutcome {
	return p.done
}
