package splatlod

import (
	"container/heap"
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/hajimehoshi/ebiten/v2"
)

// pageTextureWidth/Height give each GPU page a square layout holding
// exactly PageSize splats (256*256 = 65536), matching the teacher's atlas
// pages: one *ebiten.Image per page, written wholesale via WritePixels.
const (
	pageTextureWidth  = 256
	pageTextureHeight = PageSize / pageTextureWidth
)

// pageEntry is one slot of the GPU page pool.
type pageEntry struct {
	index     int32
	resident  bool
	treeID    int32
	chunkID   int32
	lastTouch int64
	// heapIndex is maintained by container/heap for O(log n) updates.
	heapIndex int
}

// evictionHeap is a min-heap of resident, currently-evictable pages
// ordered by lastTouch, grounded on the LRU-candidate heap pattern used
// for file-object eviction in the example pool, generalized here to GPU
// pages.
type evictionHeap []*pageEntry

func (h evictionHeap) Len() int            { return len(h) }
func (h evictionHeap) Less(i, j int) bool  { return h[i].lastTouch < h[j].lastTouch }
func (h evictionHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].heapIndex = i; h[j].heapIndex = j }
func (h *evictionHeap) Push(x interface{}) {
	e := x.(*pageEntry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *evictionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// registeredObject tracks one paged object's chunk source and header, so
// the fetcher pool can resolve a ChunkRef into bytes.
type registeredObject struct {
	treeID   int32
	source   ChunkSource
	header   ContainerHeader
	chunkIdx map[int32]ChunkTableEntry
}

// PageCache is the fixed-capacity, GPU-resident paged LRU cache described
// in the specification: pages are demand-populated by a bounded fetcher
// pool and reclaimed in LRU order when the free list is empty.
type PageCache struct {
	cfg *Config

	pages    []pageEntry
	textures []*ebiten.Image
	free     []int32

	// forward[treeID][chunkID] = page index
	forward map[int32]map[int32]int32
	objects map[int32]*registeredObject

	tick int64

	warnedOverCapacity bool

	fetcher *fetcherPool

	mu sync.Mutex
}

// NewPageCache allocates the full page pool up front (fixed capacity, no
// growth), matching the "fixed-capacity pool of equally-sized GPU pages"
// requirement.
func NewPageCache(cfg *Config) *PageCache {
	n := cfg.PageCount()
	c := &PageCache{
		cfg:      cfg,
		pages:    make([]pageEntry, n),
		textures: make([]*ebiten.Image, n),
		free:     make([]int32, n),
		forward:  make(map[int32]map[int32]int32),
		objects:  make(map[int32]*registeredObject),
	}
	for i := 0; i < n; i++ {
		c.pages[i] = pageEntry{index: int32(i)}
		c.free[i] = int32(n - 1 - i) // pop from the back; order doesn't matter for an empty pool
	}
	c.fetcher = newFetcherPool(cfg.NumFetchers)
	return c
}

// pageTexture lazily allocates (Unmanaged, since it is written wholesale
// every time and never drawn to as a render target) the GPU-resident
// image backing a page, mirroring the teacher's atlas page allocation.
func (c *PageCache) pageTexture(page int32) *ebiten.Image {
	if c.textures[page] == nil {
		c.textures[page] = ebiten.NewImageWithOptions(
			image.Rect(0, 0, pageTextureWidth, pageTextureHeight),
			&ebiten.NewImageOptions{Unmanaged: true},
		)
	}
	return c.textures[page]
}

// RegisterObject records a paged object's chunk source so its chunks can
// be fetched by chunk-id.
func (c *PageCache) RegisterObject(treeID int32, source ChunkSource, header ContainerHeader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := make(map[int32]ChunkTableEntry, len(header.Chunks))
	for _, e := range header.Chunks {
		idx[e.ChunkID] = e
	}
	c.objects[treeID] = &registeredObject{treeID: treeID, source: source, header: header, chunkIdx: idx}
	if c.forward[treeID] == nil {
		c.forward[treeID] = make(map[int32]int32)
	}
	if len(c.objects) > len(c.pages) && !c.warnedOverCapacity {
		c.warnedOverCapacity = true
		fmt.Fprintf(os.Stderr, "[splatlod] %v: %d paged objects exceed %d page slots\n", ErrOverCapacity, len(c.objects), len(c.pages))
	}
}

// UnregisterObject drops an object's fetch source and returns all of its
// resident pages to the free list.
func (c *PageCache) UnregisterObject(treeID int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for chunkID, page := range c.forward[treeID] {
		c.pages[page] = pageEntry{index: page}
		c.free = append(c.free, page)
		delete(c.forward[treeID], chunkID)
	}
	delete(c.forward, treeID)
	delete(c.objects, treeID)
}

// IsChunkResident implements residencyChecker for the Traverser. A tree
// that was never registered as a paged object is an in-memory tree and is
// always resident, matching the Traverser's alwaysResident convention for
// non-paged trees; only chunks of a registered paged object are gated on
// whether a page has actually been promoted for them.
func (c *PageCache) IsChunkResident(treeID, chunkID int32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, registered := c.objects[treeID]; !registered {
		return true
	}
	pages, ok := c.forward[treeID]
	if !ok {
		return false
	}
	_, ok = pages[chunkID]
	return ok
}

// Touch refreshes the LRU recency of the given chunks, which are listed
// most important first. They are touched in reverse order, each with a
// newer tick, so the most important entries are freshest.
func (c *PageCache) Touch(refs []ChunkRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(refs) - 1; i >= 0; i-- {
		c.tick++
		ref := refs[i]
		if page, ok := c.forward[ref.TreeID][ref.ChunkID]; ok {
			c.pages[page].lastTouch = c.tick
		}
	}
}

// freeablePages returns, in LRU order, every resident page not present in
// needed, rebuilt fresh each call per the specification (no persistent
// eviction queue).
func (c *PageCache) freeablePages(needed map[int32]map[int32]bool) []int32 {
	h := make(evictionHeap, 0, len(c.pages))
	for i := range c.pages {
		p := &c.pages[i]
		if !p.resident {
			continue
		}
		if needed[p.treeID] != nil && needed[p.treeID][p.chunkID] {
			continue
		}
		h = append(h, p)
	}
	heap.Init(&h)
	out := make([]int32, 0, len(h))
	for h.Len() > 0 {
		e := heap.Pop(&h).(*pageEntry)
		out = append(out, e.index)
	}
	return out
}

// allocatePage returns a free page index, evicting the globally
// least-recently-used evictable page when the free list is empty. Returns
// (-1, nil) with no error when no page could be freed (every page needed).
// The second return value, when eviction occurred, is the (treeID,chunkID)
// that was displaced so the caller can emit the corresponding tree-update.
func (c *PageCache) allocatePage(needed map[int32]map[int32]bool) (int32, *ChunkRef) {
	if len(c.free) > 0 {
		p := c.free[len(c.free)-1]
		c.free = c.free[:len(c.free)-1]
		return p, nil
	}
	candidates := c.freeablePages(needed)
	if len(candidates) == 0 {
		return -1, nil
	}
	page := candidates[0]
	old := c.pages[page]
	displaced := ChunkRef{TreeID: old.treeID, ChunkID: old.chunkID}
	delete(c.forward[old.treeID], old.chunkID)
	return page, &displaced
}

// Promote allocates a page for a fetched chunk and uploads its splat
// payload, returning the tree-update ranges to apply: an eviction range
// first (if a page had to be reclaimed), then the residency range — the
// ordering the Registry relies on to never momentarily see two chunks
// co-resident in one page.
func (c *PageCache) Promote(chunk FetchedChunk, needed map[int32]map[int32]bool) ([]TreeUpdateRange, error) {
	c.mu.Lock()
	page, displaced := c.allocatePage(needed)
	if page < 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: no page available to promote chunk %d of tree %d", ErrOverCapacity, chunk.ChunkID, chunk.TreeID)
	}
	c.pages[page] = pageEntry{index: page, resident: true, treeID: chunk.TreeID, chunkID: chunk.ChunkID, lastTouch: c.tick}
	if c.forward[chunk.TreeID] == nil {
		c.forward[chunk.TreeID] = make(map[int32]int32)
	}
	c.forward[chunk.TreeID][chunk.ChunkID] = page
	c.mu.Unlock()

	c.uploadPage(page, chunk.Splats)

	var ranges []TreeUpdateRange
	if displaced != nil {
		ranges = append(ranges, TreeUpdateRange{TreeID: displaced.TreeID, ChunkBase: displaced.ChunkID, Blob: nil})
	}
	ranges = append(ranges, TreeUpdateRange{
		TreeID:    chunk.TreeID,
		PageBase:  page,
		ChunkBase: chunk.ChunkID,
		Count:     int32(len(chunk.Nodes)),
		Blob:      chunk.Nodes,
	})
	return ranges, nil
}

// uploadPage writes a chunk's splats into its page's GPU texture using the
// compact encoding, matching the rasterizer's expected page layout.
func (c *PageCache) uploadPage(page int32, splats []Splat) {
	tex := c.pageTexture(page)
	pixels := make([]byte, pageTextureWidth*pageTextureHeight*4)
	n := len(splats)
	if n > pageTextureWidth*pageTextureHeight {
		n = pageTextureWidth * pageTextureHeight
	}
	buf := make([]byte, CompactSplatSize)
	for i := 0; i < n; i++ {
		_ = EncodeCompact(splats[i], buf)
		copy(pixels[i*4:i*4+4], buf[:4])
	}
	tex.WritePixels(pixels)
}

// Stats returns the current free/resident page counts, satisfying the
// "|free|+|resident|=P" invariant check used by tests.
func (c *PageCache) Stats() (free, resident, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.pages {
		if c.pages[i].resident {
			resident++
		}
	}
	return len(c.pages) - resident, resident, len(c.pages)
}

// DispatchFetchers walks the priority list (most important first, with
// fetchPriority — the root-chunk bootstrap list — served ahead of it, per
// "chunk 0 is unconditionally prioritized first") and starts a fetch for
// every entry that is neither resident, in-flight, nor already queued for
// upload, up to NumFetchers concurrent fetches.
func (c *PageCache) DispatchFetchers(ctx context.Context, fetchPriority, priority []ChunkRef) {
	ordered := make([]ChunkRef, 0, len(fetchPriority)+len(priority))
	ordered = append(ordered, fetchPriority...)
	ordered = append(ordered, priority...)
	for _, ref := range ordered {
		if c.IsChunkResident(ref.TreeID, ref.ChunkID) {
			continue
		}
		c.mu.Lock()
		obj := c.objects[ref.TreeID]
		c.mu.Unlock()
		if obj == nil {
			continue
		}
		c.fetcher.Dispatch(ctx, ref, obj)
	}
}

// DrainFetched drains every fetch that has completed since the last call,
// promoting each into a page and collecting the resulting tree-update
// ranges. needed is the traversal's most recent touched-chunk set, used to
// steer eviction away from chunks still wanted this frame. Ranges are
// returned in FIFO completion order, eviction-before-residency within each
// chunk's own pair, matching the ordering guarantee the Registry relies
// on.
func (c *PageCache) DrainFetched(needed map[int32]map[int32]bool) []TreeUpdateRange {
	var ranges []TreeUpdateRange
	for {
		select {
		case outcome := <-c.fetcher.Completions():
			if outcome.err != nil {
				continue // logged at dispatch time; traversal will re-request
			}
			rs, err := c.Promote(outcome.chunk, needed)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[splatlod] %v\n", err)
				continue
			}
			ranges = append(ranges, rs...)
		default:
			return ranges
		}
	}
}
