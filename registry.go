package splatlod

import "fmt"

// TreeUpdateRange is one entry of the batched tree-update protocol: the
// Cache (via the Render Driver) tells the Registry how a tree's node array
// changed. A nil Blob means "evicted — collapse this range to parent-only
// representation"; a present Blob means "populate these nodes".
type TreeUpdateRange struct {
	TreeID    int32
	PageBase  int32
	ChunkBase int32
	Count     int32
	Blob      []lodNode // nil means eviction
}

// Registry allocates and maintains opaque tree handles, applies batched
// ranged writes to tree payloads, and serves level queries. It is owned
// and mutated exclusively by the Render Driver — matching the single
// orchestrator-thread model — so it holds no internal lock, the same
// assumption the teacher's Scene makes about its node tree.
type Registry struct {
	trees   map[int32]*Tree
	counter int32
}

// NewRegistry creates an empty tree registry.
func NewRegistry() *Registry {
	return &Registry{trees: make(map[int32]*Tree)}
}

func (r *Registry) nextID() int32 {
	r.counter++
	return r.counter
}

// NewTree allocates an in-memory, non-paged tree with room for capacity
// nodes and returns its handle.
func (r *Registry) NewTree(capacity int) int32 {
	id := r.nextID()
	r.trees[id] = newTree(id, capacity)
	return id
}

// NewSharedTree creates a second handle aliasing primaryID's payload, used
// for trees backed by a streaming cache. Returns ErrUnknownTree if
// primaryID does not exist.
func (r *Registry) NewSharedTree(primaryID int32) (int32, error) {
	if _, ok := r.trees[primaryID]; !ok {
		return 0, fmt.Errorf("%w: primary tree %d", ErrUnknownTree, primaryID)
	}
	id := r.nextID()
	r.trees[id] = newSharedTree(id, primaryID)
	return id, nil
}

// InitTree ingests a self-contained LoD tree decoded from a container's
// root chunk and returns its handle plus a chunk-to-page table with one
// entry per chunk id from 0 to the highest ChunkID in the blob (every
// chunk starts non-resident; callers populate residency via UpdateTrees as
// chunks are fetched). nSplats is not used.
func (r *Registry) InitTree(nSplats int, packedTreeBlob []lodNode) (int32, []int32, error) {
	if len(packedTreeBlob) == 0 {
		return 0, nil, fmt.Errorf("%w: empty tree blob", ErrInvalidArgument)
	}
	id := r.nextID()
	t := newTree(id, len(packedTreeBlob))
	t.nodes = append([]lodNode(nil), packedTreeBlob...)
	maxChunk := int32(0)
	for i := range t.nodes {
		if t.nodes[i].ChunkID > maxChunk {
			maxChunk = t.nodes[i].ChunkID
		}
	}
	chunkToPage := make([]int32, maxChunk+1)
	for i := range chunkToPage {
		chunkToPage[i] = -1
	}
	t.chunkPages = chunkToPage
	r.trees[id] = t
	return id, chunkToPage, nil
}

// resolve returns the tree handle actually holding payload for id, chasing
// a shared handle to its primary.
func (r *Registry) resolve(id int32) (*Tree, error) {
	t, ok := r.trees[id]
	if !ok || t.disposed {
		return nil, fmt.Errorf("%w: tree %d", ErrUnknownTree, id)
	}
	if t.shared {
		primary, ok := r.trees[t.primaryID]
		if !ok || primary.disposed {
			return nil, fmt.Errorf("%w: tree %d (primary %d)", ErrUnknownTree, id, t.primaryID)
		}
		return primary, nil
	}
	return t, nil
}

// Touch marks a tree as used at the given tick, resetting its idle-eviction
// clock. Shared handles touch their primary.
func (r *Registry) Touch(id int32, tick int64) error {
	t, err := r.resolve(id)
	if err != nil {
		return err
	}
	t.lastTouchTick = tick
	return nil
}

// Dispose releases a tree handle's resources. Disposing a primary leaves
// any remaining shared handles pointing at a disposed tree, which resolve
// rejects on next use — matching "a shared handle never outlives its
// primary" as a caller responsibility, not an automatic cascade, since the
// Registry does not track reverse references from primary to shared
// handles.
func (r *Registry) Dispose(id int32) error {
	t, ok := r.trees[id]
	if !ok {
		return fmt.Errorf("%w: tree %d", ErrUnknownTree, id)
	}
	t.disposed = true
	t.nodes = nil
	t.chunkPages = nil
	delete(r.trees, id)
	return nil
}

// UpdateTrees applies a batch of ranged writes atomically from the caller's
// perspective: all ranges are validated before any is applied, so a
// failure partway through never leaves the registry half-updated.
func (r *Registry) UpdateTrees(ranges []TreeUpdateRange) error {
	resolved := make([]*Tree, len(ranges))
	for i, rg := range ranges {
		t, err := r.resolve(rg.TreeID)
		if err != nil {
			// Per the open-question resolution: a range referencing a
			// tree disposed in the interim is dropped, not an error.
			resolved[i] = nil
			continue
		}
		if rg.Blob != nil && int(rg.ChunkBase+rg.Count) > t.capacity && t.capacity > 0 {
			return fmt.Errorf("%w: tree %d range [%d,%d)", ErrOutOfRange, rg.TreeID, rg.ChunkBase, rg.ChunkBase+rg.Count)
		}
		resolved[i] = t
	}
	for i, rg := range ranges {
		t := resolved[i]
		if t == nil {
			continue
		}
		if rg.Blob == nil {
			t.collapseChunk(rg.ChunkBase)
			if t.chunkPages != nil && int(rg.ChunkBase) < len(t.chunkPages) {
				t.chunkPages[rg.ChunkBase] = -1
			}
			continue
		}
		t.ensureCapacity(int(rg.ChunkBase) + len(rg.Blob))
		copy(t.nodes[rg.ChunkBase:], rg.Blob)
		if t.chunkPages != nil && int(rg.ChunkBase) < len(t.chunkPages) {
			t.chunkPages[rg.ChunkBase] = rg.PageBase
		}
	}
	return nil
}

// GetLevel returns the indices of every node at the given level, for
// debug/introspection use.
func (r *Registry) GetLevel(treeID int32, level int32) ([]int32, error) {
	t, err := r.resolve(treeID)
	if err != nil {
		return nil, err
	}
	return t.levelIndices(level, nil), nil
}

// Count returns the number of live (non-disposed) tree handles, including
// shared handles.
func (r *Registry) Count() int {
	return len(r.trees)
}
