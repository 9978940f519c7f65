package splatlod

import (
	"errors"
	"testing"
)

func TestRegistryNewTreeAssignsIncreasingIDs(t *testing.T) {
	r := NewRegistry()
	a := r.NewTree(4)
	b := r.NewTree(4)
	if a == b {
		t.Fatalf("NewTree returned duplicate ids: %d, %d", a, b)
	}
	if r.Count() != 2 {
		t.Errorf("Count() = %d, want 2", r.Count())
	}
}

func TestRegistryNewSharedTreeRejectsUnknownPrimary(t *testing.T) {
	r := NewRegistry()
	_, err := r.NewSharedTree(999)
	if !errors.Is(err, ErrUnknownTree) {
		t.Fatalf("NewSharedTree(unknown) error = %v, want ErrUnknownTree", err)
	}
}

func TestRegistryInitTreeRejectsEmptyBlob(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.InitTree(0, nil)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("InitTree(empty) error = %v, want ErrInvalidArgument", err)
	}
}

func TestRegistryInitTreeBuildsChunkTable(t *testing.T) {
	r := NewRegistry()
	blob := []lodNode{
		{Parent: -1, FirstChild: 1, ChildCount: 1, ChunkID: 0},
		{Parent: 0, FirstChild: -1, ChunkID: 2},
	}
	id, chunkToPage, err := r.InitTree(10, blob)
	if err != nil {
		t.Fatalf("InitTree: %v", err)
	}
	if len(chunkToPage) != 3 {
		t.Fatalf("chunkToPage len = %d, want 3 (chunks 0..2)", len(chunkToPage))
	}
	for i, p := range chunkToPage {
		if p != -1 {
			t.Errorf("chunkToPage[%d] = %d, want -1 (non-resident)", i, p)
		}
	}
	if _, err := r.GetLevel(id, 0); err != nil {
		t.Errorf("GetLevel on freshly-initialized tree: %v", err)
	}
}

func TestRegistryTouchUnknownTreeErrors(t *testing.T) {
	r := NewRegistry()
	if err := r.Touch(42, 1); !errors.Is(err, ErrUnknownTree) {
		t.Fatalf("Touch(unknown) error = %v, want ErrUnknownTree", err)
	}
}

func TestRegistryDisposeThenResolveFails(t *testing.T) {
	r := NewRegistry()
	id := r.NewTree(4)
	if err := r.Dispose(id); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if _, err := r.GetLevel(id, 0); !errors.Is(err, ErrUnknownTree) {
		t.Fatalf("GetLevel(disposed) error = %v, want ErrUnknownTree", err)
	}
	if r.Count() != 0 {
		t.Errorf("Count() after Dispose = %d, want 0", r.Count())
	}
}

func TestRegistrySharedTreeResolvesToPrimary(t *testing.T) {
	r := NewRegistry()
	primary := r.NewTree(4)
	shared, err := r.NewSharedTree(primary)
	if err != nil {
		t.Fatalf("NewSharedTree: %v", err)
	}
	if err := r.Touch(shared, 5); err != nil {
		t.Fatalf("Touch(shared): %v", err)
	}
	t0, _ := r.resolve(primary)
	if t0.lastTouchTick != 5 {
		t.Errorf("primary lastTouchTick = %d, want 5 (touched via shared handle)", t0.lastTouchTick)
	}
}

func TestRegistryUpdateTreesDropsRangeForDisposedTree(t *testing.T) {
	r := NewRegistry()
	id := r.NewTree(4)
	if err := r.Dispose(id); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	err := r.UpdateTrees([]TreeUpdateRange{{TreeID: id, ChunkBase: 0, Blob: []lodNode{{}}}})
	if err != nil {
		t.Fatalf("UpdateTrees with disposed tree id should be dropped silently, got error: %v", err)
	}
}

func TestRegistryUpdateTreesPopulatesNodes(t *testing.T) {
	r := NewRegistry()
	id := r.NewTree(4)
	blob := []lodNode{{ChunkID: 9, Level: 1}}
	if err := r.UpdateTrees([]TreeUpdateRange{{TreeID: id, ChunkBase: 1, PageBase: 3, Count: 1, Blob: blob}}); err != nil {
		t.Fatalf("UpdateTrees: %v", err)
	}
	tr, err := r.resolve(id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if tr.NodeCount() < 2 || tr.node(1).ChunkID != 9 {
		t.Errorf("UpdateTrees did not populate node at ChunkBase: nodes=%d, node(1)=%+v", tr.NodeCount(), tr.node(1))
	}
}

func TestRegistryUpdateTreesEvictionCollapsesChunk(t *testing.T) {
	r := NewRegistry()
	id, _, err := r.InitTree(1, []lodNode{
		{Parent: -1, FirstChild: 1, ChildCount: 1, ChunkID: 0},
		{Parent: 0, FirstChild: -1, ChunkID: 4},
	})
	if err != nil {
		t.Fatalf("InitTree: %v", err)
	}
	if err := r.UpdateTrees([]TreeUpdateRange{{TreeID: id, ChunkBase: 0, Blob: nil}}); err != nil {
		t.Fatalf("UpdateTrees(evict): %v", err)
	}
	tr, _ := r.resolve(id)
	if !tr.node(0).isLeaf() {
		t.Errorf("node with evicted ChunkID 0 should have collapsed to a leaf")
	}
}
