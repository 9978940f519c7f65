package splatlod

import "testing"

func TestNewTreeHasRootNode(t *testing.T) {
	tr := newTree(1, 10)
	if tr.NodeCount() != 1 {
		t.Fatalf("NodeCount() = %d, want 1", tr.NodeCount())
	}
	root := tr.node(0)
	if root.Parent != -1 || !root.isLeaf() {
		t.Errorf("root node = %+v, want detached leaf", root)
	}
}

func TestNewTreeZeroCapacityStillUsable(t *testing.T) {
	tr := newTree(1, 0)
	if tr.NodeCount() != 1 {
		t.Fatalf("NodeCount() with zero capacity = %d, want 1", tr.NodeCount())
	}
}

func TestTreeEnsureCapacityGrowsAndPreservesExisting(t *testing.T) {
	tr := newTree(1, 4)
	tr.node(0).ChunkID = 7
	tr.ensureCapacity(5)
	if tr.NodeCount() != 5 {
		t.Fatalf("NodeCount() = %d, want 5", tr.NodeCount())
	}
	if tr.node(0).ChunkID != 7 {
		t.Errorf("ensureCapacity clobbered existing node 0")
	}
	for i := 1; i < 5; i++ {
		if !tr.node(int32(i)).isLeaf() || tr.node(int32(i)).FirstChild != -1 {
			t.Errorf("node %d not default-initialized as detached leaf: %+v", i, tr.node(int32(i)))
		}
	}
}

func TestTreeEnsureCapacityNoopWhenSufficient(t *testing.T) {
	tr := newTree(1, 10)
	tr.ensureCapacity(1)
	if tr.NodeCount() != 1 {
		t.Errorf("ensureCapacity shrunk nodes: NodeCount() = %d", tr.NodeCount())
	}
}

func TestTreeLevelIndices(t *testing.T) {
	tr := newTree(1, 4)
	tr.ensureCapacity(4)
	tr.node(0).Level = 0
	tr.node(1).Level = 1
	tr.node(2).Level = 1
	tr.node(3).Level = 2
	got := tr.levelIndices(1, nil)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("levelIndices(1) = %v, want [1 2]", got)
	}
}

func TestTreeCollapseChunk(t *testing.T) {
	tr := newTree(1, 3)
	tr.ensureCapacity(3)
	tr.node(0).ChunkID = 5
	tr.node(0).FirstChild = 1
	tr.node(0).ChildCount = 2
	tr.collapseChunk(5)
	root := tr.node(0)
	if !root.isLeaf() || root.FirstChild != -1 {
		t.Errorf("collapseChunk did not collapse node: %+v", root)
	}
}

func TestNewSharedTreeAliasesPrimary(t *testing.T) {
	shared := newSharedTree(2, 1)
	if !shared.IsShared() {
		t.Error("IsShared() = false, want true")
	}
	if shared.ID() != 2 {
		t.Errorf("ID() = %d, want 2", shared.ID())
	}
}
