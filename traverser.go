package splatlod

import (
	"fmt"
	"math"
	"sort"
)

// orderedChunkRefSet deduplicates ChunkRefs while preserving first-seen
// order, so the traversal's depth-first visitation order survives into
// the priority list instead of being scrambled by a map's iteration
// order.
type orderedChunkRefSet struct {
	seen  map[ChunkRef]struct{}
	order []ChunkRef
}

func newOrderedChunkRefSet() *orderedChunkRefSet {
	return &orderedChunkRefSet{seen: make(map[ChunkRef]struct{})}
}

func (s *orderedChunkRefSet) add(ref ChunkRef) {
	if _, ok := s.seen[ref]; ok {
		return
	}
	s.seen[ref] = struct{}{}
	s.order = append(s.order, ref)
}

// residencyChecker is the subset of the Splat Page Cache the traverser
// needs: whether a given chunk of a given tree currently has a resident
// page. Trees that are not paged (in-memory, non-shared) are always
// resident.
type residencyChecker interface {
	IsChunkResident(treeID int32, chunkID int32) bool
}

// alwaysResident is used when the traverser is run without a cache (pure
// in-memory trees, e.g. in unit tests).
type alwaysResident struct{}

func (alwaysResident) IsChunkResident(int32, int32) bool { return true }

// Traverser is the multi-tree traversal service: given a splat budget,
// projection parameters, and per-instance transforms, it returns a
// per-instance list of node indices to render plus the chunks referenced.
//
// Convention: InstanceParams.ViewToObject, applied to a node's object-space
// center, yields the node's position in view space (camera at the origin,
// +Z forward) — the transform that would ordinarily be composed as
// view * objectToWorld. This keeps the traverser free of matrix inversion.
type Traverser struct {
	cfg *Config
}

// NewTraverser creates a traverser reading foveation defaults from cfg.
func NewTraverser(cfg *Config) *Traverser {
	return &Traverser{cfg: cfg}
}

const (
	maxBisectionIterations = 32
	epsDepth               = 1e-4
)

// Traverse runs one multi-tree traversal. cache may be nil, in which case
// every tree is treated as fully resident (suitable for unit tests of the
// bisection/foveation logic in isolation).
func (tr *Traverser) Traverse(registry *Registry, cache residencyChecker, params TraverseParams, instances []InstanceParams) (TraverseResult, error) {
	if cache == nil {
		cache = alwaysResident{}
	}
	if params.PixelScale <= 0 {
		return TraverseResult{}, fmt.Errorf("%w: PixelScale must be positive", ErrInvalidArgument)
	}

	type resolvedInstance struct {
		inst  InstanceParams
		tree  *Tree
		shape foveationShape
	}
	resolved := make([]resolvedInstance, 0, len(instances))
	for _, inst := range instances {
		if !inst.ViewToObject.finite() {
			return TraverseResult{}, fmt.Errorf("%w: tree %d", ErrDegenerateProjection, inst.TreeID)
		}
		t, err := registry.resolve(inst.TreeID)
		if err != nil {
			return TraverseResult{}, err
		}
		resolved = append(resolved, resolvedInstance{inst: inst, tree: t, shape: resolveFoveation(inst, tr.cfg)})
	}

	// count evaluates, without allocating the result, how many splats a
	// given tau would select across every instance.
	count := func(tau float64) int {
		total := 0
		for _, ri := range resolved {
			total += tr.countTree(ri.tree, ri.inst, ri.shape, params, tau, cache, ri.inst.TreeID)
		}
		return total
	}

	target := params.MaxSplats
	lowerBound := int(math.Floor(float64(target) * 0.95))

	tau := params.LastPixelLimit
	if tau <= 0 {
		tau = 1.0
	}
	lo, hi := tau, tau
	cnt := count(tau)
	iterations := 0

	if cnt > target {
		for cnt > target && iterations < maxBisectionIterations/2 {
			lo = hi
			if hi <= 0 {
				hi = 1e-3
			}
			hi *= 2
			cnt = count(hi)
			iterations++
		}
	} else if cnt < lowerBound {
		for cnt < lowerBound && iterations < maxBisectionIterations/2 {
			hi = lo
			lo /= 2
			cnt = count(lo)
			iterations++
			if lo < 1e-9 {
				break
			}
		}
	}

	tau = hi
	// bestTau tracks the last tau whose count stayed within budget, so that
	// exhausting the iteration cap without converging into [lowerBound,
	// target] still returns a tau honoring the sum<=target invariant instead
	// of whatever mid the loop last tried.
	bestTau := hi
	bestWithinBudget := cnt <= target
	for iterations < maxBisectionIterations {
		mid := (lo + hi) / 2
		cnt = count(mid)
		tau = mid
		if cnt <= target {
			bestTau = mid
			bestWithinBudget = true
		}
		if cnt <= target && cnt >= lowerBound {
			break
		}
		if cnt > target {
			lo = mid
		} else {
			hi = mid
		}
		iterations++
	}
	if cnt > target && bestWithinBudget {
		tau = bestTau
	}

	result := TraverseResult{Tau: tau}
	chunkSet := newOrderedChunkRefSet()
	activeSet := newOrderedChunkRefSet()
	for _, ri := range resolved {
		indices := tr.selectTree(ri.tree, ri.inst, ri.shape, params, tau, cache, ri.inst.TreeID, chunkSet, activeSet)
		result.Instances = append(result.Instances, InstanceResult{TreeID: ri.inst.TreeID, Indices: indices})
	}
	result.Chunks = chunkSet.order
	result.Active = activeSet.order
	return result, nil
}

// rScaled computes the projected, foveation-weighted, pixel-normalized
// radius of a node under one instance's parameters.
func rScaled(node *lodNode, viewToObject Mat4, lodScale float64, shape foveationShape, pixelScale float64) float64 {
	viewPos := viewToObject.transformPoint(node.Center)
	depth := viewPos.Z
	if depth < epsDepth {
		depth = epsDepth
	}
	angle := angleFromAxis(viewPos)
	f := shape.factor(angle)
	rProj := (node.Radius * lodScale) / depth * f
	return rProj / pixelScale
}

// countTree recursively counts how many nodes the cut at tau would select
// from one tree, honoring the pixel-scale floor and paged-chunk gating but
// without recording chunks or indices (fast path used during bisection).
func (tr *Traverser) countTree(t *Tree, inst InstanceParams, shape foveationShape, params TraverseParams, tau float64, cache residencyChecker, treeID int32) int {
	if len(t.nodes) == 0 {
		return 0
	}
	return countNode(t, 0, inst, shape, params, tau, cache, treeID)
}

func countNode(t *Tree, idx int32, inst InstanceParams, shape foveationShape, params TraverseParams, tau float64, cache residencyChecker, treeID int32) int {
	node := t.node(idx)
	if !cache.IsChunkResident(treeID, node.ChunkID) {
		return 0
	}
	r := rScaled(node, inst.ViewToObject, lodScaleOrOne(inst.LodScale), shape, params.PixelScale)
	if node.isLeaf() || r < tau {
		return 1
	}
	if params.PixelScaleLimit > 0 && anyChildBelowFloor(t, node, inst, shape, params, cache, treeID) {
		// Descending would produce a sub-floor child: stop here and select
		// this node instead, under-filling the budget rather than
		// rendering below the floor.
		return 1
	}
	total := 0
	for c := int32(0); c < node.ChildCount; c++ {
		total += countNode(t, node.FirstChild+c, inst, shape, params, tau, cache, treeID)
	}
	return total
}

// anyChildBelowFloor reports whether any resident child of node projects to
// a radius under params.PixelScaleLimit, in which case node must be selected
// in place of its children rather than let a sub-floor splat render.
func anyChildBelowFloor(t *Tree, node *lodNode, inst InstanceParams, shape foveationShape, params TraverseParams, cache residencyChecker, treeID int32) bool {
	for c := int32(0); c < node.ChildCount; c++ {
		child := t.node(node.FirstChild + c)
		if !cache.IsChunkResident(treeID, child.ChunkID) {
			continue
		}
		childR := rScaled(child, inst.ViewToObject, lodScaleOrOne(inst.LodScale), shape, params.PixelScale)
		if childR < params.PixelScaleLimit {
			return true
		}
	}
	return false
}

func lodScaleOrOne(s float64) float64 {
	if s <= 0 {
		return 1
	}
	return s
}

// selectTree walks the cut at tau, appending selected node indices, the
// resident chunks backing them to activeSet, and referenced-but-absent
// chunks to chunkSet.
func (tr *Traverser) selectTree(t *Tree, inst InstanceParams, shape foveationShape, params TraverseParams, tau float64, cache residencyChecker, treeID int32, chunkSet, activeSet *orderedChunkRefSet) []int32 {
	if len(t.nodes) == 0 {
		return nil
	}
	var out []int32
	selectNode(t, 0, inst, shape, params, tau, cache, treeID, &out, chunkSet, activeSet)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func selectNode(t *Tree, idx int32, inst InstanceParams, shape foveationShape, params TraverseParams, tau float64, cache residencyChecker, treeID int32, out *[]int32, chunkSet, activeSet *orderedChunkRefSet) {
	node := t.node(idx)
	if !cache.IsChunkResident(treeID, node.ChunkID) {
		chunkSet.add(ChunkRef{TreeID: treeID, ChunkID: node.ChunkID})
		return
	}
	r := rScaled(node, inst.ViewToObject, lodScaleOrOne(inst.LodScale), shape, params.PixelScale)
	belowFloor := params.PixelScaleLimit > 0 && anyChildBelowFloor(t, node, inst, shape, params, cache, treeID)
	if node.isLeaf() || r < tau || belowFloor {
		*out = append(*out, idx)
		activeSet.add(ChunkRef{TreeID: treeID, ChunkID: node.ChunkID})
		return
	}
	for c := int32(0); c < node.ChildCount; c++ {
		selectNode(t, node.FirstChild+c, inst, shape, params, tau, cache, treeID, out, chunkSet, activeSet)
	}
}
