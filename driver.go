package splatlod

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tanema/gween"
	"github.com/tanema/gween/ease"
)

// FrameObject describes one object present in the current frame, as the
// caller's scene-graph/transform wiring (out of scope here) would supply
// it. Key is a caller-chosen stable identifier used to create the backing
// tree on first encounter and to recognize it on later frames.
type FrameObject struct {
	Key    string
	Params InstanceParams

	// Paged objects are backed by a streamable container whose header has
	// already been read via ReadHeader; in-memory objects (Paged == false)
	// are pre-populated, non-shared trees of Capacity nodes the caller
	// fills directly via Registry.UpdateTrees.
	Paged    bool
	Source   ChunkSource
	Header   ContainerHeader
	Capacity int

	// Position is the object's distance-to-viewer proxy used only to order
	// root-chunk fetch priority (closer objects bootstrap first).
	Position Vec3
}

// View describes the current viewpoint for change-gating.
type View struct {
	Pos Vec3
	Dir Vec3 // unit forward vector
}

const (
	viewPosEpsilon = 1e-3
	viewDirEpsilon = 1e-4 // compared against 1 - dot(dir, lastDir)
)

// debugStats holds per-frame timing, matching the teacher's debugStats
// convention of a small struct logged only when Config.Debug is set.
type debugStats struct {
	traverseTime time.Duration
	fetchTime    time.Duration
	activeCount  int
	chunkCount   int
}

// Driver is the Render Driver: per-frame orchestration of the Registry,
// Page Cache, Traverser, and Sort Worker, owning accumulator rotation and
// the atomic display-set swap.
type Driver struct {
	cfg *Config

	Registry   *Registry
	Cache      *PageCache
	Traverser  *Traverser
	SortWorker *SortWorker

	accumulators *accumulatorPool
	displayed    *Accumulator
	current      *Accumulator
	ordering     *OrderingTable

	sorting          bool
	sortDirty        bool
	compositionDirty bool

	objectTrees map[string]int32
	lastTouch   map[int32]int64

	lastResults []InstanceResult
	lastActive  []ChunkRef

	tick           int64
	lastPixelLimit float64
	lastView       View
	haveLastView   bool

	budgetTween    *gween.Tween
	effectiveScale float64

	stats debugStats
}

// NewDriver builds a driver from a validated configuration.
func NewDriver(cfg *Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Driver{
		cfg:            cfg,
		Registry:       NewRegistry(),
		Cache:          NewPageCache(cfg),
		Traverser:      NewTraverser(cfg),
		SortWorker:     NewSortWorker(cfg.MinSortIntervalMS),
		accumulators:   newAccumulatorPool(),
		ordering:       NewOrderingTable(),
		objectTrees:    make(map[string]int32),
		lastTouch:      make(map[int32]int64),
		effectiveScale: cfg.LodSplatScale,
	}, nil
}

// SetBudgetScale retargets LodSplatScale, ramping smoothly over
// Config.BudgetRampSeconds rather than applying it on the very next frame,
// the same way the teacher's Camera.ScrollTo tweens position instead of
// snapping it.
func (d *Driver) SetBudgetScale(scale float64) {
	if scale <= 0 {
		scale = 1
	}
	if d.cfg.BudgetRampSeconds <= 0 {
		d.effectiveScale = scale
		d.cfg.LodSplatScale = scale
		return
	}
	d.budgetTween = gween.New(float32(d.effectiveScale), float32(scale), d.cfg.BudgetRampSeconds, ease.Linear)
	d.cfg.LodSplatScale = scale
}

func (d *Driver) updateBudgetRamp(dt float32) {
	if d.budgetTween == nil {
		return
	}
	val, done := d.budgetTween.Update(dt)
	d.effectiveScale = float64(val)
	if done {
		d.budgetTween = nil
	}
}

// ensureObject creates the backing tree for a FrameObject on first
// encounter, matching "for any object not yet in the Registry, init_tree
// or new_tree it".
func (d *Driver) ensureObject(obj FrameObject) (int32, error) {
	if id, ok := d.objectTrees[obj.Key]; ok {
		return id, nil
	}
	if obj.Paged {
		id, _, err := d.Registry.InitTree(int(obj.Header.NumSplats), rootChunkPlaceholder())
		if err != nil {
			return 0, err
		}
		d.Cache.RegisterObject(id, obj.Source, obj.Header)
		d.objectTrees[obj.Key] = id
		return id, nil
	}
	id := d.Registry.NewTree(obj.Capacity)
	d.objectTrees[obj.Key] = id
	return id, nil
}

// rootChunkPlaceholder seeds a paged object with a single root-only leaf
// node (chunk 0) before its root chunk has actually been fetched; the
// placeholder collapses to a leaf-only cut until real data replaces it via
// Registry.UpdateTrees.
func rootChunkPlaceholder() []lodNode {
	return []lodNode{{Parent: -1, FirstChild: -1, ChildCount: 0, Level: 0, ChunkID: 0}}
}

// viewChanged reports whether the view moved enough to warrant fresh
// composition, per the position/direction epsilon gate.
func (d *Driver) viewChanged(v View) bool {
	if !d.haveLastView {
		return true
	}
	dx, dy, dz := v.Pos.X-d.lastView.Pos.X, v.Pos.Y-d.lastView.Pos.Y, v.Pos.Z-d.lastView.Pos.Z
	distSq := dx*dx + dy*dy + dz*dz
	if distSq > viewPosEpsilon*viewPosEpsilon {
		return true
	}
	dot := v.Dir.X*d.lastView.Dir.X + v.Dir.Y*d.lastView.Dir.Y + v.Dir.Z*d.lastView.Dir.Z
	return dot < 1-viewDirEpsilon
}

// Frame runs one full per-frame procedure: LoD drive, gated composition,
// sort drive, idle eviction. It returns the accumulator that should be
// sampled by the rasterizer this frame (nil before the first sort
// completes) and the current ordering table.
func (d *Driver) Frame(ctx context.Context, objects []FrameObject, view View, dt float32) (*Accumulator, *OrderingTable, error) {
	d.tick++
	d.updateBudgetRamp(dt)

	instances := make([]InstanceParams, 0, len(objects))
	byTree := make(map[int32]FrameObject, len(objects))
	for _, obj := range objects {
		id, err := d.ensureObject(obj)
		if err != nil {
			return nil, nil, err
		}
		p := obj.Params
		p.TreeID = id
		instances = append(instances, p)
		byTree[id] = obj
		d.lastTouch[id] = d.tick
	}

	if d.cfg.EnableLod && d.cfg.EnableDriveLod {
		if err := d.driveLod(ctx, instances, byTree); err != nil {
			return nil, nil, err
		}
	}

	changed := d.viewChanged(view) || d.compositionDirty
	d.lastView, d.haveLastView = view, true

	if changed {
		d.compose()
	}

	if d.sortDirty && !d.sorting && d.current != nil {
		d.kickSort()
	}
	d.drainSort()

	d.evictIdle()

	if d.cfg.Debug {
		fmt.Fprintf(os.Stderr, "[splatlod] traverse: %v | fetch: %v | active: %d | chunks: %d\n",
			d.stats.traverseTime, d.stats.fetchTime, d.stats.activeCount, d.stats.chunkCount)
	}

	return d.displayed, d.ordering, nil
}

// compose acquires a free accumulator and writes this frame's index
// textures into it, replacing any not-yet-sorted current composition.
func (d *Driver) compose() {
	free := d.accumulators.Acquire()
	if free == nil {
		return // all three in use; composition deferred to next frame
	}
	_, generate := free.Prepare(d.lastResults)
	generate()
	d.compositionDirty = false
	if d.current != nil {
		d.accumulators.Release(d.current)
	}
	d.current = free
	d.sortDirty = true
}

// driveLod drains pending tree updates from completed fetches, runs the
// traversal, and dispatches fetches for whatever it still needs.
func (d *Driver) driveLod(ctx context.Context, instances []InstanceParams, byTree map[int32]FrameObject) error {
	fetchStart := time.Now()
	ranges := d.Cache.DrainFetched(neededSet(d.lastActive))
	if len(ranges) > 0 {
		if err := d.Registry.UpdateTrees(ranges); err != nil {
			return err
		}
	}
	d.stats.fetchTime = time.Since(fetchStart)

	traverseStart := time.Now()
	budget := int(float64(d.cfg.effectiveBudget()) * (d.effectiveScale / maxFloat(d.cfg.LodSplatScale, 1e-9)))
	if budget <= 0 {
		budget = d.cfg.effectiveBudget()
	}
	params := TraverseParams{
		MaxSplats:       budget,
		PixelScaleLimit: d.cfg.PixelScaleLimit * d.cfg.LodRenderScale,
		LastPixelLimit:  d.lastPixelLimit,
		PixelScale:      1.0, // fixed: Frame takes no fovY or render height, so radii are not converted to pixels
	}

	result, err := d.Traverser.Traverse(d.Registry, d.Cache, params, instances)
	if err != nil {
		return err
	}
	d.stats.traverseTime = time.Since(traverseStart)
	d.lastPixelLimit = result.Tau
	d.lastResults = result.Instances
	d.lastActive = result.Active
	d.compositionDirty = true

	d.stats.activeCount = 0
	for _, r := range result.Instances {
		d.stats.activeCount += len(r.Indices)
	}
	d.stats.chunkCount = len(result.Chunks)

	for treeID := range byTree {
		_ = d.Registry.Touch(treeID, d.tick)
	}
	d.Cache.Touch(result.Active)

	d.Cache.DispatchFetchers(ctx, d.rootChunkPriority(byTree), result.Chunks)
	return nil
}

// neededSet converts a flat active-chunk list into the nested map shape
// PageCache.freeablePages expects, protecting every chunk backing this
// frame's selection from eviction.
func neededSet(active []ChunkRef) map[int32]map[int32]bool {
	needed := make(map[int32]map[int32]bool, len(active))
	for _, ref := range active {
		m := needed[ref.TreeID]
		if m == nil {
			m = make(map[int32]bool)
			needed[ref.TreeID] = m
		}
		m[ref.ChunkID] = true
	}
	return needed
}

// rootChunkPriority builds the bootstrap priority list: every paged
// object's not-yet-resident chunk 0, ordered by distance to the viewer.
func (d *Driver) rootChunkPriority(byTree map[int32]FrameObject) []ChunkRef {
	type entry struct {
		ref  ChunkRef
		dist float64
	}
	var entries []entry
	for id, obj := range byTree {
		if !obj.Paged || d.Cache.IsChunkResident(id, 0) {
			continue
		}
		p := obj.Position
		entries = append(entries, entry{ref: ChunkRef{TreeID: id, ChunkID: 0}, dist: p.X*p.X + p.Y*p.Y + p.Z*p.Z})
	}
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].dist < entries[j-1].dist; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	out := make([]ChunkRef, len(entries))
	for i, e := range entries {
		out[i] = e.ref
	}
	return out
}

// kickSort submits the current composition's depth buffer to the sort
// worker. The caller's rasterizer is expected to have drawn this frame's
// selected splats' depth into Accumulator.EnsureDepthTarget before Frame
// is called, so ReadDepth here reflects the just-composed set.
func (d *Driver) kickSort() {
	depth := d.current.ReadDepth()
	if depth == nil {
		return
	}
	d.sorting = true
	if err := d.SortWorker.Sort(SortRequest{Active: d.current.ActiveCount, Depth: depth}); err != nil {
		fmt.Fprintf(os.Stderr, "[splatlod] sort dispatch failed: %v\n", err)
		d.sorting = false
	}
}

// drainSort applies a completed sort, if any, swapping it into the
// displayed accumulator.
func (d *Driver) drainSort() {
	select {
	case res := <-d.SortWorker.Results():
		d.sorting = false
		d.sortDirty = false
		if res.Err != nil {
			fmt.Fprintf(os.Stderr, "[splatlod] sort failed: %v\n", res.Err)
			return
		}
		d.ordering.Update(res.Ordering[:res.Active])
		if d.current != nil {
			old := d.displayed
			d.displayed = d.current
			d.current = nil
			if old != nil {
				d.accumulators.Release(old)
			}
		}
	default:
	}
}

// evictIdle disposes the oldest tree not touched within DisposeTimeoutMS,
// approximating wall-clock milliseconds with the frame tick counter since
// the engine has no fixed timestep of its own (the caller drives dt).
func (d *Driver) evictIdle() {
	threshold := int64(d.cfg.DisposeTimeoutMS)
	oldestKey, oldestID, found := "", int32(0), false
	for key, id := range d.objectTrees {
		last := d.lastTouch[id]
		if d.tick-last > threshold && (!found || last < d.lastTouch[oldestID]) {
			oldestKey, oldestID, found = key, id, true
		}
	}
	if !found {
		return
	}
	_ = d.Registry.Dispose(oldestID)
	d.Cache.UnregisterObject(oldestID)
	delete(d.objectTrees, oldestKey)
	delete(d.lastTouch, oldestID)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
