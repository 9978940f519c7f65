// Package splatlod implements a level-of-detail rendering engine for 3D
// Gaussian splat scenes: a multi-tree LoD traverser, a paged GPU splat
// cache fed by bounded concurrent fetchers, and a depth sort worker,
// orchestrated once per frame by a Render Driver.
package splatlod

import "context"

// Engine is the top-level handle an application constructs once and
// drives once per frame. It owns every cooperating component — tree
// registry, page cache, traverser, sort worker, accumulators — and
// exposes only the operations a caller needs: advance a frame, adjust the
// splat budget, and release resources.
type Engine struct {
	driver *Driver
}

// NewEngine validates cfg and constructs a fully wired engine.
func NewEngine(cfg Config) (*Engine, error) {
	d, err := NewDriver(&cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{driver: d}, nil
}

// Frame advances the engine by one frame: it drives LoD selection,
// composition, and depth sorting for the given objects and viewpoint, and
// returns the accumulator the caller's rasterizer should sample this
// frame (nil until the first sort completes) along with the current
// back-to-front ordering table. dt is the frame's elapsed seconds, used
// only to advance the budget ramp.
func (e *Engine) Frame(ctx context.Context, objects []FrameObject, view View, dt float32) (*Accumulator, *OrderingTable, error) {
	return e.driver.Frame(ctx, objects, view, dt)
}

// SetBudgetScale retargets the global splat budget multiplier, ramped
// smoothly over Config.BudgetRampSeconds rather than applied instantly.
func (e *Engine) SetBudgetScale(scale float64) {
	e.driver.SetBudgetScale(scale)
}

// GetLevel returns the node indices at a given level of a tree, for
// debug/introspection tooling.
func (e *Engine) GetLevel(treeID int32, level int32) ([]int32, error) {
	return e.driver.Registry.GetLevel(treeID, level)
}

// CacheStats reports the page cache's current free/resident/total page
// counts.
func (e *Engine) CacheStats() (free, resident, total int) {
	return e.driver.Cache.Stats()
}

// Close disposes the sort worker: later sorts are refused and the results
// of sorts still in flight are discarded. The engine must not be used
// after Close.
func (e *Engine) Close() {
	e.driver.SortWorker.Close()
}
