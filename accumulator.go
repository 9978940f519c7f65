package splatlod

import (
	"image"
	"sort"

	"github.com/hajimehoshi/ebiten/v2"
)

// indexTexWidth is the fixed row width of a per-object index texture.
const indexTexWidth = 1024

// Accumulator is a composed per-object index table feeding the
// rasterizer, plus a depth readback target. Exactly one accumulator is
// displayed, one is current (being prepared), and the rest sit free —
// three rotate in total to decouple composition from sort.
type Accumulator struct {
	MappingVersion     int64
	CompositionVersion int64
	ActiveCount        int

	indexTextures map[int32]*ebiten.Image
	depthTarget   *ebiten.Image

	objectSetKey string
	inUse        bool
}

func newAccumulator() *Accumulator {
	return &Accumulator{indexTextures: make(map[int32]*ebiten.Image)}
}

// objectSetSignature derives a stable key from the set of tree-ids present
// in results, independent of order, so Prepare can detect whether the
// composition's object membership actually changed.
func objectSetSignature(results []InstanceResult) string {
	ids := make([]int32, len(results))
	for i, r := range results {
		ids[i] = r.TreeID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var b []byte
	for _, id := range ids {
		b = append(b, byte(id), byte(id>>8), byte(id>>16), byte(id>>24), ',')
	}
	return string(b)
}

// Prepare stages a new composition against results. It returns a generate
// closure that, when called, actually writes the per-object index
// textures — composition is split from generation so the Driver can gate
// on whether anything changed before paying for the GPU upload.
func (a *Accumulator) Prepare(results []InstanceResult) (mappingVersion int64, generate func()) {
	key := objectSetSignature(results)
	if key != a.objectSetKey {
		a.MappingVersion++
		a.objectSetKey = key
	}
	mappingVersion = a.MappingVersion

	generate = func() {
		active := 0
		seen := make(map[int32]bool, len(results))
		for _, r := range results {
			seen[r.TreeID] = true
			a.writeIndexTexture(r)
			active += len(r.Indices)
		}
		for id, tex := range a.indexTextures {
			if !seen[id] {
				tex.Deallocate()
				delete(a.indexTextures, id)
			}
		}
		a.ActiveCount = active
		a.CompositionVersion++
	}
	return
}

// writeIndexTexture uploads one instance's selected node indices into its
// per-object index texture, growing it if necessary.
func (a *Accumulator) writeIndexTexture(r InstanceResult) {
	n := len(r.Indices)
	rows := (n + indexTexWidth - 1) / indexTexWidth
	if rows < 1 {
		rows = 1
	}
	tex := a.indexTextures[r.TreeID]
	if tex == nil || tex.Bounds().Dy() < rows {
		if tex != nil {
			tex.Deallocate()
		}
		tex = ebiten.NewImageWithOptions(
			image.Rect(0, 0, indexTexWidth, rows),
			&ebiten.NewImageOptions{Unmanaged: true},
		)
		a.indexTextures[r.TreeID] = tex
	}
	pixels := make([]byte, rows*indexTexWidth*4)
	for i, idx := range r.Indices {
		u := uint32(idx)
		pixels[i*4+0] = byte(u)
		pixels[i*4+1] = byte(u >> 8)
		pixels[i*4+2] = byte(u >> 16)
		pixels[i*4+3] = byte(u >> 24)
	}
	tex.WritePixels(pixels)
}

// EnsureDepthTarget lazily allocates (growing as needed) the depth
// readback target sized to hold activeCount splats, rounded up to the
// ordering granularity since the Sort Worker's output buffer shares that
// sizing convention. The caller's rasterizer draws each active splat's
// depth into this target before the Driver reads it back via ReadDepth.
func (a *Accumulator) EnsureDepthTarget(activeCount int) *ebiten.Image {
	need := roundUpOrdering(activeCount)
	rows := (need + orderingTexWidth - 1) / orderingTexWidth
	if a.depthTarget == nil || a.depthTarget.Bounds().Dy() < rows {
		if a.depthTarget != nil {
			a.depthTarget.Deallocate()
		}
		a.depthTarget = ebiten.NewImageWithOptions(
			image.Rect(0, 0, orderingTexWidth, rows),
			&ebiten.NewImageOptions{Unmanaged: true},
		)
	}
	return a.depthTarget
}

// ReadDepth performs the (conceptually async) GPU depth readback used to
// feed the Sort Worker, returning one u32 encoding per active splat.
func (a *Accumulator) ReadDepth() []uint32 {
	if a.depthTarget == nil || a.ActiveCount == 0 {
		return nil
	}
	bounds := a.depthTarget.Bounds()
	pixels := make([]byte, bounds.Dx()*bounds.Dy()*4)
	a.depthTarget.ReadPixels(pixels)
	out := make([]uint32, a.ActiveCount)
	for i := 0; i < a.ActiveCount; i++ {
		off := i * 4
		out[i] = uint32(pixels[off]) | uint32(pixels[off+1])<<8 | uint32(pixels[off+2])<<16 | uint32(pixels[off+3])<<24
	}
	return out
}

// accumulatorPool rotates exactly three accumulators, matching the
// specification's "three rotating accumulators kept" invariant.
type accumulatorPool struct {
	all  [3]*Accumulator
	free []*Accumulator
}

func newAccumulatorPool() *accumulatorPool {
	p := &accumulatorPool{}
	for i := range p.all {
		p.all[i] = newAccumulator()
		p.free = append(p.free, p.all[i])
	}
	return p
}

// Acquire pops a free accumulator, or returns nil if all three are in use
// (composition is then deferred to the next frame).
func (p *accumulatorPool) Acquire() *Accumulator {
	if len(p.free) == 0 {
		return nil
	}
	a := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	a.inUse = true
	return a
}

// Release returns an accumulator to the free list.
func (p *accumulatorPool) Release(a *Accumulator) {
	if a == nil || !a.inUse {
		return
	}
	a.inUse = false
	p.free = append(p.free, a)
}
