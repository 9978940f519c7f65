package splatlod

import (
	"image"

	"github.com/hajimehoshi/ebiten/v2"
)

// orderingTexWidth is the fixed row width of the ordering table's GPU
// texture; rows are added as capacity grows.
const orderingTexWidth = 1024

// OrderingTable is the back-to-front permutation of currently active
// splats consumed by the rasterizer. Its GPU texture is recreated only
// when capacity is exceeded; otherwise it is updated in place, matching
// the "length grows monotonically" invariant.
type OrderingTable struct {
	Version  int64
	Length   int
	capacity int
	texture  *ebiten.Image
}

// NewOrderingTable creates an empty ordering table.
func NewOrderingTable() *OrderingTable {
	return &OrderingTable{}
}

// Update writes a new permutation into the table, growing the backing
// texture if ordering exceeds current capacity, and bumps Version.
func (o *OrderingTable) Update(ordering []int32) {
	n := len(ordering)
	if n > o.capacity {
		rows := (n + orderingTexWidth - 1) / orderingTexWidth
		if rows < 1 {
			rows = 1
		}
		o.capacity = rows * orderingTexWidth
		if o.texture != nil {
			o.texture.Deallocate()
		}
		o.texture = ebiten.NewImageWithOptions(
			image.Rect(0, 0, orderingTexWidth, rows),
			&ebiten.NewImageOptions{Unmanaged: true},
		)
	}
	pixels := make([]byte, o.capacity*4)
	for i, v := range ordering {
		u := uint32(v)
		pixels[i*4+0] = byte(u)
		pixels[i*4+1] = byte(u >> 8)
		pixels[i*4+2] = byte(u >> 16)
		pixels[i*4+3] = byte(u >> 24)
	}
	if o.texture != nil {
		o.texture.WritePixels(pixels)
	}
	o.Length = n
	o.Version++
}

// Texture returns the GPU-resident texture backing the ordering table, or
// nil if Update has never been called.
func (o *OrderingTable) Texture() *ebiten.Image {
	return o.texture
}
