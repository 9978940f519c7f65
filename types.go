package splatlod

import "math"

// Vec3 is a plain 3-component vector used for node centers and view
// directions.
type Vec3 struct {
	X, Y, Z float64
}

// Mat4 is a column-major 4x4 matrix, matching the view-to-object transform
// convention named in the traversal inputs.
type Mat4 [16]float64

// finite reports whether every element of m is finite (not NaN or Inf).
// A non-finite matrix makes projection meaningless and is rejected with
// ErrDegenerateProjection.
func (m Mat4) finite() bool {
	for _, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// transformPoint applies m to the point p, including translation.
func (m Mat4) transformPoint(p Vec3) Vec3 {
	return Vec3{
		X: m[0]*p.X + m[4]*p.Y + m[8]*p.Z + m[12],
		Y: m[1]*p.X + m[5]*p.Y + m[9]*p.Z + m[13],
		Z: m[2]*p.X + m[6]*p.Y + m[10]*p.Z + m[14],
	}
}

// IdentityMat4 returns the identity transform.
func IdentityMat4() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// InstanceParams describes one instance's contribution to a traversal:
// which tree it draws from, its view-to-object transform, and its
// foveation shape overrides.
type InstanceParams struct {
	TreeID int32
	// ViewToObject is applied directly to a node's object-space center and
	// must yield the node's view-space position (camera at the origin, +Z
	// forward); see the convention documented on Traverser. No inversion
	// is performed.
	ViewToObject Mat4
	// LodScale multiplies this instance's projected radius, letting
	// per-instance scaling (e.g. a shrunk preview) bias detail selection.
	LodScale float64

	// BehindFoveate, ConeFov0Deg, ConeFovDeg, ConeFoveate override the
	// engine-global foveation shape for this instance when non-zero; a zero
	// field inherits the engine default.
	BehindFoveate float64
	ConeFov0Deg   float64
	ConeFovDeg    float64
	ConeFoveate   float64
}

// TraverseParams carries the per-frame global inputs to the traverser.
type TraverseParams struct {
	// MaxSplats is the global budget for this traversal.
	MaxSplats int
	// PixelScaleLimit is the smallest acceptable projected splat radius in
	// normalized pixel units; zero disables the floor.
	PixelScaleLimit float64
	// LastPixelLimit is the previous frame's chosen threshold, used to
	// warm-start the bisection search.
	LastPixelLimit float64
	// PixelScale converts intrinsic radii into normalized pixel units:
	// 2*tan(fovY/2) / renderHeight.
	PixelScale float64
}

// InstanceResult is the per-instance output of a traversal: the node
// indices selected for rendering.
type InstanceResult struct {
	TreeID  int32
	Indices []int32
}

// ChunkRef identifies one chunk of one tree, the unit referenced by the
// priority list and the tree-update protocol.
type ChunkRef struct {
	TreeID  int32
	ChunkID int32
}

// TraverseResult is the full output of one multi-tree traversal.
type TraverseResult struct {
	Instances []InstanceResult
	// Chunks is the deduplicated set of chunks referenced by gated-but-absent
	// nodes, used by the Cache to build its fetch priority list. Ordered by
	// depth-first traversal visitation order (instances in the order given,
	// each tree root-to-leaf with children in index order); no ranking by
	// projected size or distance is applied.
	Chunks []ChunkRef
	// Active is the deduplicated set of resident chunks backing every
	// selected node, used by the Cache to refresh LRU recency for pages
	// actually in use this frame.
	Active []ChunkRef
	// Tau is the resolved global threshold, returned for the next frame's
	// warm start.
	Tau float64
}
