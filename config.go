package splatlod

import "fmt"

// PageSize is the fixed number of splats held by a single GPU page. The
// specification fixes this value; it is not configurable.
const PageSize = 65536

// OrderingGranularity is the multiple that the ordering table's length
// always rounds up to.
const OrderingGranularity = 16384

// DeviceClass selects the default splat budget when LodSplatCount is unset.
type DeviceClass uint8

const (
	// DeviceDesktop is the default device class (2.5M splat budget).
	DeviceDesktop DeviceClass = iota
	// DeviceMobileVR is a constrained headset-class budget (0.5M splats).
	DeviceMobileVR
)

// defaultSplatBudget returns the device-default global splat budget.
func (d DeviceClass) defaultSplatBudget() int {
	switch d {
	case DeviceMobileVR:
		return 500_000
	default:
		return 2_500_000
	}
}

// Config is the single configuration object supplied at engine
// construction. Every option from the configuration table is represented.
// Validate replaces zero MaxPagedSplats, LodSplatScale, LodRenderScale and
// DisposeTimeoutMS with their defaults; other zero fields are kept as they
// are (start from DefaultConfig to get every default).
type Config struct {
	// MaxPagedSplats is the GPU page pool size in splats. Must be a
	// multiple of PageSize.
	MaxPagedSplats int
	// NumFetchers bounds the parallel fetch/decode worker count.
	NumFetchers int
	// MaxSH is the highest spherical-harmonic level retained (0..3).
	MaxSH int

	// LodSplatCount is the global target splat count. Zero means "use the
	// device-class default".
	LodSplatCount int
	// LodSplatScale multiplies the target count (device-default or
	// LodSplatCount).
	LodSplatScale float64
	// LodRenderScale multiplies pixel_scale, raising the acceptable
	// minimum splat size (lowering effective resolution).
	LodRenderScale float64

	// BehindFoveate, ConeFov0Deg, ConeFovDeg, ConeFoveate shape the global
	// foveation falloff (see foveation.go).
	BehindFoveate float64
	ConeFov0Deg   float64
	ConeFovDeg    float64
	ConeFoveate   float64

	// MinSortIntervalMS lower-bounds the interval between sort kicks.
	MinSortIntervalMS int
	// DisposeTimeoutMS is the idle-tree eviction delay.
	DisposeTimeoutMS int

	// EnableLod is the master switch for LoD-driven traversal.
	EnableLod bool
	// EnableDriveLod controls whether this driver mutates the Registry and
	// Cache (true) or merely consumes an already-driven display set
	// (false, for secondary viewports sharing one engine).
	EnableDriveLod bool

	// Device selects the default splat budget when LodSplatCount is zero.
	Device DeviceClass

	// BudgetRampSeconds smooths LodSplatScale changes over this duration
	// instead of applying them on the next frame. Zero disables ramping.
	BudgetRampSeconds float32

	// PixelScaleLimit is the smallest acceptable projected splat radius in
	// normalized pixel units. Zero disables the floor.
	PixelScaleLimit float64

	// Debug enables verbose stderr logging of per-frame timings, matching
	// the teacher's debug-stats convention.
	Debug bool
}

// DefaultConfig returns a Config with every option set to its documented
// default.
func DefaultConfig() Config {
	return Config{
		MaxPagedSplats:    PageSize * 64,
		NumFetchers:       3,
		MaxSH:             3,
		LodSplatCount:     0,
		LodSplatScale:     1.0,
		LodRenderScale:    1.0,
		BehindFoveate:     1.0,
		ConeFov0Deg:       180,
		ConeFovDeg:        180,
		ConeFoveate:       1.0,
		MinSortIntervalMS: 0,
		DisposeTimeoutMS:  3000,
		EnableLod:         true,
		EnableDriveLod:    true,
		Device:            DeviceDesktop,
		BudgetRampSeconds: 0.5,
		PixelScaleLimit:   0,
		Debug:             false,
	}
}

// Validate checks the configuration for internal consistency and fills in
// zero (or negative) MaxPagedSplats, LodSplatScale, LodRenderScale and
// DisposeTimeoutMS with their defaults, matching the teacher's
// constructor-time validation style. A zero NumFetchers is rejected, not
// filled. Returns ErrInvalidArgument wrapped with details on failure.
func (c *Config) Validate() error {
	if c.MaxPagedSplats <= 0 {
		c.MaxPagedSplats = DefaultConfig().MaxPagedSplats
	}
	if c.MaxPagedSplats%PageSize != 0 {
		return fmt.Errorf("%w: MaxPagedSplats %d is not a multiple of page size %d",
			ErrInvalidArgument, c.MaxPagedSplats, PageSize)
	}
	if c.NumFetchers <= 0 {
		return fmt.Errorf("%w: NumFetchers must be positive, got %d", ErrInvalidArgument, c.NumFetchers)
	}
	if c.MaxSH < 0 || c.MaxSH > 3 {
		return fmt.Errorf("%w: MaxSH must be in [0,3], got %d", ErrInvalidArgument, c.MaxSH)
	}
	if c.LodSplatScale <= 0 {
		c.LodSplatScale = 1.0
	}
	if c.LodRenderScale <= 0 {
		c.LodRenderScale = 1.0
	}
	if c.ConeFov0Deg < 0 || c.ConeFovDeg < c.ConeFov0Deg || c.ConeFovDeg > 180 {
		return fmt.Errorf("%w: cone angles must satisfy 0 <= ConeFov0Deg <= ConeFovDeg <= 180", ErrInvalidArgument)
	}
	if c.MinSortIntervalMS < 0 {
		return fmt.Errorf("%w: MinSortIntervalMS must be non-negative", ErrInvalidArgument)
	}
	if c.DisposeTimeoutMS <= 0 {
		c.DisposeTimeoutMS = DefaultConfig().DisposeTimeoutMS
	}
	if c.BudgetRampSeconds < 0 {
		return fmt.Errorf("%w: BudgetRampSeconds must be non-negative", ErrInvalidArgument)
	}
	if c.PixelScaleLimit < 0 {
		return fmt.Errorf("%w: PixelScaleLimit must be non-negative", ErrInvalidArgument)
	}
	return nil
}

// PageCount returns the number of pages the configured pool holds.
func (c *Config) PageCount() int {
	return c.MaxPagedSplats / PageSize
}

// effectiveBudget returns the global splat budget given LodSplatCount (if
// set), the device default otherwise, multiplied by LodSplatScale.
func (c *Config) effectiveBudget() int {
	base := c.LodSplatCount
	if base <= 0 {
		base = c.Device.defaultSplatBudget()
	}
	return int(float64(base) * c.LodSplatScale)
}
