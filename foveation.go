package splatlod

import "math"

// foveationShape holds the resolved (instance-overridden or engine-global)
// foveation cone parameters for one instance.
type foveationShape struct {
	behindFoveate float64
	cone0         float64 // half-angle in radians where factor == 1
	cone1         float64 // half-angle in radians where factor == coneFoveate
	coneFoveate   float64
}

// resolveFoveation merges instance overrides onto the engine defaults: a
// zero field on the instance means "inherit".
func resolveFoveation(inst InstanceParams, cfg *Config) foveationShape {
	behind := inst.BehindFoveate
	fov0 := inst.ConeFov0Deg
	fov1 := inst.ConeFovDeg
	foveate := inst.ConeFoveate
	if behind == 0 {
		behind = cfg.BehindFoveate
	}
	if fov0 == 0 {
		fov0 = cfg.ConeFov0Deg
	}
	if fov1 == 0 {
		fov1 = cfg.ConeFovDeg
	}
	if foveate == 0 {
		foveate = cfg.ConeFoveate
	}
	return foveationShape{
		behindFoveate: behind,
		cone0:         fov0 * math.Pi / 180 / 2,
		cone1:         fov1 * math.Pi / 180 / 2,
		coneFoveate:   foveate,
	}
}

// smoothstep is the cubic Hermite interpolation 3t^2 - 2t^3, chosen (per
// the open question on foveation falloff shape) over a linear ramp because
// it has zero derivative at both ends: a linear falloff produces a visible
// facet line at the cone boundary as the bisection-driven threshold moves
// nodes in and out of selection across frames, while the cubic curve fades
// continuously.
func smoothstep(edge0, edge1, x float64) float64 {
	if edge0 == edge1 {
		if x < edge0 {
			return 0
		}
		return 1
	}
	t := (x - edge0) / (edge1 - edge0)
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return t * t * (3 - 2*t)
}

// factor returns the foveation multiplier for the angle (radians, measured
// from the view axis) between the camera's forward direction and the
// vector to a node.
//
//   - angle <= cone0:            1 (full resolution)
//   - cone0 < angle <= cone1:    smoothstep 1 -> coneFoveate
//   - cone1 < angle <= pi:       smoothstep coneFoveate -> behindFoveate
func (f foveationShape) factor(angle float64) float64 {
	switch {
	case angle <= f.cone0:
		return 1
	case angle <= f.cone1:
		t := smoothstep(f.cone0, f.cone1, angle)
		return 1 + (f.coneFoveate-1)*t
	default:
		t := smoothstep(f.cone1, math.Pi, angle)
		return f.coneFoveate + (f.behindFoveate-f.coneFoveate)*t
	}
}

// angleFromAxis returns the angle in radians between the +Z view axis and
// the direction to p (assumed already in view space, p != origin).
func angleFromAxis(p Vec3) float64 {
	len := math.Sqrt(p.X*p.X + p.Y*p.Y + p.Z*p.Z)
	if len < 1e-12 {
		return 0
	}
	cosA := p.Z / len
	if cosA > 1 {
		cosA = 1
	} else if cosA < -1 {
		cosA = -1
	}
	return math.Acos(cosA)
}
