package scaninfo

import (
	"math"
)

// Generator computes a geometric ground-truth quantity at a point in the
// phantom's own coordinate frame (origin at the cross-section centroid,
// units of mm).
type Generator func(x, y float64) float64

// Generator map keys shared by the infill patterns.
const (
	GenDirection     = "direction"
	GenCrossingAngle = "crossing_angle"
	GenArcRadius     = "arc_radius"
)

// Pattern describes the infill geometry of a printed phantom. Each pattern
// exposes the quantities its geometry defines; a quantity missing from the
// map has no consistent definition for that pattern.
type Pattern interface {
	GeometryGenerators() map[string]Generator
}

// EmptyPattern is a placeholder for slices with no printed structure, such
// as water-only fiducial slices.
type EmptyPattern struct{}

// GeometryGenerators returns no generators: water has no fibre geometry.
func (EmptyPattern) GeometryGenerators() map[string]Generator {
	return map[string]Generator{}
}

// ParallelLinePattern is an infill of parallel straight lines. The line
// direction is given as it was entered in the slicer, in degrees from the
// positive y axis.
type ParallelLinePattern struct {
	CuraAngle float64
}

// GeometryGenerators exposes a constant fibre direction and a zero crossing
// angle, since parallel lines have no orientation dispersion.
func (p ParallelLinePattern) GeometryGenerators() map[string]Generator {
	return map[string]Generator{
		GenDirection:     func(x, y float64) float64 { return 90 - p.CuraAngle },
		GenCrossingAngle: func(x, y float64) float64 { return 0 },
	}
}

// ConcentricArcPattern is an infill of concentric arcs around a common
// center, representing bending fibres. OriginX/OriginY locate that center
// relative to the phantom centroid.
type ConcentricArcPattern struct {
	OriginX float64
	OriginY float64
}

// GeometryGenerators exposes the tangent fibre direction, the local arc
// radius, and a zero crossing angle.
func (p ConcentricArcPattern) GeometryGenerators() map[string]Generator {
	return map[string]Generator{
		GenDirection:     p.direction,
		GenArcRadius:     p.arcRadius,
		GenCrossingAngle: func(x, y float64) float64 { return 0 },
	}
}

// direction returns the arc tangent angle at a point, folded into
// (-90, 90] degrees.
func (p ConcentricArcPattern) direction(x, y float64) float64 {
	dx := p.OriginX - x
	dy := p.OriginY - y
	if dx == 0 {
		return 0
	}

	dispAngle := math.Atan(dy/dx) * 180 / math.Pi
	if dispAngle > 0 {
		return dispAngle - 90
	}
	return dispAngle + 90
}

func (p ConcentricArcPattern) arcRadius(x, y float64) float64 {
	dx := p.OriginX - x
	dy := p.OriginY - y
	return math.Hypot(dx, dy)
}

// AlternatingPattern switches between two patterns from layer to layer, so
// each voxel sees fibres of both.
type AlternatingPattern struct {
	A Pattern
	B Pattern
}

// GeometryGenerators exposes the crossing angle between the two layer
// directions, and the tightest arc radius present in a voxel (zero when
// neither pattern bends).
func (p AlternatingPattern) GeometryGenerators() map[string]Generator {
	return map[string]Generator{
		GenCrossingAngle: p.crossingAngle,
		GenArcRadius:     p.arcRadius,
	}
}

func (p AlternatingPattern) crossingAngle(x, y float64) float64 {
	genA, okA := p.A.GeometryGenerators()[GenDirection]
	genB, okB := p.B.GeometryGenerators()[GenDirection]
	if !okA || !okB {
		// A sub-pattern without a direction leaves the crossing angle
		// undefined.
		return math.NaN()
	}

	return foldCrossingAngle(genA(x, y), genB(x, y))
}

func (p AlternatingPattern) arcRadius(x, y float64) float64 {
	best := math.Inf(1)
	found := false
	for _, sub := range []Pattern{p.A, p.B} {
		if gen, ok := sub.GeometryGenerators()[GenArcRadius]; ok {
			r := gen(x, y)
			if r < best {
				best = r
			}
			found = true
		}
	}

	// Zero means no fibre curvature in this voxel.
	if !found {
		return 0
	}
	return best
}

// ArcLinePattern alternates concentric arcs with straight lines, giving a
// position-dependent crossing angle between arc tangent and line direction.
type ArcLinePattern struct {
	OriginX   float64
	OriginY   float64
	CuraAngle float64
}

// GeometryGenerators exposes the arc/line crossing angle and the arc
// radius.
func (p ArcLinePattern) GeometryGenerators() map[string]Generator {
	arcs := ConcentricArcPattern{OriginX: p.OriginX, OriginY: p.OriginY}
	lines := ParallelLinePattern{CuraAngle: p.CuraAngle}

	return map[string]Generator{
		GenCrossingAngle: func(x, y float64) float64 {
			return foldCrossingAngle(
				arcs.direction(x, y),
				lines.GeometryGenerators()[GenDirection](x, y))
		},
		GenArcRadius: arcs.arcRadius,
	}
}

// foldCrossingAngle reduces the angle between two fibre directions to the
// acute equivalent in [0, 90].
func foldCrossingAngle(dirA, dirB float64) float64 {
	crossing := math.Max(dirA, dirB) - math.Min(dirA, dirB)
	if crossing > 90 {
		return 180 - crossing
	}
	return crossing
}
