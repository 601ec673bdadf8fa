package geo

import (
	"cogentcore.org/core/math32"
	geom "github.com/peterstace/simplefeatures/geom"
)

// DefaultTolerance is the ground-plane radius within which an agent counts as
// arrived.
const DefaultTolerance = 0.1

// GroundPoint projects a world position onto the ground plane. World x maps to
// X, world z to Y, and the height is kept as Z so it can be inspected but
// never takes part in 2D distance.
func GroundPoint(v math32.Vector3) geom.Point {
	return geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: float64(v.X), Y: float64(v.Z)},
		Z:    float64(v.Y),
		Type: geom.DimXYZ,
	})
}

// DestinationIndex answers "is this position at any destination" on the
// ground plane.
type DestinationIndex struct {
	points    geom.MultiPoint
	count     int
	tolerance float64
}

// NewDestinationIndex indexes the given destination positions.
// A non-positive tolerance falls back to DefaultTolerance.
func NewDestinationIndex(positions []math32.Vector3, tolerance float32) *DestinationIndex {
	pts := make([]geom.Point, 0, len(positions))
	for _, p := range positions {
		pts = append(pts, flat(GroundPoint(p)))
	}
	tol := float64(tolerance)
	if tol <= 0 {
		tol = DefaultTolerance
	}
	return &DestinationIndex{
		points:    geom.NewMultiPoint(pts),
		count:     len(pts),
		tolerance: tol,
	}
}

// flat drops the Z ordinate so distance is measured in XY only.
func flat(p geom.Point) geom.Point {
	return p.Force2D()
}

// Len returns the number of indexed destinations.
func (d *DestinationIndex) Len() int {
	if d == nil {
		return 0
	}
	return d.count
}

// Tolerance returns the arrival radius in world units.
func (d *DestinationIndex) Tolerance() float64 {
	return d.tolerance
}

// Distance returns the ground-plane distance from v to the nearest
// destination. ok is false when the index is empty.
func (d *DestinationIndex) Distance(v math32.Vector3) (dist float64, ok bool) {
	if d == nil || d.count == 0 {
		return 0, false
	}
	return geom.Distance(flat(GroundPoint(v)).AsGeometry(), d.points.AsGeometry())
}

// Near reports whether v lies within tolerance of any destination.
func (d *DestinationIndex) Near(v math32.Vector3) bool {
	dist, ok := d.Distance(v)
	return ok && dist <= d.tolerance
}
