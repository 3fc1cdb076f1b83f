// Package geometry converts between the GEM module's (U,V) strip
// coordinates and (X,Y) module-local coordinates, and from module-local
// to tracker-global coordinates.
//
// Every transform here is a fixed 2x2 or 3x1 operation expressed as
// plain float64 arithmetic (matching internal/lidar/transform.go's
// SphericalToCartesian/ApplyPose convention) rather than pulling in a
// matrix library.
package geometry

import "math"

// Axis identifies one of the two non-orthogonal strip readout directions.
type Axis int

const (
	// U is the first readout axis.
	U Axis = iota
	// V is the second readout axis.
	V
)

// Projection holds the (cos θ, sin θ) projection of a strip axis onto the
// module's (X,Y) plane.
type Projection struct {
	CosTheta float64
	SinTheta float64
}

// NewProjection builds a Projection from an axis angle in radians,
// measured relative to the module's X axis.
func NewProjection(angleRad float64) Projection {
	return Projection{CosTheta: math.Cos(angleRad), SinTheta: math.Sin(angleRad)}
}

// Matrix2x2 is a dense 2x2 matrix stored row-major: [a b; c d].
type Matrix2x2 struct {
	A, B, C, D float64
}

// Det returns the determinant of m.
func (m Matrix2x2) Det() float64 {
	return m.A*m.D - m.B*m.C
}

// Invert returns the inverse of m. Singular matrices (det == 0, i.e. the
// U and V axes are parallel) return the zero matrix; the axis angles are
// not checked for this at configuration load time.
func (m Matrix2x2) Invert() Matrix2x2 {
	det := m.Det()
	if det == 0 {
		return Matrix2x2{}
	}
	inv := 1.0 / det
	return Matrix2x2{
		A: m.D * inv,
		B: -m.B * inv,
		C: -m.C * inv,
		D: m.A * inv,
	}
}

// Apply returns m * (x, y).
func (m Matrix2x2) Apply(x, y float64) (float64, float64) {
	return m.A*x + m.B*y, m.C*x + m.D*y
}

// Transform holds the precomputed forward (U,V)->(X,Y) matrix and its
// inverse, built once from the module's two axis projections when the
// module is created and reused for every event.
type Transform struct {
	// UVtoXY maps (u, v) -> (x, y).
	UVtoXY Matrix2x2
	// XYtoUV maps (x, y) -> (u, v); the inverse of UVtoXY.
	XYtoUV Matrix2x2
}

// NewTransform builds the forward/inverse projection matrices from the
// U and V axis projections. The XYtoUV matrix rows are the axis
// projection vectors: row 0 = U projection, row 1 = V projection; UVtoXY
// is its inverse, so applying it to (u,v) solves the 2x2 linear system
// u = x*cosU + y*sinU, v = x*cosV + y*sinV for (x,y).
func NewTransform(uAxis, vAxis Projection) Transform {
	// The system above is [cosU sinU; cosV sinV] * (x,y)^T = (u,v)^T, so
	// XYtoUV is that matrix directly, and UVtoXY is its inverse.
	xyToUV := Matrix2x2{
		A: uAxis.CosTheta, B: uAxis.SinTheta,
		C: vAxis.CosTheta, D: vAxis.SinTheta,
	}
	return Transform{
		UVtoXY: xyToUV.Invert(),
		XYtoUV: xyToUV,
	}
}

// ToXY converts (u, v) local strip coordinates to (x, y) module-local
// coordinates.
func (t Transform) ToXY(u, v float64) (x, y float64) {
	return t.UVtoXY.Apply(u, v)
}

// ToUV converts (x, y) module-local coordinates to (u, v) local strip
// coordinates.
func (t Transform) ToUV(x, y float64) (u, v float64) {
	return t.XYtoUV.Apply(x, y)
}

// StripCenter returns the coordinate of the center of strip i along an
// axis with the given pitch, strip count and offset, using the
// convention strip i has center (i + 0.5 - 0.5*N)*pitch + offset.
func StripCenter(i int, nstrips int, pitch, offset float64) float64 {
	return (float64(i)+0.5-0.5*float64(nstrips))*pitch + offset
}

// Origin is a module's position in tracker-global coordinates.
type Origin struct {
	X, Y, Z float64
}

// Orientation is the module's plane basis in tracker-global coordinates:
// the X and Y axes of the module plane, expressed as 3-vectors in the
// global frame. The module's normal is their cross product and is not
// needed for the planar (x,y)->(X,Y,Z) projection used here.
type Orientation struct {
	XAxis [3]float64
	YAxis [3]float64
}

// LocalToGlobal projects a module-local (x, y) point into tracker-global
// (X, Y, Z) coordinates given the module's origin and orientation.
func LocalToGlobal(x, y float64, origin Origin, orient Orientation) (gx, gy, gz float64) {
	gx = origin.X + x*orient.XAxis[0] + y*orient.YAxis[0]
	gy = origin.Y + x*orient.XAxis[1] + y*orient.YAxis[1]
	gz = origin.Z + x*orient.XAxis[2] + y*orient.YAxis[2]
	return gx, gy, gz
}
