package annotation

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// DefaultBackOffset pushes a new car this far past the observer along the
	// viewing axis, in scene units.
	DefaultBackOffset = 370.0

	// DefaultDegreesPerPixel converts drag distance to rotation.
	DefaultDegreesPerPixel = 1.0
)

// Pose is the position, orientation and per-axis scale of a displayed object.
// Orientation is a unit quaternion.
type Pose struct {
	Position    r3.Vec
	Orientation quat.Number
	Scale       r3.Vec
}

// IdentityPose sits at the origin, unrotated, at unit scale.
func IdentityPose() Pose {
	return Pose{
		Orientation: quat.Number{Real: 1},
		Scale:       r3.Vec{X: 1, Y: 1, Z: 1},
	}
}

// Rotate applies the pose's orientation to v.
func (p Pose) Rotate(v r3.Vec) r3.Vec {
	return r3.Rotation(p.Orientation).Rotate(v)
}

// Matrix returns the row-major 4x4 transform T*R*S for the renderer.
func (p Pose) Matrix() [4][4]float64 {
	cols := [3]r3.Vec{
		r3.Scale(p.Scale.X, p.Rotate(r3.Vec{X: 1})),
		r3.Scale(p.Scale.Y, p.Rotate(r3.Vec{Y: 1})),
		r3.Scale(p.Scale.Z, p.Rotate(r3.Vec{Z: 1})),
	}
	var m [4][4]float64
	for j, c := range cols {
		m[0][j], m[1][j], m[2][j] = c.X, c.Y, c.Z
	}
	m[0][3], m[1][3], m[2][3] = p.Position.X, p.Position.Y, p.Position.Z
	m[3][3] = 1
	return m
}

// Observer is the viewer's camera position and viewing direction.
type Observer struct {
	Position r3.Vec
	Forward  r3.Vec
}

// DefaultObserver stands at the origin looking down -Z.
func DefaultObserver() Observer {
	return Observer{Forward: r3.Vec{Z: -1}}
}

// ObserverFromTransform reads a camera transform laid out with basis vectors
// in rows and the translation in the last row (m[r][c] is m{r+1}{c+1}). The
// camera looks down its negative Z axis.
func ObserverFromTransform(m [4][4]float64) Observer {
	return Observer{
		Position: r3.Vec{X: m[3][0], Y: m[3][1], Z: m[3][2]},
		Forward:  r3.Vec{X: -m[2][0], Y: -m[2][1], Z: -m[2][2]},
	}
}

// PlaceNewObject computes the spawn pose of a new object: one forward vector
// ahead of the observer, then backOffset further along the viewing axis. A
// zero forward vector is treated as -Z.
func PlaceNewObject(observerPosition, observerForward r3.Vec, backOffset float64) Pose {
	fwd := observerForward
	if r3.Norm(fwd) == 0 {
		fwd = r3.Vec{Z: -1}
	}
	pos := r3.Add(observerPosition, r3.Add(fwd, r3.Scale(backOffset, r3.Unit(fwd))))
	p := IdentityPose()
	p.Position = pos
	return p
}

// ApplyPan rotates p by a screen drag using DefaultDegreesPerPixel.
func ApplyPan(p Pose, dx, dy float64) Pose {
	return ApplyPanScaled(p, dx, dy, DefaultDegreesPerPixel)
}

// ApplyPanScaled rotates p about X by dy and about Y by -dx, each scaled by
// degPerPx, on top of the current orientation.
func ApplyPanScaled(p Pose, dx, dy, degPerPx float64) Pose {
	toRad := degPerPx * math.Pi / 180
	rx := quat.Number(r3.NewRotation(dy*toRad, r3.Vec{X: 1}))
	ry := quat.Number(r3.NewRotation(-dx*toRad, r3.Vec{Y: 1}))
	delta := quat.Mul(ry, rx)
	p.Orientation = normalize(quat.Mul(delta, p.Orientation))
	return p
}

// ApplyPinch multiplies every scale axis by factor.
func ApplyPinch(p Pose, factor float64) Pose {
	p.Scale = r3.Scale(factor, p.Scale)
	return p
}

// normalize keeps accumulated rotations on the unit sphere.
func normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}
