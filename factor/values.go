package factor

import (
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
)

// Values maps variable keys to their current values. Poses and pose landmarks
// are spatialmath.Pose, point landmarks are r3.Vector, and switch variables
// are float64.
type Values map[Key]interface{}

// Pose returns the pose stored under the key, if any.
func (v Values) Pose(k Key) (spatialmath.Pose, bool) {
	p, ok := v[k].(spatialmath.Pose)
	return p, ok
}

// Point returns the 3D point stored under the key, if any.
func (v Values) Point(k Key) (r3.Vector, bool) {
	p, ok := v[k].(r3.Vector)
	return p, ok
}

// Scalar returns the scalar stored under the key, if any.
func (v Values) Scalar(k Key) (float64, bool) {
	s, ok := v[k].(float64)
	return s, ok
}

// Copy returns a shallow copy of the value map. Stored values are immutable
// by convention, so a shallow copy is a safe snapshot.
func (v Values) Copy() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Merge inserts every entry of other whose key is not yet present.
func (v Values) Merge(other Values) {
	for k, val := range other {
		if _, ok := v[k]; !ok {
			v[k] = val
		}
	}
}

// Dim returns the tangent-space dimension of a variable value: 6 for poses,
// 3 for points, 1 for scalars.
func Dim(val interface{}) int {
	switch val.(type) {
	case spatialmath.Pose:
		return 6
	case r3.Vector:
		return 3
	case float64:
		return 1
	default:
		return 0
	}
}

// Retract applies a tangent-space increment to a value and returns the moved
// value. Pose increments use the [tx ty tz rx ry rz] layout and compose on
// the right, matching PoseLog's local chart.
func Retract(val interface{}, delta []float64) interface{} {
	switch t := val.(type) {
	case spatialmath.Pose:
		inc := spatialmath.NewPose(
			r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]},
			orientationFromRotVec(r3.Vector{X: delta[3], Y: delta[4], Z: delta[5]}),
		)
		return spatialmath.Compose(t, inc)
	case r3.Vector:
		return r3.Vector{X: t.X + delta[0], Y: t.Y + delta[1], Z: t.Z + delta[2]}
	case float64:
		return t + delta[0]
	default:
		return val
	}
}

// PoseLog maps a pose to its 6-vector local coordinates: translation followed
// by the axis-angle rotation vector.
func PoseLog(p spatialmath.Pose) []float64 {
	pt := p.Point()
	aa := p.Orientation().AxisAngles()
	return []float64{pt.X, pt.Y, pt.Z, aa.Theta * aa.RX, aa.Theta * aa.RY, aa.Theta * aa.RZ}
}

func orientationFromRotVec(w r3.Vector) spatialmath.Orientation {
	theta := w.Norm()
	if theta < 1e-12 {
		return spatialmath.NewZeroOrientation()
	}
	return &spatialmath.R4AA{Theta: theta, RX: w.X / theta, RY: w.Y / theta, RZ: w.Z / theta}
}
