package factor

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/spatialmath"
)

// Factor is a probabilistic constraint over one or more variables. Error
// evaluates the whitened residual at the given values and fails if any
// referenced variable is absent or of the wrong type.
type Factor interface {
	Keys() []Key
	Dim() int
	Error(v Values) ([]float64, error)
}

// switchGain shapes the logistic weight a switch variable applies to its
// constraint: weight(1) is near full strength, weight(0) near zero.
const switchGain = 10.0

// SwitchWeight maps a raw switch value to the multiplicative strength of its
// constraint, a sigmoid centered halfway between off and on.
func SwitchWeight(s float64) float64 {
	return 1.0 / (1.0 + math.Exp(-switchGain*(s-0.5)))
}

func missingVariable(k Key) error {
	return errors.Errorf("factor references missing variable %s", k)
}

// PosePrior anchors a pose variable to an absolute value.
type PosePrior struct {
	Key   Key
	Value spatialmath.Pose
	Noise Diagonal
}

// Keys implements Factor.
func (f *PosePrior) Keys() []Key { return []Key{f.Key} }

// Dim implements Factor.
func (f *PosePrior) Dim() int { return 6 }

// Error implements Factor.
func (f *PosePrior) Error(v Values) ([]float64, error) {
	p, ok := v.Pose(f.Key)
	if !ok {
		return nil, missingVariable(f.Key)
	}
	return f.Noise.Whiten(PoseLog(spatialmath.PoseBetween(f.Value, p))), nil
}

// PointPrior anchors a point landmark to an absolute position. The first few
// promoted landmarks receive one to fix monocular scale.
type PointPrior struct {
	Key   Key
	Value r3.Vector
	Noise Diagonal
}

// Keys implements Factor.
func (f *PointPrior) Keys() []Key { return []Key{f.Key} }

// Dim implements Factor.
func (f *PointPrior) Dim() int { return 3 }

// Error implements Factor.
func (f *PointPrior) Error(v Values) ([]float64, error) {
	p, ok := v.Point(f.Key)
	if !ok {
		return nil, missingVariable(f.Key)
	}
	return f.Noise.Whiten([]float64{p.X - f.Value.X, p.Y - f.Value.Y, p.Z - f.Value.Z}), nil
}

// SwitchPrior anchors a switch variable near full confidence so that
// down-weighting a constraint has a cost.
type SwitchPrior struct {
	Key   Key
	Value float64
	Noise Diagonal
}

// Keys implements Factor.
func (f *SwitchPrior) Keys() []Key { return []Key{f.Key} }

// Dim implements Factor.
func (f *SwitchPrior) Dim() int { return 1 }

// Error implements Factor.
func (f *SwitchPrior) Error(v Values) ([]float64, error) {
	s, ok := v.Scalar(f.Key)
	if !ok {
		return nil, missingVariable(f.Key)
	}
	return f.Noise.Whiten([]float64{s - f.Value}), nil
}

// BetweenPose constrains value(To) to approximately equal value(From)
// composed with the measured delta.
type BetweenPose struct {
	From  Key
	To    Key
	Delta spatialmath.Pose
	Noise Diagonal
}

// Keys implements Factor.
func (f *BetweenPose) Keys() []Key { return []Key{f.From, f.To} }

// Dim implements Factor.
func (f *BetweenPose) Dim() int { return 6 }

// Error implements Factor.
func (f *BetweenPose) Error(v Values) ([]float64, error) {
	a, ok := v.Pose(f.From)
	if !ok {
		return nil, missingVariable(f.From)
	}
	b, ok := v.Pose(f.To)
	if !ok {
		return nil, missingVariable(f.To)
	}
	pred := spatialmath.PoseBetween(a, b)
	return f.Noise.Whiten(PoseLog(spatialmath.PoseBetween(f.Delta, pred))), nil
}

// SwitchableBetweenPose is a BetweenPose whose whitened residual is scaled by
// the confidence of an associated switch variable, letting the solver jointly
// down-weight an inconsistent constraint instead of averaging it in.
type SwitchableBetweenPose struct {
	From   Key
	To     Key
	Switch Key
	Delta  spatialmath.Pose
	Noise  Diagonal
}

// Keys implements Factor.
func (f *SwitchableBetweenPose) Keys() []Key { return []Key{f.From, f.To, f.Switch} }

// Dim implements Factor.
func (f *SwitchableBetweenPose) Dim() int { return 6 }

// Error implements Factor.
func (f *SwitchableBetweenPose) Error(v Values) ([]float64, error) {
	a, ok := v.Pose(f.From)
	if !ok {
		return nil, missingVariable(f.From)
	}
	b, ok := v.Pose(f.To)
	if !ok {
		return nil, missingVariable(f.To)
	}
	s, ok := v.Scalar(f.Switch)
	if !ok {
		return nil, missingVariable(f.Switch)
	}
	pred := spatialmath.PoseBetween(a, b)
	res := f.Noise.Whiten(PoseLog(spatialmath.PoseBetween(f.Delta, pred)))
	w := SwitchWeight(s)
	for i := range res {
		res[i] *= w
	}
	return res, nil
}

// Projection constrains a pose and a point landmark through a pinhole camera:
// the landmark projected into the observing camera must land on the measured
// pixel. Calibration parameters are used verbatim.
type Projection struct {
	Pose     Key
	Landmark Key
	Pixel    r2.Point
	Camera   *transform.PinholeCameraIntrinsics
	Noise    Diagonal
}

// Keys implements Factor.
func (f *Projection) Keys() []Key { return []Key{f.Pose, f.Landmark} }

// Dim implements Factor.
func (f *Projection) Dim() int { return 2 }

// behindCameraResidual keeps the optimizer away from cheirality violations
// without returning an error mid-solve.
const behindCameraResidual = 1e4

// Error implements Factor.
func (f *Projection) Error(v Values) ([]float64, error) {
	pose, ok := v.Pose(f.Pose)
	if !ok {
		return nil, missingVariable(f.Pose)
	}
	pt, ok := v.Point(f.Landmark)
	if !ok {
		return nil, missingVariable(f.Landmark)
	}
	local := spatialmath.Compose(spatialmath.PoseInverse(pose), spatialmath.NewPoseFromPoint(pt)).Point()
	if local.Z <= 0 {
		return []float64{behindCameraResidual, behindCameraResidual}, nil
	}
	u, vv := f.Camera.PointToPixel(local.X, local.Y, local.Z)
	return f.Noise.Whiten([]float64{u - f.Pixel.X, vv - f.Pixel.Y}), nil
}
