package smart

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
)

var (
	errDegenerate   = errors.New("triangulation is degenerate")
	errBehindCamera = errors.New("triangulated point lies behind an observing camera")
)

// minParallaxRad is the smallest acceptable angle between the observing rays
// of a landmark. Below this the rays are near parallel and the depth is
// unconstrained.
const minParallaxRad = 1.0 * math.Pi / 180.0

// triangulate recovers a world point from two or more pixel observations via
// the direct linear transform, using the current pose estimates of the
// observing cameras. Poses are world-from-camera with the optical axis along
// +Z.
func triangulate(
	cam *transform.PinholeCameraIntrinsics,
	poses []spatialmath.Pose,
	pixels []r2.Point,
) (r3.Vector, error) {
	n := len(poses)
	a := mat.NewDense(2*n, 4, nil)
	for i, pose := range poses {
		p := projectionMatrix(cam, pose)
		u, v := pixels[i].X, pixels[i].Y
		for c := 0; c < 4; c++ {
			a.Set(2*i, c, u*p[2][c]-p[0][c])
			a.Set(2*i+1, c, v*p[2][c]-p[1][c])
		}
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return r3.Vector{}, errDegenerate
	}
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return r3.Vector{}, errDegenerate
	}
	pt := r3.Vector{X: v.At(0, 3) / w, Y: v.At(1, 3) / w, Z: v.At(2, 3) / w}

	if maxParallax(poses, pt) < minParallaxRad {
		return r3.Vector{}, errDegenerate
	}
	for _, pose := range poses {
		if cameraFramePoint(pose, pt).Z <= 0 {
			return r3.Vector{}, errBehindCamera
		}
	}
	return pt, nil
}

// reprojectionError returns the mean pixel distance between the observations
// and the point reprojected into each observing camera.
func reprojectionError(
	cam *transform.PinholeCameraIntrinsics,
	poses []spatialmath.Pose,
	pixels []r2.Point,
	pt r3.Vector,
) float64 {
	var sum float64
	for i, pose := range poses {
		local := cameraFramePoint(pose, pt)
		u, v := cam.PointToPixel(local.X, local.Y, local.Z)
		sum += math.Hypot(u-pixels[i].X, v-pixels[i].Y)
	}
	return sum / float64(len(poses))
}

// projectionMatrix builds the 3x4 world-to-pixel matrix K [R|t] for a camera
// at the given world-from-camera pose.
func projectionMatrix(cam *transform.PinholeCameraIntrinsics, pose spatialmath.Pose) [3][4]float64 {
	rm := pose.Orientation().RotationMatrix()
	c := pose.Point()
	// World-to-camera rotation is the transpose; translation is -R^T c.
	var rt [3][4]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rt[i][j] = rm.At(j, i)
		}
		rt[i][3] = -(rm.At(0, i)*c.X + rm.At(1, i)*c.Y + rm.At(2, i)*c.Z)
	}
	k := [3][3]float64{
		{cam.Fx, 0, cam.Ppx},
		{0, cam.Fy, cam.Ppy},
		{0, 0, 1},
	}
	var p [3][4]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			for m := 0; m < 3; m++ {
				p[i][j] += k[i][m] * rt[m][j]
			}
		}
	}
	return p
}

func cameraFramePoint(pose spatialmath.Pose, pt r3.Vector) r3.Vector {
	return spatialmath.Compose(spatialmath.PoseInverse(pose), spatialmath.NewPoseFromPoint(pt)).Point()
}

func maxParallax(poses []spatialmath.Pose, pt r3.Vector) float64 {
	rays := make([]r3.Vector, len(poses))
	for i, pose := range poses {
		rays[i] = pt.Sub(pose.Point()).Normalize()
	}
	var maxAngle float64
	for i := 0; i < len(rays); i++ {
		for j := i + 1; j < len(rays); j++ {
			dot := rays[i].Dot(rays[j])
			if dot > 1 {
				dot = 1
			} else if dot < -1 {
				dot = -1
			}
			if angle := math.Acos(dot); angle > maxAngle {
				maxAngle = angle
			}
		}
	}
	return maxAngle
}
