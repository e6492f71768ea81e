package smart

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	"github.com/robomaps/graphslam/internal/testhelper"
)

func TestTriangulate(t *testing.T) {
	cam := testhelper.Camera()
	world := r3.Vector{X: 0.3, Y: -0.2, Z: 4}

	project := func(poses []spatialmath.Pose) []r2.Point {
		pixels := make([]r2.Point, len(poses))
		for i, p := range poses {
			px, ok := testhelper.Project(cam, p, world)
			test.That(t, ok, test.ShouldBeTrue)
			pixels[i] = px
		}
		return pixels
	}

	t.Run("two translated views", func(t *testing.T) {
		poses := []spatialmath.Pose{
			spatialmath.NewZeroPose(),
			spatialmath.NewPoseFromPoint(r3.Vector{X: 0.6}),
		}
		pt, err := triangulate(cam, poses, project(poses))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pt.X, test.ShouldAlmostEqual, world.X, 1e-6)
		test.That(t, pt.Y, test.ShouldAlmostEqual, world.Y, 1e-6)
		test.That(t, pt.Z, test.ShouldAlmostEqual, world.Z, 1e-6)
	})

	t.Run("three views including a rotated one", func(t *testing.T) {
		poses := []spatialmath.Pose{
			spatialmath.NewZeroPose(),
			spatialmath.NewPoseFromPoint(r3.Vector{X: 0.6}),
			spatialmath.NewPose(
				r3.Vector{X: -0.4, Y: 0.2},
				&spatialmath.R4AA{Theta: 0.05, RY: 1},
			),
		}
		pt, err := triangulate(cam, poses, project(poses))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pt.X, test.ShouldAlmostEqual, world.X, 1e-5)
		test.That(t, pt.Z, test.ShouldAlmostEqual, world.Z, 1e-4)
	})

	t.Run("zero baseline is degenerate", func(t *testing.T) {
		poses := []spatialmath.Pose{
			spatialmath.NewZeroPose(),
			spatialmath.NewZeroPose(),
		}
		_, err := triangulate(cam, poses, project(poses))
		test.That(t, errors.Is(err, errDegenerate), test.ShouldBeTrue)
	})

	t.Run("tiny baseline has insufficient parallax", func(t *testing.T) {
		poses := []spatialmath.Pose{
			spatialmath.NewZeroPose(),
			spatialmath.NewPoseFromPoint(r3.Vector{X: 0.001}),
		}
		_, err := triangulate(cam, poses, project(poses))
		test.That(t, errors.Is(err, errDegenerate), test.ShouldBeTrue)
	})

	t.Run("point behind a camera is rejected", func(t *testing.T) {
		behind := r3.Vector{X: 0.1, Z: -4}
		poses := []spatialmath.Pose{
			spatialmath.NewZeroPose(),
			spatialmath.NewPoseFromPoint(r3.Vector{X: 0.6}),
		}
		// synthesize pixels with the raw projective formula, which is
		// consistent with the negative-depth point
		pixels := make([]r2.Point, len(poses))
		for i, p := range poses {
			local := cameraFramePoint(p, behind)
			pixels[i] = r2.Point{
				X: cam.Fx*local.X/local.Z + cam.Ppx,
				Y: cam.Fy*local.Y/local.Z + cam.Ppy,
			}
		}
		_, err := triangulate(cam, poses, pixels)
		test.That(t, errors.Is(err, errBehindCamera), test.ShouldBeTrue)
	})
}

func TestReprojectionError(t *testing.T) {
	cam := testhelper.Camera()
	world := r3.Vector{X: 0.3, Z: 4}
	poses := []spatialmath.Pose{
		spatialmath.NewZeroPose(),
		spatialmath.NewPoseFromPoint(r3.Vector{X: 0.6}),
	}
	pixels := make([]r2.Point, len(poses))
	for i, p := range poses {
		px, ok := testhelper.Project(cam, p, world)
		test.That(t, ok, test.ShouldBeTrue)
		pixels[i] = px
	}

	test.That(t, reprojectionError(cam, poses, pixels, world), test.ShouldAlmostEqual, 0, 1e-9)

	t.Run("offset pixels raise the error", func(t *testing.T) {
		shifted := []r2.Point{
			{X: pixels[0].X + 3, Y: pixels[0].Y},
			{X: pixels[1].X - 3, Y: pixels[1].Y},
		}
		err := reprojectionError(cam, poses, shifted, world)
		test.That(t, err, test.ShouldAlmostEqual, 3, 1e-9)
	})
}
