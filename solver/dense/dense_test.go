package dense_test

import (
	"context"
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	"github.com/robomaps/graphslam/factor"
	"github.com/robomaps/graphslam/solver/dense"
)

func TestAnchoredChainConverges(t *testing.T) {
	logger := golog.NewTestLogger(t)
	s := dense.New(logger)

	// prior at the origin plus three unit odometry steps along x, with the
	// initial guesses deliberately off
	factors := []factor.Factor{
		&factor.PosePrior{
			Key:   factor.PoseKey(0),
			Value: spatialmath.NewZeroPose(),
			Noise: factor.Isotropic(6, 0.01),
		},
	}
	initial := factor.Values{factor.PoseKey(0): spatialmath.NewZeroPose()}
	for i := 0; i < 3; i++ {
		factors = append(factors, &factor.BetweenPose{
			From:  factor.PoseKey(i),
			To:    factor.PoseKey(i + 1),
			Delta: spatialmath.NewPoseFromPoint(r3.Vector{X: 1}),
			Noise: factor.Isotropic(6, 0.1),
		})
		initial[factor.PoseKey(i+1)] = spatialmath.NewPoseFromPoint(
			r3.Vector{X: float64(i+1) * 1.3, Y: 0.2},
		)
	}

	est, err := s.BatchOptimize(context.Background(), factors, initial)
	test.That(t, err, test.ShouldBeNil)

	last, ok := est.Pose(factor.PoseKey(3))
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, last.Point().X, test.ShouldAlmostEqual, 3, 1e-3)
	test.That(t, last.Point().Y, test.ShouldAlmostEqual, 0, 1e-3)
	test.That(t, last.Point().Z, test.ShouldAlmostEqual, 0, 1e-3)
}

func TestIncrementalUpdateExtendsChain(t *testing.T) {
	logger := golog.NewTestLogger(t)
	s := dense.New(logger)
	ctx := context.Background()

	_, err := s.BatchOptimize(ctx,
		[]factor.Factor{&factor.PosePrior{
			Key:   factor.PoseKey(0),
			Value: spatialmath.NewZeroPose(),
			Noise: factor.Isotropic(6, 0.01),
		}},
		factor.Values{factor.PoseKey(0): spatialmath.NewZeroPose()},
	)
	test.That(t, err, test.ShouldBeNil)

	err = s.Update(ctx,
		[]factor.Factor{&factor.BetweenPose{
			From:  factor.PoseKey(0),
			To:    factor.PoseKey(1),
			Delta: spatialmath.NewPoseFromPoint(r3.Vector{Y: 2}),
			Noise: factor.Isotropic(6, 0.1),
		}},
		factor.Values{factor.PoseKey(1): spatialmath.NewPoseFromPoint(r3.Vector{Y: 1.5})},
	)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Relinearize(ctx), test.ShouldBeNil)

	est, err := s.Estimate()
	test.That(t, err, test.ShouldBeNil)
	p, ok := est.Pose(factor.PoseKey(1))
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, p.Point().Y, test.ShouldAlmostEqual, 2, 1e-3)
}

// buildLoop returns a three-pose chain anchored at the origin plus a loop
// closure from pose 2 back to pose 0 that contradicts the odometry.
func buildLoop() ([]factor.Factor, factor.Values, func([]factor.Factor) []factor.Factor) {
	odoNoise := factor.Isotropic(6, 0.05)
	factors := []factor.Factor{
		&factor.PosePrior{
			Key:   factor.PoseKey(0),
			Value: spatialmath.NewZeroPose(),
			Noise: factor.Isotropic(6, 0.01),
		},
		&factor.BetweenPose{
			From:  factor.PoseKey(0),
			To:    factor.PoseKey(1),
			Delta: spatialmath.NewPoseFromPoint(r3.Vector{X: 1}),
			Noise: odoNoise,
		},
		&factor.BetweenPose{
			From:  factor.PoseKey(1),
			To:    factor.PoseKey(2),
			Delta: spatialmath.NewPoseFromPoint(r3.Vector{X: 1}),
			Noise: odoNoise,
		},
	}
	initial := factor.Values{
		factor.PoseKey(0): spatialmath.NewZeroPose(),
		factor.PoseKey(1): spatialmath.NewPoseFromPoint(r3.Vector{X: 1}),
		factor.PoseKey(2): spatialmath.NewPoseFromPoint(r3.Vector{X: 2}),
	}
	// the closure claims pose 2 sits right back at pose 0
	bogus := spatialmath.NewZeroPose()
	withPlainClosure := func(fs []factor.Factor) []factor.Factor {
		return append(fs, &factor.BetweenPose{
			From:  factor.PoseKey(2),
			To:    factor.PoseKey(0),
			Delta: bogus,
			Noise: odoNoise,
		})
	}
	return factors, initial, withPlainClosure
}

func TestSwitchableClosureIsDownWeighted(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctx := context.Background()

	factors, initial, withPlainClosure := buildLoop()

	// plain form: the bogus closure drags pose 2 far off its odometry chain
	plain := dense.New(logger)
	plainEst, err := plain.BatchOptimize(ctx, withPlainClosure(factors), initial.Copy())
	test.That(t, err, test.ShouldBeNil)
	plainPose, ok := plainEst.Pose(factor.PoseKey(2))
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, plainPose.Point().X, test.ShouldBeLessThan, 1.9)

	// switchable form: the solver buys out of the closure instead
	factors, initial, _ = buildLoop()
	factors = append(factors,
		&factor.SwitchPrior{
			Key:   factor.SwitchKey(0),
			Value: 1.0,
			Noise: factor.Sigmas(2.0),
		},
		&factor.SwitchableBetweenPose{
			From:   factor.PoseKey(2),
			To:     factor.PoseKey(0),
			Switch: factor.SwitchKey(0),
			Delta:  spatialmath.NewZeroPose(),
			Noise:  factor.Isotropic(6, 0.05),
		},
	)
	initial[factor.SwitchKey(0)] = 1.0

	robust := dense.New(logger)
	robustEst, err := robust.BatchOptimize(ctx, factors, initial)
	test.That(t, err, test.ShouldBeNil)

	robustPose, ok := robustEst.Pose(factor.PoseKey(2))
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, robustPose.Point().X, test.ShouldAlmostEqual, 2, 0.05)

	sw, ok := robustEst.Scalar(factor.SwitchKey(0))
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, sw, test.ShouldBeLessThan, 0.5)
}

func TestFailedUpdateLeavesSolverUnchanged(t *testing.T) {
	logger := golog.NewTestLogger(t)
	s := dense.New(logger)
	ctx := context.Background()

	anchor := spatialmath.NewPoseFromPoint(r3.Vector{X: 1})
	_, err := s.BatchOptimize(ctx,
		[]factor.Factor{&factor.PosePrior{
			Key:   factor.PoseKey(0),
			Value: anchor,
			Noise: factor.Isotropic(6, 0.01),
		}},
		factor.Values{factor.PoseKey(0): anchor},
	)
	test.That(t, err, test.ShouldBeNil)

	// a batch whose factor references a variable with no value anywhere
	err = s.Update(ctx,
		[]factor.Factor{&factor.BetweenPose{
			From:  factor.PoseKey(0),
			To:    factor.PoseKey(9),
			Delta: spatialmath.NewPoseFromPoint(r3.Vector{X: 1}),
			Noise: factor.Isotropic(6, 0.1),
		}},
		factor.Values{},
	)
	test.That(t, err, test.ShouldNotBeNil)

	t.Run("estimate is untouched", func(t *testing.T) {
		est, err := s.Estimate()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, len(est), test.ShouldEqual, 1)
		p, ok := est.Pose(factor.PoseKey(0))
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, spatialmath.PoseAlmostEqual(p, anchor), test.ShouldBeTrue)
	})

	t.Run("the bad batch is not retained", func(t *testing.T) {
		test.That(t, s.Relinearize(ctx), test.ShouldBeNil)
		cov, err := s.MarginalCovariance(factor.PoseKey(0))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cov.SymmetricDim(), test.ShouldEqual, 6)
	})

	t.Run("staged values of a failed batch are dropped", func(t *testing.T) {
		err := s.Update(ctx,
			[]factor.Factor{&factor.BetweenPose{
				From:  factor.PoseKey(0),
				To:    factor.PoseKey(9),
				Delta: spatialmath.NewPoseFromPoint(r3.Vector{X: 1}),
				Noise: factor.Isotropic(6, 0.1),
			}},
			factor.Values{factor.PoseKey(9): spatialmath.NewPoseFromPoint(
				r3.Vector{X: math.Inf(1)},
			)},
		)
		test.That(t, err, test.ShouldNotBeNil)
		est, estErr := s.Estimate()
		test.That(t, estErr, test.ShouldBeNil)
		_, ok := est.Pose(factor.PoseKey(9))
		test.That(t, ok, test.ShouldBeFalse)
	})

	t.Run("a good batch still goes through afterwards", func(t *testing.T) {
		err := s.Update(ctx,
			[]factor.Factor{&factor.BetweenPose{
				From:  factor.PoseKey(0),
				To:    factor.PoseKey(1),
				Delta: spatialmath.NewPoseFromPoint(r3.Vector{X: 1}),
				Noise: factor.Isotropic(6, 0.1),
			}},
			factor.Values{factor.PoseKey(1): spatialmath.NewPoseFromPoint(r3.Vector{X: 2})},
		)
		test.That(t, err, test.ShouldBeNil)
		est, estErr := s.Estimate()
		test.That(t, estErr, test.ShouldBeNil)
		p, ok := est.Pose(factor.PoseKey(1))
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, p.Point().X, test.ShouldAlmostEqual, 2, 1e-3)
	})
}

func TestMarginalCovariance(t *testing.T) {
	logger := golog.NewTestLogger(t)
	s := dense.New(logger)
	ctx := context.Background()

	t.Run("before any solve", func(t *testing.T) {
		_, err := s.MarginalCovariance(factor.PoseKey(0))
		test.That(t, err, test.ShouldNotBeNil)
	})

	_, err := s.BatchOptimize(ctx,
		[]factor.Factor{&factor.PosePrior{
			Key:   factor.PoseKey(0),
			Value: spatialmath.NewZeroPose(),
			Noise: factor.Isotropic(6, 0.5),
		}},
		factor.Values{factor.PoseKey(0): spatialmath.NewZeroPose()},
	)
	test.That(t, err, test.ShouldBeNil)

	t.Run("prior sigma comes back as variance", func(t *testing.T) {
		cov, err := s.MarginalCovariance(factor.PoseKey(0))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cov.SymmetricDim(), test.ShouldEqual, 6)
		for i := 0; i < 6; i++ {
			test.That(t, cov.At(i, i), test.ShouldAlmostEqual, 0.25, 1e-3)
		}
	})

	t.Run("unknown variable", func(t *testing.T) {
		_, err := s.MarginalCovariance(factor.PoseKey(9))
		test.That(t, err, test.ShouldNotBeNil)
	})
}
