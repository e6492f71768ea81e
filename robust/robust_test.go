package robust_test

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	"github.com/robomaps/graphslam/builder"
	"github.com/robomaps/graphslam/factor"
	"github.com/robomaps/graphslam/robust"
	"github.com/robomaps/graphslam/store"
)

func setupTwoPoses(t *testing.T) (*store.Store, *builder.Builder) {
	t.Helper()
	s := store.New()
	b := builder.New(s)
	test.That(t, s.Create(factor.PoseKey(0), spatialmath.NewZeroPose()), test.ShouldBeNil)
	test.That(t, s.Create(factor.PoseKey(1),
		spatialmath.NewPoseFromPoint(r3.Vector{X: 1})), test.ShouldBeNil)
	return s, b
}

func TestPlainMode(t *testing.T) {
	s, b := setupTwoPoses(t)
	m := robust.New(b, s, false)

	edge, err := m.AddRelativePose(0, 1, spatialmath.NewPoseFromPoint(r3.Vector{X: 1}), factor.Isotropic(6, 0.1))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, edge, test.ShouldEqual, 0)

	test.That(t, m.SwitchCount(), test.ShouldEqual, 0)
	test.That(t, m.EdgeCount(), test.ShouldEqual, 1)
	test.That(t, b.PendingFactors(), test.ShouldEqual, 1)
	test.That(t, s.Count(factor.Switch), test.ShouldEqual, 0)
	test.That(t, m.Confidence(edge), test.ShouldAlmostEqual, 1.0)
}

func TestRobustMode(t *testing.T) {
	s, b := setupTwoPoses(t)
	m := robust.New(b, s, true)

	edge, err := m.AddRelativePose(0, 1, spatialmath.NewPoseFromPoint(r3.Vector{X: 1}), factor.Isotropic(6, 0.1))
	test.That(t, err, test.ShouldBeNil)

	t.Run("allocates one switch with a prior", func(t *testing.T) {
		test.That(t, m.SwitchCount(), test.ShouldEqual, 1)
		// switchable constraint plus its prior
		test.That(t, b.PendingFactors(), test.ShouldEqual, 2)
		sw, err := s.Switch(0)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, sw, test.ShouldAlmostEqual, 1.0)
	})

	t.Run("initial confidence is full", func(t *testing.T) {
		test.That(t, m.Confidence(edge), test.ShouldAlmostEqual, 1.0)
	})

	t.Run("confidence tracks the optimized switch value", func(t *testing.T) {
		s.Apply(factor.Values{factor.SwitchKey(0): 0.12})
		test.That(t, m.Confidence(edge), test.ShouldAlmostEqual, 0.12)
	})

	t.Run("confidence is clamped", func(t *testing.T) {
		s.Apply(factor.Values{factor.SwitchKey(0): 1.7})
		test.That(t, m.Confidence(edge), test.ShouldAlmostEqual, 1.0)
		s.Apply(factor.Values{factor.SwitchKey(0): -0.4})
		test.That(t, m.Confidence(edge), test.ShouldAlmostEqual, 0.0)
	})
}

func TestModeToggle(t *testing.T) {
	s, b := setupTwoPoses(t)
	m := robust.New(b, s, true)
	delta := spatialmath.NewPoseFromPoint(r3.Vector{X: 1})

	_, err := m.AddRelativePose(0, 1, delta, factor.Isotropic(6, 0.1))
	test.That(t, err, test.ShouldBeNil)

	m.SetRobust(false)
	test.That(t, m.Robust(), test.ShouldBeFalse)
	_, err = m.AddRelativePose(0, 1, delta, factor.Isotropic(6, 0.1))
	test.That(t, err, test.ShouldBeNil)

	// the first constraint keeps its switch, the second never gets one
	test.That(t, m.EdgeCount(), test.ShouldEqual, 2)
	test.That(t, m.SwitchCount(), test.ShouldEqual, 1)
	test.That(t, m.Confidences(), test.ShouldResemble, []float64{1.0, 1.0})
}

func TestSwitchIndicesAreSequential(t *testing.T) {
	s, b := setupTwoPoses(t)
	m := robust.New(b, s, true)
	delta := spatialmath.NewPoseFromPoint(r3.Vector{X: 1})

	for i := 0; i < 3; i++ {
		_, err := m.AddRelativePose(0, 1, delta, factor.Isotropic(6, 0.1))
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, m.SwitchCount(), test.ShouldEqual, 3)
	for i := 0; i < 3; i++ {
		test.That(t, s.Has(factor.SwitchKey(i)), test.ShouldBeTrue)
	}
}
