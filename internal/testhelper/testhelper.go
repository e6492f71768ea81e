// Package testhelper provides shared fixtures for engine and solver tests: a
// recording fake of the graph solver and a synthetic pinhole camera scene.
package testhelper

import (
	"context"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/spatialmath"

	"github.com/robomaps/graphslam/factor"
)

// Batch is one flushed (factors, initial values) pair handed to the solver.
type Batch struct {
	Factors []factor.Factor
	Initial factor.Values
}

// RecordingSolver is a graph solver fake. It records every batch it receives
// and reports the merged initial values as its estimate, so engine tests can
// assert on orchestration without running a real optimizer.
type RecordingSolver struct {
	mu      sync.Mutex
	batches []Batch
	values  factor.Values

	BatchCalls       int
	UpdateCalls      int
	RelinearizeCalls int

	// FailWith, when set, is returned by the next solver call and then
	// cleared.
	FailWith error
}

// NewRecordingSolver returns an empty recording solver.
func NewRecordingSolver() *RecordingSolver {
	return &RecordingSolver{values: factor.Values{}}
}

func (s *RecordingSolver) takeFailure() error {
	err := s.FailWith
	s.FailWith = nil
	return err
}

func (s *RecordingSolver) absorb(factors []factor.Factor, initial factor.Values) {
	s.batches = append(s.batches, Batch{Factors: factors, Initial: initial})
	s.values.Merge(initial)
}

// Update records an incremental batch.
func (s *RecordingSolver) Update(ctx context.Context, factors []factor.Factor, initial factor.Values) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	s.UpdateCalls++
	s.absorb(factors, initial)
	return nil
}

// Relinearize counts the call and does nothing else.
func (s *RecordingSolver) Relinearize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	s.RelinearizeCalls++
	return nil
}

// Estimate returns a copy of every value seen so far.
func (s *RecordingSolver) Estimate() (factor.Values, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	return s.values.Copy(), nil
}

// MarginalCovariance returns an identity covariance of the variable's
// dimension.
func (s *RecordingSolver) MarginalCovariance(k factor.Key) (mat.Symmetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	val, ok := s.values[k]
	if !ok {
		return nil, errors.Errorf("no value for variable %s", k)
	}
	dim := factor.Dim(val)
	cov := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		cov.SetSym(i, i, 1)
	}
	return cov, nil
}

// BatchOptimize records a full batch and returns the merged values.
func (s *RecordingSolver) BatchOptimize(
	ctx context.Context,
	factors []factor.Factor,
	initial factor.Values,
) (factor.Values, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	s.BatchCalls++
	s.absorb(factors, initial)
	return s.values.Copy(), nil
}

// Batches returns every recorded batch in order.
func (s *RecordingSolver) Batches() []Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Batch, len(s.batches))
	copy(out, s.batches)
	return out
}

// Camera returns a simple synthetic pinhole calibration for projection tests.
func Camera() *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{
		Width:  640,
		Height: 480,
		Fx:     500,
		Fy:     500,
		Ppx:    320,
		Ppy:    240,
	}
}

// Project returns the pixel at which the given camera pose observes a world
// point, and whether the point lies in front of the camera.
func Project(cam *transform.PinholeCameraIntrinsics, pose spatialmath.Pose, world r3.Vector) (r2.Point, bool) {
	local := spatialmath.Compose(spatialmath.PoseInverse(pose), spatialmath.NewPoseFromPoint(world)).Point()
	if local.Z <= 0 {
		return r2.Point{}, false
	}
	u, v := cam.PointToPixel(local.X, local.Y, local.Z)
	return r2.Point{X: u, Y: v}, true
}
