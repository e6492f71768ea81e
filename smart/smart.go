// Package smart accumulates multi-view observations of visual landmarks
// without committing a 3D position until triangulation is well conditioned.
// Each landmark id moves through an explicit state machine: pending while
// evidence accumulates, then promoted into the factor graph with its full
// observation history, or rejected permanently when its geometry is
// degenerate or its reprojection error is out of bounds.
package smart

import (
	"sort"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/spatialmath"

	"github.com/robomaps/graphslam/builder"
	"github.com/robomaps/graphslam/factor"
	"github.com/robomaps/graphslam/store"
)

// scalePriorPasses is the number of leading settle passes whose promotions
// receive an absolute point prior. The earliest landmarks pin the monocular
// scale; later ones are constrained transitively and get none.
const scalePriorPasses = 2

// Observation is a single sighting of a pending landmark.
type Observation struct {
	PoseIndex int
	Pixel     r2.Point
}

// Promotion reports a landmark committed to the graph during a settle pass.
type Promotion struct {
	Index        int
	Point        r3.Vector
	Observations []Observation
}

type state uint8

const (
	statePending state = iota
	stateRejected
)

type record struct {
	state state
	obs   []Observation
}

// Options configures a Manager.
type Options struct {
	// MinObservations is the observation count required before a pending
	// landmark is considered for promotion. Must be at least 2.
	MinObservations int
	// PxErrorThreshold is the largest acceptable mean reprojection error, in
	// pixels, for a promoted landmark.
	PxErrorThreshold float64
	// PixelNoise is the 2D measurement noise of a projection constraint.
	PixelNoise factor.Diagonal
	// PointPriorNoise is the noise of the scale-fixing priors placed on the
	// earliest promoted landmarks.
	PointPriorNoise factor.Diagonal
}

// Manager routes landmark observations and runs the promotion pass.
type Manager struct {
	store   *store.Store
	builder *builder.Builder
	camera  *transform.PinholeCameraIntrinsics
	opts    Options
	logger  golog.Logger

	recs   map[int]*record
	passes int
}

// New returns a manager for the given camera. MinObservations below 2 is a
// caller bug.
func New(
	b *builder.Builder,
	s *store.Store,
	camera *transform.PinholeCameraIntrinsics,
	opts Options,
	logger golog.Logger,
) (*Manager, error) {
	if opts.MinObservations < 2 {
		return nil, errors.Errorf("min observations must be at least 2, got %d", opts.MinObservations)
	}
	if opts.PxErrorThreshold <= 0 {
		return nil, errors.Errorf("pixel error threshold must be positive, got %f", opts.PxErrorThreshold)
	}
	return &Manager{
		store:   s,
		builder: b,
		camera:  camera,
		opts:    opts,
		logger:  logger,
		recs:    map[int]*record{},
	}, nil
}

// Observe routes one sighting of a landmark. Already-promoted ids receive a
// projection constraint directly; rejected ids are dropped silently; anything
// else accumulates in the pending record. The first return reports whether a
// constraint was emitted immediately.
func (m *Manager) Observe(poseIndex, landmarkIndex int, pixel r2.Point) (bool, error) {
	lk := factor.LandmarkKey(landmarkIndex)
	if m.store.Has(lk) {
		if _, err := m.store.LandmarkPoint(landmarkIndex); err != nil {
			return false, errors.Wrapf(err, "cannot observe landmark %d through a camera", landmarkIndex)
		}
		if err := m.builder.AddFactor(&factor.Projection{
			Pose:     factor.PoseKey(poseIndex),
			Landmark: lk,
			Pixel:    pixel,
			Camera:   m.camera,
			Noise:    m.opts.PixelNoise,
		}); err != nil {
			return false, err
		}
		return true, nil
	}

	rec, ok := m.recs[landmarkIndex]
	if !ok {
		rec = &record{}
		m.recs[landmarkIndex] = rec
	}
	if rec.state == stateRejected {
		m.logger.Debugf("dropping observation of rejected landmark %d", landmarkIndex)
		return false, nil
	}
	rec.obs = append(rec.obs, Observation{PoseIndex: poseIndex, Pixel: pixel})
	return false, nil
}

// Pending reports whether the landmark id has an open pending record. Ids
// with pending camera observations must not be committed through another
// path, or a later settle pass would collide with the existing variable.
func (m *Manager) Pending(landmarkIndex int) bool {
	rec, ok := m.recs[landmarkIndex]
	return ok && rec.state == statePending
}

// PendingCount returns the number of landmark ids still accumulating
// observations.
func (m *Manager) PendingCount() int {
	n := 0
	for _, rec := range m.recs {
		if rec.state == statePending {
			n++
		}
	}
	return n
}

// ObservationCount returns the number of accumulated observations for a
// pending landmark id, zero for ids never seen or no longer pending.
func (m *Manager) ObservationCount(landmarkIndex int) int {
	rec, ok := m.recs[landmarkIndex]
	if !ok || rec.state != statePending {
		return 0
	}
	return len(rec.obs)
}

// Settle evaluates every pending landmark with enough observations:
// triangulates it from the current pose estimates, rejects it permanently on
// degenerate geometry or excessive reprojection error, and otherwise commits
// it to the graph with one projection constraint per accumulated observation.
func (m *Manager) Settle() ([]Promotion, error) {
	pass := m.passes
	m.passes++

	ids := make([]int, 0, len(m.recs))
	for id, rec := range m.recs {
		if rec.state == statePending && len(rec.obs) >= m.opts.MinObservations {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)

	var promotions []Promotion
	for _, id := range ids {
		rec := m.recs[id]
		poses := make([]spatialmath.Pose, len(rec.obs))
		pixels := make([]r2.Point, len(rec.obs))
		for i, ob := range rec.obs {
			p, err := m.store.Pose(ob.PoseIndex)
			if err != nil {
				return nil, errors.Wrapf(err, "pending landmark %d observed from unknown pose", id)
			}
			poses[i] = p
			pixels[i] = ob.Pixel
		}

		pt, err := triangulate(m.camera, poses, pixels)
		if err != nil {
			m.logger.Debugf("rejecting landmark %d: %v", id, err)
			m.reject(id)
			continue
		}
		if reprojErr := reprojectionError(m.camera, poses, pixels, pt); reprojErr > m.opts.PxErrorThreshold || reprojErr <= 0 {
			m.logger.Debugf("rejecting landmark %d: reprojection error %.3fpx", id, reprojErr)
			m.reject(id)
			continue
		}

		if err := m.promote(id, pt, rec.obs, pass); err != nil {
			return nil, err
		}
		promotions = append(promotions, Promotion{Index: id, Point: pt, Observations: rec.obs})
		delete(m.recs, id)
	}
	return promotions, nil
}

func (m *Manager) reject(id int) {
	m.recs[id] = &record{state: stateRejected}
}

func (m *Manager) promote(id int, pt r3.Vector, obs []Observation, pass int) error {
	lk := factor.LandmarkKey(id)
	m.builder.StageInitial(lk, pt)
	if err := m.store.Create(lk, pt); err != nil {
		return err
	}
	for _, ob := range obs {
		if err := m.builder.AddFactor(&factor.Projection{
			Pose:     factor.PoseKey(ob.PoseIndex),
			Landmark: lk,
			Pixel:    ob.Pixel,
			Camera:   m.camera,
			Noise:    m.opts.PixelNoise,
		}); err != nil {
			return err
		}
	}
	if pass < scalePriorPasses {
		if err := m.builder.AddFactor(&factor.PointPrior{
			Key: lk, Value: pt, Noise: m.opts.PointPriorNoise,
		}); err != nil {
			return err
		}
	}
	return nil
}
