// Package graphslam implements an incremental pose-graph and
// bundle-adjustment SLAM engine. It maintains a growing graph of robot-pose
// and landmark variables connected by probabilistic constraints and produces
// a maximum-likelihood estimate of all variables as measurements arrive,
// delegating the numerical optimization to a pluggable graph solver.
package graphslam

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/spatialmath"

	"github.com/robomaps/graphslam/builder"
	"github.com/robomaps/graphslam/factor"
	"github.com/robomaps/graphslam/robust"
	"github.com/robomaps/graphslam/smart"
	"github.com/robomaps/graphslam/solver"
	"github.com/robomaps/graphslam/store"
)

// Engine is the incremental SLAM orchestrator. All mutating operations are
// serialized behind a single mutex; readers always observe a fully applied
// estimate. Update is the only operation that may block for a non-trivial
// duration and is not cancellable mid-flight.
type Engine struct {
	mu     sync.RWMutex
	cfg    Config
	camera *transform.PinholeCameraIntrinsics
	slv    solver.Solver
	logger golog.Logger

	store   *store.Store
	builder *builder.Builder
	robust  *robust.Manager
	smart   *smart.Manager

	latest           int
	batchInitialized bool
	updated          bool

	// Topology retained for downstream consumers; never consumed by the
	// solver and never pruned.
	poseEdges [][2]int
	obsEdges  [][2]int
}

// New returns an engine using the given graph solver. The camera calibration
// may be nil when only pose-valued landmarks are used; the point-landmark and
// smart-landmark operations then fail.
func New(
	cfg Config,
	camera *transform.PinholeCameraIntrinsics,
	slv solver.Solver,
	logger golog.Logger,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid engine config")
	}
	if slv == nil {
		return nil, errors.New("a graph solver is required")
	}

	s := store.New()
	b := builder.New(s)
	e := &Engine{
		cfg:     cfg,
		camera:  camera,
		slv:     slv,
		logger:  logger,
		store:   s,
		builder: b,
		robust:  robust.New(b, s, cfg.RobustMode),
		latest:  -1,
	}

	if camera != nil {
		if err := camera.CheckValid(); err != nil {
			return nil, err
		}
		sm, err := smart.New(b, s, camera, smart.Options{
			MinObservations:  cfg.MinLandmarkObs,
			PxErrorThreshold: cfg.PxErrorThreshold,
			PixelNoise:       factor.Diagonal(cfg.PxNoise),
			PointPriorNoise:  factor.Diagonal(cfg.PriorPointNoise),
		}, logger)
		if err != nil {
			return nil, err
		}
		e.smart = sm
	}
	return e, nil
}

// Initialize seeds the first pose with an absolute prior. It fails if the
// engine is already initialized.
func (e *Engine) Initialize(origin spatialmath.Pose, index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latest >= 0 {
		return errors.New("engine is already initialized")
	}
	return e.initializeLocked(origin, index)
}

func (e *Engine) initializeLocked(origin spatialmath.Pose, index int) error {
	k := factor.PoseKey(index)
	e.builder.StageInitial(k, origin)
	if err := e.store.Create(k, origin); err != nil {
		return err
	}
	if err := e.builder.AddFactor(&factor.PosePrior{
		Key: k, Value: origin, Noise: e.noiseOr(nil, e.cfg.PriorPoseNoise),
	}); err != nil {
		return err
	}
	e.latest = index
	e.logger.Debugf("initialized pose %s", k)
	return nil
}

// AddPosePrior anchors an existing pose to an absolute value with the given
// uncertainty, or the configured prior noise when nil.
func (e *Engine) AddPosePrior(index int, p spatialmath.Pose, noise factor.Diagonal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := validateNoise(noise, 6); err != nil {
		return err
	}
	k := factor.PoseKey(index)
	if !e.builder.Known(k) {
		return &builder.ReferenceError{Key: k}
	}
	return e.builder.AddFactor(&factor.PosePrior{
		Key: k, Value: p, Noise: e.noiseOr(noise, e.cfg.PriorPoseNoise),
	})
}

// AddOdometry adds a relative-pose constraint from the latest pose to a newly
// predicted next pose and advances the latest index. If the engine is not yet
// initialized it is first initialized at identity.
func (e *Engine) AddOdometry(delta spatialmath.Pose, noise factor.Diagonal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := validateNoise(noise, 6); err != nil {
		return err
	}
	if e.latest < 0 {
		if err := e.initializeLocked(spatialmath.NewZeroPose(), 0); err != nil {
			return err
		}
	}
	if err := e.addRelativePoseLocked(e.latest, e.latest+1, delta, noise); err != nil {
		return err
	}
	e.latest++
	return nil
}

// AddRelativePose adds a relative-pose constraint between two poses, e.g. a
// loop closure. The source pose must exist; an unknown target pose is
// predicted from the source and staged.
func (e *Engine) AddRelativePose(from, to int, delta spatialmath.Pose, noise factor.Diagonal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addRelativePoseLocked(from, to, delta, noise)
}

func (e *Engine) addRelativePoseLocked(from, to int, delta spatialmath.Pose, noise factor.Diagonal) error {
	if err := validateNoise(noise, 6); err != nil {
		return err
	}
	fromKey, toKey := factor.PoseKey(from), factor.PoseKey(to)
	if !e.builder.Known(fromKey) {
		return &builder.ReferenceError{Key: fromKey}
	}
	if !e.builder.Known(toKey) {
		pred, err := e.builder.PredictPose(from, delta)
		if err != nil {
			return err
		}
		e.builder.StageInitial(toKey, pred)
		if err := e.store.Create(toKey, pred); err != nil {
			return err
		}
	}
	if _, err := e.robust.AddRelativePose(from, to, delta, e.noiseOr(noise, e.cfg.OdometryNoise)); err != nil {
		return err
	}
	e.poseEdges = append(e.poseEdges, [2]int{from, to})
	return nil
}

// AddPoseLandmarks adds one relative-pose constraint per (pose, landmark)
// pair. First-seen landmark ids are predicted from the referencing pose and
// staged; re-observations constrain the existing variable.
func (e *Engine) AddPoseLandmarks(poseIndex int, ids []int, deltas []spatialmath.Pose, noise factor.Diagonal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(ids) != len(deltas) {
		return errors.Errorf("got %d landmark ids but %d deltas", len(ids), len(deltas))
	}
	poseKey := factor.PoseKey(poseIndex)
	if !e.builder.Known(poseKey) {
		return &builder.ReferenceError{Key: poseKey}
	}
	if err := validateNoise(noise, 6); err != nil {
		return err
	}
	n := e.noiseOr(noise, e.cfg.MeasurementNoise)
	for i, id := range ids {
		lk := factor.LandmarkKey(id)
		if e.smart != nil && e.smart.Pending(id) {
			return errors.Errorf("landmark %d has pending camera observations", id)
		}
		if e.builder.Known(lk) {
			if e.store.Has(lk) {
				if _, err := e.store.LandmarkPose(id); err != nil {
					return errors.Wrapf(err, "landmark %d cannot take a pose observation", id)
				}
			}
		} else {
			pred, err := e.builder.PredictPose(poseIndex, deltas[i])
			if err != nil {
				return err
			}
			e.builder.StageInitial(lk, pred)
			if err := e.store.Create(lk, pred); err != nil {
				return err
			}
		}
		if err := e.builder.AddFactor(&factor.BetweenPose{
			From: poseKey, To: lk, Delta: deltas[i], Noise: n,
		}); err != nil {
			return err
		}
		e.obsEdges = append(e.obsEdges, [2]int{poseIndex, id})
	}
	return nil
}

// AddPointLandmarks adds one projection constraint per (pose, landmark) pair
// and stages camera-frame 3D guesses for first-seen ids.
func (e *Engine) AddPointLandmarks(
	poseIndex int,
	ids []int,
	pixels []r2.Point,
	guesses []r3.Vector,
	noise factor.Diagonal,
) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.camera == nil {
		return errors.New("no camera calibration configured")
	}
	if len(ids) != len(pixels) || len(ids) != len(guesses) {
		return errors.Errorf("got %d landmark ids, %d pixels, %d guesses", len(ids), len(pixels), len(guesses))
	}
	poseKey := factor.PoseKey(poseIndex)
	if !e.builder.Known(poseKey) {
		return &builder.ReferenceError{Key: poseKey}
	}
	if err := validateNoise(noise, 2); err != nil {
		return err
	}
	n := e.noiseOr(noise, e.cfg.PxNoise)
	for i, id := range ids {
		lk := factor.LandmarkKey(id)
		if e.smart.Pending(id) {
			return errors.Errorf("landmark %d has pending camera observations", id)
		}
		if e.builder.Known(lk) {
			if e.store.Has(lk) {
				if _, err := e.store.LandmarkPoint(id); err != nil {
					return errors.Wrapf(err, "landmark %d cannot take a point observation", id)
				}
			}
		} else {
			pred, err := e.builder.PredictPoint(poseIndex, guesses[i])
			if err != nil {
				return err
			}
			e.builder.StageInitial(lk, pred)
			if err := e.store.Create(lk, pred); err != nil {
				return err
			}
		}
		if err := e.builder.AddFactor(&factor.Projection{
			Pose: poseKey, Landmark: lk, Pixel: pixels[i], Camera: e.camera, Noise: n,
		}); err != nil {
			return err
		}
		e.obsEdges = append(e.obsEdges, [2]int{poseIndex, id})
	}
	return nil
}

// AddSmartLandmarks routes pixel observations through the smart landmark
// manager, deferring 3D commitment until a settle pass accepts the landmark.
func (e *Engine) AddSmartLandmarks(poseIndex int, ids []int, pixels []r2.Point) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.smart == nil {
		return errors.New("no camera calibration configured")
	}
	if len(ids) != len(pixels) {
		return errors.Errorf("got %d landmark ids but %d pixels", len(ids), len(pixels))
	}
	poseKey := factor.PoseKey(poseIndex)
	if !e.builder.Known(poseKey) {
		return &builder.ReferenceError{Key: poseKey}
	}
	for i, id := range ids {
		direct, err := e.smart.Observe(poseIndex, id, pixels[i])
		if err != nil {
			return err
		}
		if direct {
			e.obsEdges = append(e.obsEdges, [2]int{poseIndex, id})
		}
	}
	return nil
}

// SettleSmartLandmarks runs the smart landmark promotion pass and returns the
// newly promoted landmarks for downstream visualization.
func (e *Engine) SettleSmartLandmarks(ctx context.Context) ([]smart.Promotion, error) {
	_, span := trace.StartSpan(ctx, "graphslam::Engine::SettleSmartLandmarks")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.smart == nil {
		return nil, errors.New("no camera calibration configured")
	}
	promotions, err := e.smart.Settle()
	if err != nil {
		return nil, err
	}
	for _, p := range promotions {
		for _, ob := range p.Observations {
			e.obsEdges = append(e.obsEdges, [2]int{ob.PoseIndex, p.Index})
		}
	}
	return promotions, nil
}

// Update flushes the pending batch to the graph solver for one optimization
// step and refreshes the variable store from the returned estimate. The very
// first call performs a full batch optimization to establish a
// well-conditioned starting estimate; all subsequent calls are incremental.
// A solver failure is surfaced, never absorbed, and no partial estimate is
// applied.
func (e *Engine) Update(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "graphslam::Engine::Update")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	factors, initial := e.builder.Flush()
	if !e.batchInitialized {
		est, err := e.slv.BatchOptimize(ctx, factors, initial)
		if err != nil {
			e.builder.Restore(factors, initial)
			return e.solverFailure(err)
		}
		e.batchInitialized = true
		e.store.Apply(est)
	} else {
		if err := e.slv.Update(ctx, factors, initial); err != nil {
			e.builder.Restore(factors, initial)
			return e.solverFailure(err)
		}
		if err := e.slv.Relinearize(ctx); err != nil {
			return e.solverFailure(err)
		}
		est, err := e.slv.Estimate()
		if err != nil {
			return e.solverFailure(err)
		}
		e.store.Apply(est)
	}
	e.updated = true
	return nil
}

func (e *Engine) solverFailure(err error) error {
	se := newSolverError(err)
	if se.Key != nil {
		e.logger.Errorw("graph solver failed", "error", err, "variable", se.Key.String())
	} else {
		e.logger.Errorw("graph solver failed", "error", err)
	}
	return se
}

// Marginals requests marginal covariances from the solver for every known
// pose and landmark and caches them in the variable store. It is only valid
// after at least one successful Update.
func (e *Engine) Marginals(ctx context.Context) error {
	_, span := trace.StartSpan(ctx, "graphslam::Engine::Marginals")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.updated {
		return ErrMarginalsUnavailable
	}
	for _, c := range []factor.Category{factor.Pose, factor.Landmark} {
		for _, idx := range e.store.Indices(c) {
			k := factor.Key{Category: c, Index: idx}
			cov, err := e.slv.MarginalCovariance(k)
			if err != nil {
				return e.solverFailure(err)
			}
			e.store.SetMarginal(k, cov)
		}
	}
	return nil
}

func (e *Engine) noiseOr(noise factor.Diagonal, def []float64) factor.Diagonal {
	if noise != nil {
		return noise
	}
	return factor.Diagonal(def)
}

// validateNoise rejects a per-call noise override whose dimension does not
// match the constraint, before it can reach the solve.
func validateNoise(noise factor.Diagonal, dim int) error {
	if noise != nil && len(noise) != dim {
		return errors.Errorf("noise override must have %d sigmas, got %d", dim, len(noise))
	}
	return nil
}
