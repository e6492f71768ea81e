package graphslam

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/spatialmath"

	"github.com/robomaps/graphslam/factor"
)

// LatestIndex returns the index of the most recent pose, or -1 before
// initialization.
func (e *Engine) LatestIndex() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latest
}

// PoseCount returns the number of pose variables in the graph.
func (e *Engine) PoseCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.Count(factor.Pose)
}

// LandmarkCount returns the number of committed landmark variables. Pending
// smart landmarks are not counted.
func (e *Engine) LandmarkCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.Count(factor.Landmark)
}

// Pose returns the current estimate of the given pose variable.
func (e *Engine) Pose(index int) (spatialmath.Pose, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.Pose(index)
}

// Trajectory returns the current pose estimates ordered by index.
func (e *Engine) Trajectory() []spatialmath.Pose {
	e.mu.RLock()
	defer e.mu.RUnlock()
	indices := e.store.Indices(factor.Pose)
	out := make([]spatialmath.Pose, 0, len(indices))
	for _, idx := range indices {
		p, err := e.store.Pose(idx)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

// LandmarkPoints returns the point-valued landmark estimates keyed by id.
func (e *Engine) LandmarkPoints() map[int]r3.Vector {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := map[int]r3.Vector{}
	for _, idx := range e.store.Indices(factor.Landmark) {
		pt, err := e.store.LandmarkPoint(idx)
		if err != nil {
			continue
		}
		out[idx] = pt
	}
	return out
}

// LandmarkPoses returns the pose-valued landmark estimates keyed by id.
func (e *Engine) LandmarkPoses() map[int]spatialmath.Pose {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := map[int]spatialmath.Pose{}
	for _, idx := range e.store.Indices(factor.Landmark) {
		p, err := e.store.LandmarkPose(idx)
		if err != nil {
			continue
		}
		out[idx] = p
	}
	return out
}

// PoseEdges returns every (from, to) pose pair connected by a relative-pose
// constraint, in insertion order.
func (e *Engine) PoseEdges() [][2]int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([][2]int, len(e.poseEdges))
	copy(out, e.poseEdges)
	return out
}

// ObservationEdges returns every (pose, landmark) pair connected by a
// committed observation, in insertion order.
func (e *Engine) ObservationEdges() [][2]int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([][2]int, len(e.obsEdges))
	copy(out, e.obsEdges)
	return out
}

// EdgeConfidences returns the inlier confidence of every relative-pose edge,
// aligned with PoseEdges. Edges without a switch variable report full
// confidence.
func (e *Engine) EdgeConfidences() []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.robust.Confidences()
}

// PendingSmartLandmarks returns the number of smart landmarks still awaiting
// promotion. Zero when no camera is configured.
func (e *Engine) PendingSmartLandmarks() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.smart == nil {
		return 0
	}
	return e.smart.PendingCount()
}

// PoseMarginal returns the cached marginal covariance of a pose variable.
func (e *Engine) PoseMarginal(index int) (mat.Symmetric, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.Marginal(factor.PoseKey(index))
}

// LandmarkMarginal returns the cached marginal covariance of a landmark
// variable.
func (e *Engine) LandmarkMarginal(index int) (mat.Symmetric, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.Marginal(factor.LandmarkKey(index))
}

// PointCloud renders the current map as a point cloud: one point per
// point-valued landmark plus the translation of every pose-valued landmark.
func (e *Engine) PointCloud() (pointcloud.PointCloud, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pc := pointcloud.New()
	for _, idx := range e.store.Indices(factor.Landmark) {
		if pt, err := e.store.LandmarkPoint(idx); err == nil {
			if err := pc.Set(pt, nil); err != nil {
				return nil, err
			}
			continue
		}
		if p, err := e.store.LandmarkPose(idx); err == nil {
			if err := pc.Set(p.Point(), nil); err != nil {
				return nil, err
			}
		}
	}
	return pc, nil
}
