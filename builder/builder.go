// Package builder accumulates pending constraints and initial-value guesses
// between solver updates. The pending batch is a write-ahead buffer: it is
// handed to the graph solver as one unit on flush and never partially
// applied.
package builder

import (
	"fmt"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"

	"github.com/robomaps/graphslam/factor"
	"github.com/robomaps/graphslam/store"
)

// ReferenceError reports a constraint that references a variable unknown to
// both the committed store and the pending batch.
type ReferenceError struct {
	Key factor.Key
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("constraint references unknown variable %s", e.Key)
}

// Builder owns the pending factor and initial-value buffers.
type Builder struct {
	store   *store.Store
	factors []factor.Factor
	initial factor.Values
}

// New returns a builder backed by the given variable store.
func New(s *store.Store) *Builder {
	return &Builder{
		store:   s,
		initial: make(factor.Values),
	}
}

// Known reports whether the variable exists in the committed store or has a
// staged initial value in the pending batch.
func (b *Builder) Known(k factor.Key) bool {
	if _, ok := b.initial[k]; ok {
		return true
	}
	return b.store.Has(k)
}

// Staged reports whether the variable has a staged initial value.
func (b *Builder) Staged(k factor.Key) bool {
	_, ok := b.initial[k]
	return ok
}

// AddFactor appends a constraint to the pending batch. Every referenced
// variable must already be known; otherwise the batch is left untouched and a
// ReferenceError is returned.
func (b *Builder) AddFactor(f factor.Factor) error {
	for _, k := range f.Keys() {
		if !b.Known(k) {
			return &ReferenceError{Key: k}
		}
	}
	b.factors = append(b.factors, f)
	return nil
}

// StageInitial records a first-guess value for a variable not yet known to
// the solver. It is an idempotent no-op if the variable already has a staged
// or committed value.
func (b *Builder) StageInitial(k factor.Key, value interface{}) {
	if b.Known(k) {
		return
	}
	b.initial[k] = value
}

// PredictPose composes a known pose with a relative measurement to produce a
// guess for an unknown neighboring pose.
func (b *Builder) PredictPose(fromPoseIndex int, delta spatialmath.Pose) (spatialmath.Pose, error) {
	from, err := b.knownPose(fromPoseIndex)
	if err != nil {
		return nil, err
	}
	return spatialmath.Compose(from, delta), nil
}

// PredictPoint transforms a camera-frame point guess by a known pose to
// produce a world-frame guess for an unknown point landmark.
func (b *Builder) PredictPoint(fromPoseIndex int, local r3.Vector) (r3.Vector, error) {
	from, err := b.knownPose(fromPoseIndex)
	if err != nil {
		return r3.Vector{}, err
	}
	return spatialmath.Compose(from, spatialmath.NewPoseFromPoint(local)).Point(), nil
}

func (b *Builder) knownPose(index int) (spatialmath.Pose, error) {
	k := factor.PoseKey(index)
	if p, ok := b.initial.Pose(k); ok {
		return p, nil
	}
	p, err := b.store.Pose(index)
	if err != nil {
		return nil, &ReferenceError{Key: k}
	}
	return p, nil
}

// PendingFactors returns the number of factors waiting to be flushed.
func (b *Builder) PendingFactors() int {
	return len(b.factors)
}

// Flush returns the accumulated factors and initial values and clears both
// buffers. The returned batch is exactly the unit handed to the graph solver.
func (b *Builder) Flush() ([]factor.Factor, factor.Values) {
	factors := b.factors
	initial := b.initial
	b.factors = nil
	b.initial = make(factor.Values)
	return factors, initial
}

// Restore puts a flushed batch back at the front of the pending buffers so a
// failed solver hand-off can be retried on the next flush. Factors added in
// the meantime stay behind the restored ones.
func (b *Builder) Restore(factors []factor.Factor, initial factor.Values) {
	b.factors = append(factors, b.factors...)
	for k, v := range initial {
		if _, ok := b.initial[k]; !ok {
			b.initial[k] = v
		}
	}
}
