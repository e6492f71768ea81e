// Package store holds the current best-estimate values for every variable the
// engine knows about, keyed by typed identifiers, along with the cached
// marginal covariances from the most recent marginals pass. It is the single
// mutation point for estimates: variables are created once, then only change
// when a solver update is applied.
package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"

	"github.com/robomaps/graphslam/factor"
)

// NotFoundError reports a lookup of a variable that was never created.
// Looking up an uninitialized id is a caller bug, never silently defaulted.
type NotFoundError struct {
	Key factor.Key
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("variable %s does not exist", e.Key)
}

// DuplicateVariableError reports an attempt to create a variable id that
// already exists.
type DuplicateVariableError struct {
	Key factor.Key
}

func (e *DuplicateVariableError) Error() string {
	return fmt.Sprintf("variable %s already exists", e.Key)
}

// MarginalUnavailableError reports a marginal-covariance lookup for a
// variable that has no cached marginal.
type MarginalUnavailableError struct {
	Key factor.Key
}

func (e *MarginalUnavailableError) Error() string {
	return fmt.Sprintf("no marginal covariance available for %s", e.Key)
}

// Store is the variable store. All methods are safe for concurrent use; a
// reader never observes a partially applied solver update.
type Store struct {
	mu        sync.RWMutex
	values    factor.Values
	marginals map[factor.Key]mat.Symmetric
}

// New returns an empty store.
func New() *Store {
	return &Store{
		values:    make(factor.Values),
		marginals: make(map[factor.Key]mat.Symmetric),
	}
}

// Create inserts a brand-new variable. It fails with DuplicateVariableError
// if the id already exists in any form.
func (s *Store) Create(k factor.Key, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[k]; ok {
		return &DuplicateVariableError{Key: k}
	}
	s.values[k] = value
	return nil
}

// Get returns the raw value of a variable, or NotFoundError.
func (s *Store) Get(k factor.Key) (interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[k]
	if !ok {
		return nil, &NotFoundError{Key: k}
	}
	return v, nil
}

// Has reports whether the variable exists.
func (s *Store) Has(k factor.Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[k]
	return ok
}

// Pose returns the robot pose with the given index.
func (s *Store) Pose(index int) (spatialmath.Pose, error) {
	v, err := s.Get(factor.PoseKey(index))
	if err != nil {
		return nil, err
	}
	p, ok := v.(spatialmath.Pose)
	if !ok {
		return nil, fmt.Errorf("variable %s is not a pose", factor.PoseKey(index))
	}
	return p, nil
}

// LandmarkPose returns the pose-valued landmark with the given index.
func (s *Store) LandmarkPose(index int) (spatialmath.Pose, error) {
	v, err := s.Get(factor.LandmarkKey(index))
	if err != nil {
		return nil, err
	}
	p, ok := v.(spatialmath.Pose)
	if !ok {
		return nil, fmt.Errorf("landmark %d is not pose-valued", index)
	}
	return p, nil
}

// LandmarkPoint returns the point-valued landmark with the given index.
func (s *Store) LandmarkPoint(index int) (r3.Vector, error) {
	v, err := s.Get(factor.LandmarkKey(index))
	if err != nil {
		return r3.Vector{}, err
	}
	p, ok := v.(r3.Vector)
	if !ok {
		return r3.Vector{}, fmt.Errorf("landmark %d is not point-valued", index)
	}
	return p, nil
}

// Switch returns the raw value of the switch variable with the given index.
func (s *Store) Switch(index int) (float64, error) {
	v, err := s.Get(factor.SwitchKey(index))
	if err != nil {
		return 0, err
	}
	val, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("variable %s is not a scalar", factor.SwitchKey(index))
	}
	return val, nil
}

// Count returns the number of variables in the given category.
func (s *Store) Count(c factor.Category) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.values {
		if k.Category == c {
			n++
		}
	}
	return n
}

// Indices returns the sorted indices of all variables in the category.
func (s *Store) Indices(c factor.Category) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int
	for k := range s.values {
		if k.Category == c {
			out = append(out, k.Index)
		}
	}
	sort.Ints(out)
	return out
}

// Apply refreshes the store from a solver estimate under a single lock.
// Unknown keys in the estimate are created; existing ones are overwritten.
// This is the only mutation path besides Create.
func (s *Store) Apply(estimate factor.Values) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range estimate {
		s.values[k] = v
	}
}

// Snapshot returns a copy of all current values.
func (s *Store) Snapshot() factor.Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.Copy()
}

// SetMarginal caches the marginal covariance of a variable.
func (s *Store) SetMarginal(k factor.Key, cov mat.Symmetric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marginals[k] = cov
}

// Marginal returns the cached marginal covariance of a variable, or
// MarginalUnavailableError if none has been computed.
func (s *Store) Marginal(k factor.Key) (mat.Symmetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cov, ok := s.marginals[k]
	if !ok {
		return nil, &MarginalUnavailableError{Key: k}
	}
	return cov, nil
}
