// Package solver defines the graph-solver collaborator consumed by the SLAM
// engine: an incremental nonlinear least-squares backend that accepts batches
// of new factors and initial values and maintains the current estimate. How a
// solver factorizes the graph internally is its own business; the engine only
// depends on this contract.
package solver

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/robomaps/graphslam/factor"
)

// Solver is the incremental optimization backend. Implementations must be
// safe for use from a single writer with concurrent Estimate readers held off
// by the caller's locking.
type Solver interface {
	// Update folds a batch of new factors and initial values into the
	// problem and runs one incremental optimization step.
	Update(ctx context.Context, factors []factor.Factor, initial factor.Values) error

	// Relinearize runs an additional refinement pass with no new inputs.
	Relinearize(ctx context.Context) error

	// Estimate returns a copy of the current estimate for every variable the
	// solver knows about.
	Estimate() (factor.Values, error)

	// MarginalCovariance returns the marginal covariance of a single
	// variable under the current estimate.
	MarginalCovariance(k factor.Key) (mat.Symmetric, error)

	// BatchOptimize folds the batch in like Update but solves the full
	// problem from the staged initial values, returning the optimized
	// estimate. Callers use it once to establish a well-conditioned starting
	// point before switching to incremental updates.
	BatchOptimize(ctx context.Context, factors []factor.Factor, initial factor.Values) (factor.Values, error)
}

// DivergenceError reports a batch the solver rejected or failed to converge
// on. Key names the offending variable when the solver can identify one.
type DivergenceError struct {
	Key    *factor.Key
	Reason string
}

func (e *DivergenceError) Error() string {
	if e.Key != nil {
		return fmt.Sprintf("optimization diverged: %s (variable %s)", e.Reason, *e.Key)
	}
	return fmt.Sprintf("optimization diverged: %s", e.Reason)
}
