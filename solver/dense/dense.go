// Package dense provides the reference graph-solver implementation: a dense
// Levenberg-Marquardt optimizer over the whitened factor residuals, with
// central-difference Jacobians on the per-type manifolds and marginal
// covariances taken from the inverse information matrix. It retains every
// factor it has been handed, so Update is incremental in contract even though
// each step re-solves the full problem; it is meant for modest graph sizes
// and as the deterministic backend for tests and simulation.
package dense

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/robomaps/graphslam/factor"
	"github.com/robomaps/graphslam/solver"
)

const (
	defaultMaxIterations = 100
	initialLambda        = 1e-4
	maxLambda            = 1e10
	jacobianStep         = 1e-6
	stepTolerance        = 1e-10
	costTolerance        = 1e-12
)

// Options tunes the optimizer.
type Options struct {
	// MaxIterations bounds the Levenberg-Marquardt iterations per solve.
	MaxIterations int
}

// Solver implements solver.Solver.
type Solver struct {
	mu      sync.Mutex
	opts    Options
	logger  golog.Logger
	factors []factor.Factor
	values  factor.Values
	solved  bool

	// cached inverse information matrix and its ordering, invalidated on
	// every solve.
	hinv    *mat.Dense
	order   []factor.Key
	offsets map[factor.Key]int
	dim     int
}

// New returns a solver with default options.
func New(logger golog.Logger) *Solver {
	return NewWithOptions(Options{}, logger)
}

// NewWithOptions returns a solver with the given options.
func NewWithOptions(opts Options, logger golog.Logger) *Solver {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	return &Solver{opts: opts, logger: logger, values: make(factor.Values)}
}

// Update implements solver.Solver. A failed update leaves the solver as if
// the batch had never been handed over, so the caller may retry it.
func (s *Solver) Update(ctx context.Context, factors []factor.Factor, initial factor.Values) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nFactors := len(s.factors)
	snapshot := s.values.Copy()
	s.factors = append(s.factors, factors...)
	s.values.Merge(initial)
	if err := s.optimize(); err != nil {
		s.factors = s.factors[:nFactors]
		s.values = snapshot
		s.buildOrdering()
		return err
	}
	return nil
}

// Relinearize implements solver.Solver.
func (s *Solver) Relinearize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.optimize()
}

// BatchOptimize implements solver.Solver.
func (s *Solver) BatchOptimize(ctx context.Context, factors []factor.Factor, initial factor.Values) (factor.Values, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factors = append(s.factors, factors...)
	s.values.Merge(initial)
	if err := s.optimize(); err != nil {
		return nil, err
	}
	return s.values.Copy(), nil
}

// Estimate implements solver.Solver.
func (s *Solver) Estimate() (factor.Values, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values.Copy(), nil
}

// MarginalCovariance implements solver.Solver.
func (s *Solver) MarginalCovariance(k factor.Key) (mat.Symmetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.solved {
		return nil, errors.New("no estimate available, update first")
	}
	offset, ok := s.offsets[k]
	if !ok {
		return nil, errors.Errorf("unknown variable %s", k)
	}
	if s.hinv == nil {
		jac, _, err := s.linearize()
		if err != nil {
			return nil, err
		}
		var h mat.Dense
		h.Mul(jac.T(), jac)
		var inv mat.Dense
		if err := inv.Inverse(&h); err != nil {
			weak := s.weakestKey(&h)
			return nil, &solver.DivergenceError{Key: weak, Reason: "singular information matrix"}
		}
		s.hinv = &inv
	}
	d := factor.Dim(s.values[k])
	cov := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			v := 0.5 * (s.hinv.At(offset+i, offset+j) + s.hinv.At(offset+j, offset+i))
			cov.SetSym(i, j, v)
		}
	}
	return cov, nil
}

// optimize runs damped Gauss-Newton to convergence. Callers hold s.mu.
func (s *Solver) optimize() error {
	s.hinv = nil
	if len(s.factors) == 0 || len(s.values) == 0 {
		return nil
	}
	s.buildOrdering()

	cost, err := s.totalCost()
	if err != nil {
		return err
	}
	if !isFinite(cost) {
		return &solver.DivergenceError{Reason: "initial cost is not finite"}
	}

	lambda := initialLambda
	for iter := 0; iter < s.opts.MaxIterations; iter++ {
		jac, res, err := s.linearize()
		if err != nil {
			return err
		}

		var h mat.Dense
		h.Mul(jac.T(), jac)
		var g mat.VecDense
		g.MulVec(jac.T(), res)

		accepted := false
		for lambda <= maxLambda {
			step, solveErr := solveDamped(&h, &g, lambda)
			if solveErr != nil {
				lambda *= 10
				continue
			}
			stepNorm := mat.Norm(step, 2)
			if stepNorm < stepTolerance {
				s.solved = true
				return nil
			}

			trial := s.retractAll(step)
			trialCost, costErr := totalCostOf(s.factors, trial)
			if costErr != nil {
				return costErr
			}
			if isFinite(trialCost) && trialCost <= cost {
				improvement := cost - trialCost
				s.values = trial
				cost = trialCost
				lambda = math.Max(lambda/3, 1e-12)
				accepted = true
				if improvement < costTolerance+1e-9*cost {
					s.solved = true
					return nil
				}
				break
			}
			lambda *= 10
		}
		if !accepted {
			if !isFinite(cost) {
				return &solver.DivergenceError{Reason: "cost is not finite"}
			}
			weak := s.weakestKey(&h)
			if lambda > maxLambda && cost > 0 && mat.Norm(&g, 2) > 1 {
				return &solver.DivergenceError{Key: weak, Reason: "unable to reduce error"}
			}
			// No further progress possible; treat as converged.
			s.solved = true
			return nil
		}
	}
	s.solved = true
	return nil
}

func (s *Solver) buildOrdering() {
	keys := make([]factor.Key, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Category != keys[j].Category {
			return keys[i].Category < keys[j].Category
		}
		return keys[i].Index < keys[j].Index
	})
	offsets := make(map[factor.Key]int, len(keys))
	dim := 0
	for _, k := range keys {
		offsets[k] = dim
		dim += factor.Dim(s.values[k])
	}
	s.order = keys
	s.offsets = offsets
	s.dim = dim
}

// linearize evaluates the stacked whitened residual and its Jacobian at the
// current values via central differences.
func (s *Solver) linearize() (*mat.Dense, *mat.VecDense, error) {
	rows := 0
	for _, f := range s.factors {
		rows += f.Dim()
	}
	jac := mat.NewDense(rows, s.dim, nil)
	res := mat.NewVecDense(rows, nil)

	row := 0
	for _, f := range s.factors {
		e, err := f.Error(s.values)
		if err != nil {
			return nil, nil, err
		}
		for i, v := range e {
			res.SetVec(row+i, v)
		}
		for _, k := range f.Keys() {
			base, ok := s.offsets[k]
			if !ok {
				return nil, nil, errors.Errorf("factor references unknown variable %s", k)
			}
			val := s.values[k]
			d := factor.Dim(val)
			for j := 0; j < d; j++ {
				delta := make([]float64, d)
				delta[j] = jacobianStep
				s.values[k] = factor.Retract(val, delta)
				plus, err := f.Error(s.values)
				if err != nil {
					s.values[k] = val
					return nil, nil, err
				}
				delta[j] = -jacobianStep
				s.values[k] = factor.Retract(val, delta)
				minus, err := f.Error(s.values)
				s.values[k] = val
				if err != nil {
					return nil, nil, err
				}
				for i := range plus {
					jac.Set(row+i, base+j, (plus[i]-minus[i])/(2*jacobianStep))
				}
			}
		}
		row += f.Dim()
	}
	return jac, res, nil
}

// solveDamped solves (H + lambda I) dx = -g.
func solveDamped(h *mat.Dense, g *mat.VecDense, lambda float64) (*mat.VecDense, error) {
	n, _ := h.Dims()
	damped := mat.NewDense(n, n, nil)
	damped.Copy(h)
	for i := 0; i < n; i++ {
		damped.Set(i, i, damped.At(i, i)+lambda)
	}
	var neg mat.VecDense
	neg.ScaleVec(-1, g)
	var dx mat.VecDense
	if err := dx.SolveVec(damped, &neg); err != nil {
		return nil, err
	}
	return &dx, nil
}

func (s *Solver) retractAll(step *mat.VecDense) factor.Values {
	out := make(factor.Values, len(s.values))
	for _, k := range s.order {
		val := s.values[k]
		d := factor.Dim(val)
		delta := make([]float64, d)
		base := s.offsets[k]
		for j := 0; j < d; j++ {
			delta[j] = step.AtVec(base + j)
		}
		out[k] = factor.Retract(val, delta)
	}
	return out
}

func (s *Solver) totalCost() (float64, error) {
	return totalCostOf(s.factors, s.values)
}

func totalCostOf(factors []factor.Factor, values factor.Values) (float64, error) {
	var cost float64
	for _, f := range factors {
		e, err := f.Error(values)
		if err != nil {
			return 0, err
		}
		for _, v := range e {
			cost += 0.5 * v * v
		}
	}
	return cost, nil
}

// weakestKey returns the variable with the smallest information-matrix
// diagonal, the usual culprit when the system is singular.
func (s *Solver) weakestKey(h *mat.Dense) *factor.Key {
	best := math.Inf(1)
	var weak *factor.Key
	for _, k := range s.order {
		base := s.offsets[k]
		d := factor.Dim(s.values[k])
		for j := 0; j < d; j++ {
			if v := h.At(base+j, base+j); v < best {
				best = v
				key := k
				weak = &key
			}
		}
	}
	return weak
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
