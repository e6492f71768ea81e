// Package robust wraps relative-pose constraints with switch variables so
// that an erroneous measurement, such as a mismatched loop closure, can be
// down-weighted by the optimizer instead of corrupting the whole estimate.
package robust

import (
	"go.viam.com/rdk/spatialmath"

	"github.com/robomaps/graphslam/builder"
	"github.com/robomaps/graphslam/factor"
	"github.com/robomaps/graphslam/store"
)

const (
	// fullConfidence is the staged initial value of every switch variable.
	fullConfidence = 1.0
	// switchPriorSigma is the standard deviation of the unary prior keeping a
	// switch near full confidence. A loose prior lets the solver drop an
	// inconsistent constraint at moderate cost.
	switchPriorSigma = 2.0
)

// Manager owns the switch-variable collection. Switch indices are assigned
// sequentially, one per robust relative-pose constraint, and are never
// aliased with pose or landmark identifier spaces.
type Manager struct {
	builder *builder.Builder
	store   *store.Store
	robust  bool

	// edgeSwitch records, per added relative-pose constraint, the index of
	// its switch variable, or -1 when it was added in plain form.
	edgeSwitch []int
	next       int
}

// New returns a manager in the given mode.
func New(b *builder.Builder, s *store.Store, robustMode bool) *Manager {
	return &Manager{builder: b, store: s, robust: robustMode}
}

// SetRobust changes the mode for constraints added from now on. Constraints
// already added keep their original form.
func (m *Manager) SetRobust(robustMode bool) {
	m.robust = robustMode
}

// Robust reports the current mode.
func (m *Manager) Robust() bool {
	return m.robust
}

// AddRelativePose appends a relative-pose constraint between two pose
// variables, in switchable form when robust mode is on. Both poses must
// already be known to the builder. The return value is the edge index used
// for confidence lookups.
func (m *Manager) AddRelativePose(from, to int, delta spatialmath.Pose, noise factor.Diagonal) (int, error) {
	fromKey, toKey := factor.PoseKey(from), factor.PoseKey(to)

	if !m.robust {
		if err := m.builder.AddFactor(&factor.BetweenPose{
			From: fromKey, To: toKey, Delta: delta, Noise: noise,
		}); err != nil {
			return 0, err
		}
		m.edgeSwitch = append(m.edgeSwitch, -1)
		return len(m.edgeSwitch) - 1, nil
	}

	swIndex := m.next
	swKey := factor.SwitchKey(swIndex)
	m.builder.StageInitial(swKey, fullConfidence)
	if err := m.store.Create(swKey, fullConfidence); err != nil {
		return 0, err
	}
	if err := m.builder.AddFactor(&factor.SwitchPrior{
		Key: swKey, Value: fullConfidence, Noise: factor.Sigmas(switchPriorSigma),
	}); err != nil {
		return 0, err
	}
	if err := m.builder.AddFactor(&factor.SwitchableBetweenPose{
		From: fromKey, To: toKey, Switch: swKey, Delta: delta, Noise: noise,
	}); err != nil {
		return 0, err
	}
	m.next++
	m.edgeSwitch = append(m.edgeSwitch, swIndex)
	return len(m.edgeSwitch) - 1, nil
}

// SwitchCount returns the number of switch variables allocated so far. It
// equals the number of robust relative-pose constraints added.
func (m *Manager) SwitchCount() int {
	return m.next
}

// EdgeCount returns the number of relative-pose constraints added through
// the manager, robust or not.
func (m *Manager) EdgeCount() int {
	return len(m.edgeSwitch)
}

// Confidence returns the current confidence of the constraint with the given
// edge index, clamped to [0,1]. Constraints added in plain form always report
// full confidence.
func (m *Manager) Confidence(edge int) float64 {
	if edge < 0 || edge >= len(m.edgeSwitch) || m.edgeSwitch[edge] < 0 {
		return fullConfidence
	}
	raw, err := m.store.Switch(m.edgeSwitch[edge])
	if err != nil {
		return fullConfidence
	}
	return clamp01(raw)
}

// Confidences returns the per-edge confidence scalars for every constraint
// added through the manager, in insertion order.
func (m *Manager) Confidences() []float64 {
	out := make([]float64, len(m.edgeSwitch))
	for i := range m.edgeSwitch {
		out[i] = m.Confidence(i)
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
