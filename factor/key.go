// Package factor defines the variables and probabilistic constraints that make
// up an incremental pose-graph optimization problem. Variables are addressed
// by typed keys, values live on per-type manifolds, and every factor exposes a
// whitened residual so that solvers never need to know about noise models.
package factor

import (
	"fmt"
	"strconv"
)

// Category partitions the solver's key namespace. Pose and Landmark indices
// are caller-assigned; Switch indices are allocated sequentially by the
// robust constraint manager.
type Category uint8

// The three variable categories of the graph.
const (
	Pose Category = iota
	Landmark
	Switch
)

// String returns the single-character symbol used for the category in key
// names and solver diagnostics.
func (c Category) String() string {
	switch c {
	case Pose:
		return "x"
	case Landmark:
		return "l"
	case Switch:
		return "s"
	default:
		return "?"
	}
}

// Key identifies a single variable in the graph.
type Key struct {
	Category Category
	Index    int
}

// PoseKey returns the key of the robot pose with the given index.
func PoseKey(index int) Key { return Key{Category: Pose, Index: index} }

// LandmarkKey returns the key of the landmark with the given index.
func LandmarkKey(index int) Key { return Key{Category: Landmark, Index: index} }

// SwitchKey returns the key of the switch variable with the given index.
func SwitchKey(index int) Key { return Key{Category: Switch, Index: index} }

// String renders the key in the compact symbol form, e.g. "x12", "l3", "s0".
func (k Key) String() string {
	return fmt.Sprintf("%s%d", k.Category, k.Index)
}

// ParseKey attempts to recover a key from its symbol form. It is used for
// best-effort extraction of an offending variable from opaque solver error
// text, so it tolerates and reports arbitrary input via the second return.
func ParseKey(s string) (Key, bool) {
	if len(s) < 2 {
		return Key{}, false
	}
	var c Category
	switch s[0] {
	case 'x':
		c = Pose
	case 'l':
		c = Landmark
	case 's':
		c = Switch
	default:
		return Key{}, false
	}
	idx, err := strconv.Atoi(s[1:])
	if err != nil || idx < 0 {
		return Key{}, false
	}
	return Key{Category: c, Index: idx}, true
}
