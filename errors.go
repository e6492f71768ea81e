package graphslam

import (
	"fmt"
	"unicode"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/robomaps/graphslam/factor"
)

// ErrMarginalsUnavailable is returned when marginal covariances are requested
// before any successful update has completed.
var ErrMarginalsUnavailable = errors.New("marginals unavailable, no successful update has completed")

// SolverError reports a failure from the graph-solver collaborator. Key names
// the offending variable when one could be extracted from the solver's
// diagnostic text.
type SolverError struct {
	Key *factor.Key
	Err error
}

func (e *SolverError) Error() string {
	if e.Key != nil {
		return fmt.Sprintf("graph solver failed on variable %s: %v", *e.Key, e.Err)
	}
	return fmt.Sprintf("graph solver failed: %v", e.Err)
}

// Unwrap supports errors.Is/As against the underlying solver error.
func (e *SolverError) Unwrap() error { return e.Err }

// newSolverError wraps an opaque solver error, attempting a best-effort
// extraction of the offending variable from its text.
func newSolverError(err error) *SolverError {
	se := &SolverError{Err: err}
	if k, ok := extractOffendingKey(err.Error()); ok {
		se.Key = &k
	}
	return se
}

// extractOffendingKey scans opaque diagnostic text for the first token that
// parses as a variable key, e.g. "x12" or "l3". Solver errors are not parsed
// beyond this.
func extractOffendingKey(msg string) (factor.Key, bool) {
	tokens := fieldsAlnum(msg)
	for _, tok := range tokens {
		if !slices.Contains([]byte{'x', 'l', 's'}, tok[0]) {
			continue
		}
		if k, ok := factor.ParseKey(tok); ok {
			return k, true
		}
	}
	return factor.Key{}, false
}

func fieldsAlnum(s string) []string {
	var out []string
	start := -1
	for i, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, s[start:i])
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}
