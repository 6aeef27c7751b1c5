// Package classify implements the substring-based error taxonomy used by
// both the Compensation Engine (§4.4) and the Quarantine Store (§4.5). The
// taxonomy is a data table (two term lists) rather than branching code;
// the tables are compiled-in package variables, so changing them means
// changing Go code.
package classify

import "strings"

// Table is an ordered pair of term lists used to classify an error message
// as retryable or terminal. Terminal wins if both match.
type Table struct {
	Retryable []string
	Terminal  []string
}

// Classify reports whether msg should be treated as retryable, checking
// Terminal terms first (terminal wins on overlap) and Retryable terms
// second. Matching is substring-based and case-insensitive. An error that
// matches neither list defaults to retryable=false (a conservative,
// "needs a human" default matching the teacher's preference for explicit
// operator action over silent auto-retry).
func (t Table) Classify(msg string) bool {
	lower := strings.ToLower(msg)
	for _, term := range t.Terminal {
		if strings.Contains(lower, strings.ToLower(term)) {
			return false
		}
	}
	for _, term := range t.Retryable {
		if strings.Contains(lower, strings.ToLower(term)) {
			return true
		}
	}
	return false
}

// CompensationTable is the §4.4 classification used for compensation
// failures.
var CompensationTable = Table{
	Retryable: []string{
		"connection refused",
		"timeout",
		"lock-wait timeout",
		"lock wait timeout",
		"connection lost",
		"service unavailable",
		"cache-service connection",
		"cache service connection",
	},
	Terminal: []string{
		"not found",
		"invalid parameter",
		"permission denied",
		"constraint violation",
	},
}

// QuarantineTable is the §4.5 classification used for saga-level (final)
// failures, tuned differently from CompensationTable per the spec.
var QuarantineTable = Table{
	Retryable: []string{
		"connect",
		"timeout",
		"unregistered-step",
		"step function not found",
		"cache-service connection",
		"cache service connection",
		"transient",
		"other transaction",
		"external-api timeout",
		"external api timeout",
	},
	Terminal: []string{
		"duplicate",
		"insufficient",
		"already",
		"invalid",
		"permission denied",
	},
}
