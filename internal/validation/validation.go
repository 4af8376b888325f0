// Package validation holds the per-skill answer validators. Every function
// here is pure: the same input always yields the same verdict, so callers may
// re-run a check once more data (an audio duration, say) is known.
package validation

import (
	"fmt"
	"strings"
)

// Reason identifies why an answer was rejected.
type Reason string

const (
	ReasonTooShort          Reason = "TOO_SHORT"
	ReasonTooLong           Reason = "TOO_LONG"
	ReasonFileTooLarge      Reason = "FILE_TOO_LARGE"
	ReasonUnsupportedFormat Reason = "UNSUPPORTED_FORMAT"
	ReasonDurationExceeded  Reason = "DURATION_EXCEEDED"
	ReasonMissingAnswer     Reason = "MISSING_ANSWER"
)

// Violation is one failed rule with the measured value and the bound it broke.
type Violation struct {
	Reason   Reason  `json:"reason"`
	Field    string  `json:"field"`
	Measured float64 `json:"measured"`
	Limit    float64 `json:"limit"`
	Value    string  `json:"value,omitempty"`
}

func (v Violation) Error() string {
	if v.Value != "" {
		return fmt.Sprintf("%s: %s %q", v.Reason, v.Field, v.Value)
	}
	return fmt.Sprintf("%s: %s is %g (limit %g)", v.Reason, v.Field, v.Measured, v.Limit)
}

// Violations is the outcome of a validator. An empty slice means ok.
type Violations []Violation

func (vs Violations) Error() string {
	msgs := make([]string, len(vs))
	for i, v := range vs {
		msgs[i] = v.Error()
	}
	return strings.Join(msgs, "; ")
}

// OK reports whether no rule failed.
func (vs Violations) OK() bool { return len(vs) == 0 }

// Has reports whether any violation carries reason r.
func (vs Violations) Has(r Reason) bool {
	for _, v := range vs {
		if v.Reason == r {
			return true
		}
	}
	return false
}

// Err returns vs as an error, or a nil interface when there are none.
func (vs Violations) Err() error {
	if len(vs) == 0 {
		return nil
	}
	return vs
}

// Missing reports an absent free-response answer.
func Missing(field string) Violations {
	return Violations{{Reason: ReasonMissingAnswer, Field: field}}
}
