package submission

import (
	"strings"

	"github.com/stemsi/exstem-skills/internal/model"
)

// Status is the evaluation status of a submission as reported by the
// evaluation service.
type Status string

const (
	StatusPending      Status = "pending"
	StatusTranscribing Status = "transcribing"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:      0,
	StatusTranscribing: 1,
	StatusProcessing:   2,
	StatusCompleted:    3,
}

// ParseStatus maps a raw status onto the known set. ok is false for values
// this client does not recognize.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusPending, StatusTranscribing, StatusProcessing, StatusCompleted, StatusFailed:
		return s, true
	}
	return "", false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from → to is a forward edge of
// pending → transcribing (speaking only) → processing → completed, with
// failed reachable from any non-terminal status.
func CanTransition(from, to Status, skill model.SkillType) bool {
	if from.Terminal() || from == to {
		return false
	}
	if to == StatusFailed {
		return true
	}
	if to == StatusTranscribing && skill != model.SkillSpeaking {
		return false
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	return ok && toRank > fromRank
}

// Reconcile returns the status after observing raw. Unknown values count as
// pending-equivalent and keep the current status; backward moves are ignored.
func Reconcile(current Status, raw string, skill model.SkillType) Status {
	if current == "" {
		current = StatusPending
	}
	observed, ok := ParseStatus(raw)
	if !ok {
		return current
	}
	if CanTransition(current, observed, skill) {
		return observed
	}
	return current
}
