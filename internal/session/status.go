package session

import "fmt"

// Status enumerates the lifecycle states of a goal session.
type Status string

const (
	StatusActive               Status = "active"
	StatusPaused               Status = "paused"
	StatusAchieved             Status = "achieved"
	StatusMaxIterationsReached Status = "max_iterations_reached"
	StatusCancelled            Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusActive: {StatusPaused, StatusAchieved, StatusMaxIterationsReached, StatusCancelled},
	StatusPaused: {StatusActive, StatusCancelled},
}

// ParseStatus validates a persisted status string.
func ParseStatus(value string) (Status, error) {
	status := Status(value)
	switch status {
	case StatusActive, StatusPaused, StatusAchieved, StatusMaxIterationsReached, StatusCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("unknown status %q", value)
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusAchieved || s == StatusMaxIterationsReached || s == StatusCancelled
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Label returns a short human readable description.
func (s Status) Label() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusPaused:
		return "Paused"
	case StatusAchieved:
		return "Achieved"
	case StatusMaxIterationsReached:
		return "Max iterations reached"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}
