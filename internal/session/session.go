// Package session implements the goal-iteration state machine and its
// file-backed store. Each session lives in .goalloop/sessions/<id>/ as a
// markdown document whose YAML frontmatter carries the state and whose body
// is the prompt fed back to the assistant on every iteration.
package session

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kingrea/goal-loop/internal/transcript"
)

var (
	// ErrNoActiveSession is returned when the stop hook has nothing to drive.
	ErrNoActiveSession = errors.New("session: no active session")
	// ErrSessionActive is returned by Setup when another session is still active.
	ErrSessionActive = errors.New("session: another session is active")
	// ErrNotFound is returned when a session reference matches nothing.
	ErrNotFound = errors.New("session: not found")
	// ErrAmbiguous is returned when a reference matches more than one session.
	ErrAmbiguous = errors.New("session: ambiguous reference")
	// ErrInvalidTransition is returned for status changes the lifecycle forbids.
	ErrInvalidTransition = errors.New("session: invalid status transition")
	// ErrCorruptState indicates the session document could not be decoded.
	ErrCorruptState = errors.New("session: corrupt state")
)

// Session is the in-memory view of one goal loop.
type Session struct {
	ID                string
	Name              string
	Status            Status
	Iteration         int
	MaxIterations     int
	CompletionPromise string
	AgentSession      string
	Reason            string
	StartedAt         time.Time
	UpdatedAt         time.Time
	EndedAt           time.Time
	Prompt            string
}

// Options configures a new session.
type Options struct {
	Prompt            string
	Name              string
	MaxIterations     int
	CompletionPromise string
	// Force cancels an already active session instead of failing.
	Force bool
}

// HasPromise reports whether a completion promise is configured.
func (s *Session) HasPromise() bool {
	return s != nil && s.CompletionPromise != ""
}

// MaxReached reports whether another iteration would exceed the bound.
func (s *Session) MaxReached() bool {
	return s != nil && s.MaxIterations > 0 && s.Iteration >= s.MaxIterations
}

// IterationLabel renders "3/10" or "3/∞".
func (s *Session) IterationLabel() string {
	if s.MaxIterations > 0 {
		return fmt.Sprintf("%d/%d", s.Iteration, s.MaxIterations)
	}
	return fmt.Sprintf("%d/∞", s.Iteration)
}

// PromptHead returns the first non-empty line of the prompt, truncated.
func (s *Session) PromptHead(width int) string {
	for _, line := range strings.Split(s.Prompt, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if width > 1 && len([]rune(line)) > width {
			return string([]rune(line)[:width-1]) + "…"
		}
		return line
	}
	return ""
}

func (o Options) normalized() (Options, error) {
	o.Prompt = strings.TrimSpace(o.Prompt)
	if o.Prompt == "" {
		return o, fmt.Errorf("session: prompt is required")
	}
	if o.MaxIterations < 0 {
		return o, fmt.Errorf("session: max iterations must be >= 0, got %d", o.MaxIterations)
	}
	o.CompletionPromise = NormalizePromise(o.CompletionPromise)
	o.Name = Slug(o.Name)
	if o.Name == "" {
		o.Name = Slug(firstLine(o.Prompt))
	}
	if o.Name == "" {
		o.Name = "goal"
	}
	return o, nil
}

// NormalizePromise applies the transcript normalization so configured and
// emitted promises compare exactly.
func NormalizePromise(value string) string {
	return transcript.NormalizePromise(value)
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

const maxSlugLen = 40

// Slug lowercases value and replaces runs of other characters with dashes.
func Slug(value string) string {
	slug := slugInvalid.ReplaceAllString(strings.ToLower(value), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	return slug
}

func firstLine(value string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(value), "\n")
	return line
}

// Summary is the JSON view of a session shared by the bridge, MCP tools and
// `goalloop status --json`.
type Summary struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Status            Status     `json:"status"`
	Iteration         int        `json:"iteration"`
	MaxIterations     int        `json:"max_iterations"`
	CompletionPromise string     `json:"completion_promise,omitempty"`
	AgentSession      string     `json:"agent_session,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
}

// Summary returns the JSON view of s.
func (s *Session) Summary() Summary {
	sum := Summary{
		ID:                s.ID,
		Name:              s.Name,
		Status:            s.Status,
		Iteration:         s.Iteration,
		MaxIterations:     s.MaxIterations,
		CompletionPromise: s.CompletionPromise,
		AgentSession:      s.AgentSession,
		Reason:            s.Reason,
		StartedAt:         s.StartedAt,
		UpdatedAt:         s.UpdatedAt,
	}
	if !s.EndedAt.IsZero() {
		ended := s.EndedAt
		sum.EndedAt = &ended
	}
	return sum
}

// Detail adds the prompt and recent history to a Summary.
type Detail struct {
	Summary
	Prompt       string   `json:"prompt"`
	History      []string `json:"history,omitempty"`
	HistoryTotal int      `json:"history_total"`
}
