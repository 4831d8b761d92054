// Package hook implements the stop hook protocol: the assistant host sends a
// JSON description of the turn that is about to end, and the hook answers
// whether the goal loop should feed the prompt back for another iteration.
package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/kingrea/goal-loop/internal/session"
	"github.com/kingrea/goal-loop/internal/transcript"
)

// EventStop is the only hook event that drives the loop.
const EventStop = "Stop"

// Input is the payload the assistant host writes to the hook's stdin.
type Input struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	CWD            string `json:"cwd"`
	HookEventName  string `json:"hook_event_name"`
	StopHookActive bool   `json:"stop_hook_active"`
}

// DecodeInput parses hook input. An empty payload yields a zero Input.
func DecodeInput(r io.Reader) (Input, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Input{}, fmt.Errorf("hook: read input: %w", err)
	}
	var in Input
	if len(bytes.TrimSpace(data)) == 0 {
		return in, nil
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return Input{}, fmt.Errorf("hook: decode input: %w", err)
	}
	in.SessionID = strings.TrimSpace(in.SessionID)
	in.TranscriptPath = strings.TrimSpace(in.TranscriptPath)
	in.HookEventName = strings.TrimSpace(in.HookEventName)
	return in, nil
}

// Decision tells the host what to do after the hook runs.
type Decision struct {
	// Continue, when true, blocks the stop and feeds Reason back as the
	// next user turn.
	Continue bool `json:"-"`
	// Reason carries the prompt when Continue is true.
	Reason string `json:"-"`
	// SystemMessage is shown to the user either way.
	SystemMessage string `json:"-"`
}

type wireDecision struct {
	Decision      string `json:"decision,omitempty"`
	Reason        string `json:"reason,omitempty"`
	SystemMessage string `json:"systemMessage,omitempty"`
}

// MarshalJSON renders the host wire format.
func (d Decision) MarshalJSON() ([]byte, error) {
	wire := wireDecision{SystemMessage: d.SystemMessage}
	if d.Continue {
		wire.Decision = "block"
		wire.Reason = d.Reason
	}
	return json.Marshal(wire)
}

// Silent reports whether the decision needs no output at all.
func (d Decision) Silent() bool {
	return !d.Continue && d.SystemMessage == ""
}

// Write emits the decision to w. Silent decisions write nothing so the
// host treats the hook as a plain allow.
func (d Decision) Write(w io.Writer) error {
	if d.Silent() {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// SessionStore is the subset of the session store the evaluator needs.
type SessionStore interface {
	Active() (*session.Session, error)
	Bind(sess *session.Session, agentSession string) error
	Advance(sess *session.Session) error
	Complete(sess *session.Session, status session.Status, reason string) error
	Suspend(sess *session.Session, reason string) error
}

// Evaluator decides stop hook outcomes against the session store.
type Evaluator struct {
	store          SessionStore
	logger         *slog.Logger
	readTranscript func(path string) (string, error)
}

// Option customizes evaluator construction.
type Option func(*Evaluator)

// WithLogger routes diagnostics to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTranscriptReader overrides how the last assistant message is read.
func WithTranscriptReader(fn func(path string) (string, error)) Option {
	return func(e *Evaluator) {
		if fn != nil {
			e.readTranscript = fn
		}
	}
}

// NewEvaluator builds an evaluator over store.
func NewEvaluator(store SessionStore, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:          store,
		logger:         slog.New(slog.DiscardHandler),
		readTranscript: transcript.LastAssistantText,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Evaluate runs one stop check. Whatever goes wrong, the returned Decision
// is safe to emit: failures always resolve to letting the assistant stop,
// and the error is returned for logging.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if in.HookEventName != "" && in.HookEventName != EventStop {
		return Decision{}, nil
	}
	sess, err := e.store.Active()
	if errors.Is(err, session.ErrNoActiveSession) {
		return Decision{}, nil
	}
	if err != nil {
		e.logger.Error("load active session", "error", err)
		return Decision{}, err
	}
	log := e.logger.With("session", sess.ID, "iteration", sess.Iteration)

	if sess.AgentSession != "" && in.SessionID != "" && sess.AgentSession != in.SessionID {
		log.Debug("ignoring stop from another assistant session", "agent_session", in.SessionID)
		return Decision{}, nil
	}
	if err := e.store.Bind(sess, in.SessionID); err != nil {
		return Decision{}, err
	}

	if sess.MaxReached() {
		reason := fmt.Sprintf("max iterations (%d) reached", sess.MaxIterations)
		if err := e.store.Complete(sess, session.StatusMaxIterationsReached, reason); err != nil {
			return Decision{}, err
		}
		log.Info("loop finished", "status", sess.Status)
		return Decision{SystemMessage: fmt.Sprintf("goalloop: %s, loop stopped", reason)}, nil
	}

	text, err := e.lastAssistantText(in.TranscriptPath)
	if err != nil {
		reason := fmt.Sprintf("transcript unavailable: %v", err)
		log.Warn("pausing loop", "error", err, "transcript", in.TranscriptPath)
		if serr := e.store.Suspend(sess, reason); serr != nil {
			return Decision{}, errors.Join(err, serr)
		}
		return Decision{SystemMessage: "goalloop: session paused, " + reason + ". Run `goalloop resume` to continue."}, nil
	}

	if sess.HasPromise() {
		if promise, ok := transcript.ExtractPromise(text); ok && promise == sess.CompletionPromise {
			reason := fmt.Sprintf("completion promise %q detected", promise)
			if err := e.store.Complete(sess, session.StatusAchieved, reason); err != nil {
				return Decision{}, err
			}
			log.Info("loop finished", "status", sess.Status)
			return Decision{SystemMessage: fmt.Sprintf("goalloop: goal achieved after %d iteration(s)", sess.Iteration)}, nil
		}
	}

	if err := e.store.Advance(sess); err != nil {
		return Decision{}, err
	}
	log.Info("continuing loop", "next_iteration", sess.Iteration)
	return Decision{
		Continue:      true,
		Reason:        sess.Prompt,
		SystemMessage: IterationMessage(sess),
	}, nil
}

func (e *Evaluator) lastAssistantText(path string) (string, error) {
	if path == "" {
		return "", errors.New("no transcript path in hook input")
	}
	return e.readTranscript(path)
}

// IterationMessage is the banner shown to the user on every continuation.
func IterationMessage(sess *session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "goalloop iteration %s", sess.IterationLabel())
	if sess.HasPromise() {
		fmt.Fprintf(&b, " | To stop: output <promise>%s</promise> (ONLY when the statement is TRUE)", sess.CompletionPromise)
	} else {
		b.WriteString(" | No completion promise set, loop runs until max iterations or cancel")
	}
	return b.String()
}
