package session

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kingrea/goal-loop/internal/config"
	"github.com/kingrea/goal-loop/internal/logbook"
)

const (
	documentName = "session.md"
	historyName  = "history.log"
)

// Store persists sessions under .goalloop/sessions and tracks which one is
// active through .goalloop/state/active.
type Store struct {
	sessionsDir string
	pointerPath string
	clock       func() time.Time
	newID       func(time.Time) string
	logger      *slog.Logger

	mu sync.Mutex
}

// StoreOption customizes store construction.
type StoreOption func(*Store)

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(fn func(time.Time) string) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithLogger routes store diagnostics to logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates a store rooted at the project's .goalloop directory.
func NewStore(cfg *config.Config, opts ...StoreOption) *Store {
	s := &Store{
		sessionsDir: cfg.SessionsDir(),
		pointerPath: cfg.ActivePointerPath(),
		clock:       func() time.Time { return time.Now().UTC() },
		newID:       defaultID,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func defaultID(now time.Time) string {
	return now.UTC().Format("20060102-150405") + "-" + uuid.New().String()[:8]
}

// Dir returns the directory holding the session's files.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.sessionsDir, id)
}

// History opens the logbook for a session.
func (s *Store) History(id string) (*logbook.Logbook, error) {
	book, err := logbook.New(filepath.Join(s.Dir(id), historyName))
	if err != nil {
		return nil, err
	}
	return book.WithClock(s.clock), nil
}

// Setup creates a new active session. If another session is active it fails
// with ErrSessionActive unless opts.Force is set, in which case the previous
// session is cancelled as superseded.
func (s *Store) Setup(opts Options) (*Session, error) {
	opts, err := opts.normalized()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.active()
	switch {
	case err == nil:
		if !opts.Force {
			return nil, fmt.Errorf("%w: %s (%s)", ErrSessionActive, current.ID, current.Name)
		}
		if err := s.transition(current, StatusCancelled, "superseded by a new session"); err != nil {
			return nil, err
		}
	case errors.Is(err, ErrNoActiveSession):
	default:
		return nil, err
	}

	now := s.clock()
	sess := &Session{
		ID:                s.newID(now),
		Name:              opts.Name,
		Status:            StatusActive,
		Iteration:         1,
		MaxIterations:     opts.MaxIterations,
		CompletionPromise: opts.CompletionPromise,
		StartedAt:         now,
		UpdatedAt:         now,
		Prompt:            opts.Prompt,
	}
	if err := s.save(sess); err != nil {
		return nil, err
	}
	if err := s.writePointer(sess.ID); err != nil {
		return nil, err
	}
	s.record(sess.ID, logbook.LevelInfo, "session started · %s · promise: %s",
		sess.IterationLabel(), promiseLabel(sess.CompletionPromise))
	s.logger.Info("session started", "session", sess.ID, "name", sess.Name, "max_iterations", sess.MaxIterations)
	return sess, nil
}

// Load reads a session by exact id.
func (s *Store) Load(id string) (*Session, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	path := filepath.Join(s.Dir(id), documentName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("session: read %s: %w", path, err)
	}
	sess, err := decodeDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}
	if sess.ID != id {
		return nil, fmt.Errorf("%w: %s: id %q does not match directory", ErrCorruptState, path, sess.ID)
	}
	return sess, nil
}

// Save persists the session document.
func (s *Store) Save(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(sess)
}

func (s *Store) save(sess *Session) error {
	data, err := encodeDocument(sess)
	if err != nil {
		return err
	}
	dir := s.Dir(sess.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("session: ensure dir: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, documentName), data)
}

// List returns every readable session, newest first. Corrupt sessions are
// skipped and logged.
func (s *Store) List() ([]*Session, error) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: list %s: %w", s.sessionsDir, err)
	}
	sessions := make([]*Session, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sess, err := s.Load(entry.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable session", "session", entry.Name(), "error", err)
			continue
		}
		sessions = append(sessions, sess)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].ID > sessions[j].ID
		}
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}

// Active returns the session the stop hook drives.
func (s *Store) Active() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active()
}

func (s *Store) active() (*Session, error) {
	id, err := s.readPointer()
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrNoActiveSession
	}
	sess, err := s.Load(id)
	switch {
	case errors.Is(err, ErrNotFound):
		s.logger.Warn("clearing dangling active pointer", "session", id)
		if err := s.clearPointer(id); err != nil {
			return nil, err
		}
		return nil, ErrNoActiveSession
	case errors.Is(err, ErrCorruptState):
		// an unreadable session cannot hold the active slot
		s.logger.Error("releasing corrupt active session", "session", id, "error", err)
		s.record(id, logbook.LevelError, "released from the active slot: %v", err)
		if err := s.clearPointer(id); err != nil {
			return nil, err
		}
		return nil, ErrNoActiveSession
	case err != nil:
		return nil, err
	}
	if sess.Status != StatusActive {
		if err := s.clearPointer(id); err != nil {
			return nil, err
		}
		return nil, ErrNoActiveSession
	}
	return sess, nil
}

// Resolve finds a session by exact id, unique id prefix, or unique name.
// An empty reference resolves to the active session.
func (s *Store) Resolve(ref string) (*Session, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return s.Active()
	}
	if sess, err := s.Load(ref); err == nil {
		return sess, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	sessions, err := s.List()
	if err != nil {
		return nil, err
	}
	var matches []*Session
	for _, sess := range sessions {
		if strings.HasPrefix(sess.ID, ref) || sess.Name == ref {
			matches = append(matches, sess)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, 0, len(matches))
		for _, m := range matches {
			ids = append(ids, m.ID)
		}
		return nil, fmt.Errorf("%w: %s matches %s", ErrAmbiguous, ref, strings.Join(ids, ", "))
	}
}

// Pause moves an active session to paused.
func (s *Store) Pause(ref, reason string) (*Session, error) {
	return s.transitionRef(ref, StatusPaused, reasonOr(reason, "paused by user"))
}

// Cancel stops an active or paused session for good.
func (s *Store) Cancel(ref, reason string) (*Session, error) {
	return s.transitionRef(ref, StatusCancelled, reasonOr(reason, "cancelled by user"))
}

// Resume reactivates a paused session. It fails with ErrSessionActive when
// a different session already holds the active slot.
func (s *Store) Resume(ref string) (*Session, error) {
	sess, err := s.Resolve(ref)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.active()
	switch {
	case err == nil && current.ID != sess.ID:
		return nil, fmt.Errorf("%w: %s (%s)", ErrSessionActive, current.ID, current.Name)
	case err != nil && !errors.Is(err, ErrNoActiveSession):
		return nil, err
	}
	if err := s.transition(sess, StatusActive, "resumed by user"); err != nil {
		return nil, err
	}
	return sess, nil
}

// Complete moves an active session into a terminal status.
func (s *Store) Complete(sess *Session, status Status, reason string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(sess, status, reason)
}

// Suspend pauses an active session on behalf of the hook.
func (s *Store) Suspend(sess *Session, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(sess, StatusPaused, reason)
}

// Advance increments the iteration counter of an active session.
func (s *Store) Advance(sess *Session) error {
	if sess.Status != StatusActive {
		return fmt.Errorf("%w: cannot advance %s session", ErrInvalidTransition, sess.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.Iteration++
	sess.UpdatedAt = s.clock()
	if err := s.save(sess); err != nil {
		sess.Iteration--
		return err
	}
	s.record(sess.ID, logbook.LevelInfo, "iteration %s started", sess.IterationLabel())
	return nil
}

// Bind records the assistant session driving this loop.
func (s *Store) Bind(sess *Session, agentSession string) error {
	agentSession = strings.TrimSpace(agentSession)
	if agentSession == "" || sess.AgentSession == agentSession {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.AgentSession = agentSession
	sess.UpdatedAt = s.clock()
	if err := s.save(sess); err != nil {
		return err
	}
	s.record(sess.ID, logbook.LevelInfo, "bound to assistant session %s", agentSession)
	return nil
}

func (s *Store) transitionRef(ref string, to Status, reason string) (*Session, error) {
	sess, err := s.Resolve(ref)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(sess, to, reason); err != nil {
		return nil, err
	}
	return sess, nil
}

// transition applies a status change, persists it, and keeps the active
// pointer in sync. Callers hold s.mu.
func (s *Store) transition(sess *Session, to Status, reason string) error {
	from := sess.Status
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, from, to, sess.ID)
	}
	previous := *sess
	now := s.clock()
	sess.Status = to
	sess.Reason = strings.TrimSpace(reason)
	sess.UpdatedAt = now
	if to.IsTerminal() {
		sess.EndedAt = now
	}
	if err := s.save(sess); err != nil {
		*sess = previous
		return err
	}
	switch {
	case to == StatusActive:
		if err := s.writePointer(sess.ID); err != nil {
			return err
		}
	case from == StatusActive:
		if err := s.clearPointer(sess.ID); err != nil {
			return err
		}
	}
	level := logbook.LevelInfo
	if to == StatusPaused || to == StatusCancelled {
		level = logbook.LevelWarn
	}
	s.record(sess.ID, level, "%s -> %s at iteration %s: %s", from, to, sess.IterationLabel(), reasonOr(sess.Reason, "-"))
	s.logger.Info("session transition", "session", sess.ID, "from", from, "to", to, "iteration", sess.Iteration)
	return nil
}

func (s *Store) record(id string, level logbook.Level, format string, args ...any) {
	book, err := s.History(id)
	if err == nil {
		switch level {
		case logbook.LevelWarn:
			err = book.Warn(format, args...)
		case logbook.LevelError:
			err = book.Error(format, args...)
		default:
			err = book.Info(format, args...)
		}
	}
	if err != nil {
		s.logger.Warn("history append failed", "session", id, "error", err)
	}
}

func (s *Store) readPointer() (string, error) {
	data, err := os.ReadFile(s.pointerPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("session: read active pointer: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *Store) writePointer(id string) error {
	if err := os.MkdirAll(filepath.Dir(s.pointerPath), 0o755); err != nil {
		return fmt.Errorf("session: ensure state dir: %w", err)
	}
	return writeFileAtomic(s.pointerPath, []byte(id+"\n"))
}

// clearPointer removes the active pointer if it still names id.
func (s *Store) clearPointer(id string) error {
	current, err := s.readPointer()
	if err != nil {
		return err
	}
	if current != id {
		return nil
	}
	if err := os.Remove(s.pointerPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("session: clear active pointer: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("session: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("session: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: replace %s: %w", path, err)
	}
	return nil
}

func reasonOr(reason, fallback string) string {
	if strings.TrimSpace(reason) == "" {
		return fallback
	}
	return reason
}

func promiseLabel(promise string) string {
	if promise == "" {
		return "none"
	}
	return fmt.Sprintf("%q", promise)
}

// Detail loads the session's JSON view with up to tail history lines.
func (s *Store) Detail(sess *Session, tail int) Detail {
	detail := Detail{Summary: sess.Summary(), Prompt: sess.Prompt}
	if book, err := s.History(sess.ID); err == nil {
		detail.History, detail.HistoryTotal = book.Tail(tail)
	}
	return detail
}
