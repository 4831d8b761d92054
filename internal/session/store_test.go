package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/goal-loop/internal/config"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestStore(t *testing.T) (*Store, *config.Config) {
	t.Helper()
	projectDir := t.TempDir()
	if err := config.InitDir(projectDir); err != nil {
		t.Fatalf("init dir: %v", err)
	}
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		t.Fatalf("new config: %v", err)
	}
	clock := &testClock{now: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
	seq := 0
	store := NewStore(cfg,
		WithClock(clock.Now),
		WithIDGenerator(func(now time.Time) string {
			seq++
			return fmt.Sprintf("%s-%04d", now.Format("20060102-150405"), seq)
		}))
	return store, cfg
}

func TestSetupCreatesActiveSession(t *testing.T) {
	store, cfg := newTestStore(t)
	sess, err := store.Setup(Options{
		Prompt:            "  Fix the flaky tests in pkg/api\n\nKeep going until green.  ",
		MaxIterations:     5,
		CompletionPromise: "  ALL\tTESTS   PASS ",
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if sess.Status != StatusActive || sess.Iteration != 1 {
		t.Fatalf("expected active iteration 1, got %s/%d", sess.Status, sess.Iteration)
	}
	if sess.Name != "fix-the-flaky-tests-in-pkg-api" {
		t.Fatalf("unexpected derived name %q", sess.Name)
	}
	if sess.CompletionPromise != "ALL TESTS PASS" {
		t.Fatalf("expected normalized promise, got %q", sess.CompletionPromise)
	}
	pointer, err := os.ReadFile(cfg.ActivePointerPath())
	if err != nil {
		t.Fatalf("read pointer: %v", err)
	}
	if strings.TrimSpace(string(pointer)) != sess.ID {
		t.Fatalf("pointer = %q, want %q", pointer, sess.ID)
	}
	loaded, err := store.Load(sess.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Prompt != "Fix the flaky tests in pkg/api\n\nKeep going until green." {
		t.Fatalf("prompt round trip mismatch: %q", loaded.Prompt)
	}
	if !loaded.StartedAt.Equal(sess.StartedAt) {
		t.Fatalf("started mismatch: %v vs %v", loaded.StartedAt, sess.StartedAt)
	}
}

func TestSetupValidatesOptions(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Setup(Options{Prompt: "   "}); err == nil {
		t.Fatalf("expected error for empty prompt")
	}
	if _, err := store.Setup(Options{Prompt: "x", MaxIterations: -2}); err == nil {
		t.Fatalf("expected error for negative max iterations")
	}
}

func TestSetupRejectsSecondActiveUnlessForced(t *testing.T) {
	store, _ := newTestStore(t)
	first, err := store.Setup(Options{Prompt: "first goal"})
	if err != nil {
		t.Fatalf("setup first: %v", err)
	}
	if _, err := store.Setup(Options{Prompt: "second goal"}); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	second, err := store.Setup(Options{Prompt: "second goal", Force: true})
	if err != nil {
		t.Fatalf("forced setup: %v", err)
	}
	prev, err := store.Load(first.ID)
	if err != nil {
		t.Fatalf("load first: %v", err)
	}
	if prev.Status != StatusCancelled || prev.EndedAt.IsZero() {
		t.Fatalf("expected first session cancelled with end time, got %s", prev.Status)
	}
	active, err := store.Active()
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active.ID != second.ID {
		t.Fatalf("active = %s, want %s", active.ID, second.ID)
	}
}

func TestPauseResumeCancelLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	sess, err := store.Setup(Options{Prompt: "lifecycle", Name: "Life Cycle!"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if sess.Name != "life-cycle" {
		t.Fatalf("expected slugged name, got %q", sess.Name)
	}
	if _, err := store.Pause("life-cycle", ""); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := store.Active(); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected no active session after pause, got %v", err)
	}
	if _, err := store.Pause(sess.ID, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition pausing paused session, got %v", err)
	}
	resumed, err := store.Resume(sess.ID[:10])
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != StatusActive {
		t.Fatalf("expected active after resume, got %s", resumed.Status)
	}
	cancelled, err := store.Cancel("", "")
	if err != nil {
		t.Fatalf("cancel active: %v", err)
	}
	if cancelled.Status != StatusCancelled || cancelled.Reason != "cancelled by user" {
		t.Fatalf("unexpected cancel result %s / %q", cancelled.Status, cancelled.Reason)
	}
	if _, err := store.Resume(sess.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected terminal session to stay cancelled, got %v", err)
	}
	book, err := store.History(sess.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	lines, total := book.Tail(10)
	if total != 4 {
		t.Fatalf("expected 4 history entries, got %d: %v", total, lines)
	}
	if !strings.Contains(lines[3], "active -> cancelled") {
		t.Fatalf("last history line = %q", lines[3])
	}
}

func TestResumeRefusesWhenAnotherIsActive(t *testing.T) {
	store, _ := newTestStore(t)
	first, err := store.Setup(Options{Prompt: "first"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := store.Pause(first.ID, "later"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := store.Setup(Options{Prompt: "second"}); err != nil {
		t.Fatalf("setup second: %v", err)
	}
	if _, err := store.Resume(first.ID); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
}

func TestAdvanceAndComplete(t *testing.T) {
	store, _ := newTestStore(t)
	sess, err := store.Setup(Options{Prompt: "count", MaxIterations: 3})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := store.Advance(sess); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}
	if !sess.MaxReached() {
		t.Fatalf("expected max reached at %s", sess.IterationLabel())
	}
	if err := store.Complete(sess, StatusPaused, "nope"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected non-terminal complete to fail, got %v", err)
	}
	if err := store.Complete(sess, StatusMaxIterationsReached, "limit"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	loaded, err := store.Load(sess.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Iteration != 3 || loaded.Status != StatusMaxIterationsReached {
		t.Fatalf("unexpected persisted state %d/%s", loaded.Iteration, loaded.Status)
	}
	if err := store.Advance(loaded); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected advance on terminal session to fail, got %v", err)
	}
}

func TestActiveClearsDanglingPointer(t *testing.T) {
	store, cfg := newTestStore(t)
	if err := os.WriteFile(cfg.ActivePointerPath(), []byte("missing-session\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Active(); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if _, err := os.Stat(cfg.ActivePointerPath()); !os.IsNotExist(err) {
		t.Fatalf("expected pointer removed, stat err = %v", err)
	}
}

func TestLoadReportsCorruptState(t *testing.T) {
	store, _ := newTestStore(t)
	sess, err := store.Setup(Options{Prompt: "corrupt me"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	path := filepath.Join(store.Dir(sess.ID), documentName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	broken := strings.Replace(string(data), "iteration: 1", "iteration: one", 1)
	if err := os.WriteFile(path, []byte(broken), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(sess.ID); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState, got %v", err)
	}
	sessions, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected corrupt session skipped, got %d", len(sessions))
	}
}

func TestResolveAmbiguousAndMissing(t *testing.T) {
	store, _ := newTestStore(t)
	a, err := store.Setup(Options{Prompt: "alpha"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Setup(Options{Prompt: "beta", Force: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Resolve("2026"); !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("expected ErrAmbiguous, got %v", err)
	}
	if _, err := store.Resolve("nothing-here"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	got, err := store.Resolve("alpha")
	if err != nil || got.ID != a.ID {
		t.Fatalf("resolve by name: %v %v", got, err)
	}
	list, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Name != "beta" {
		t.Fatalf("expected newest first, got %v", list)
	}
}

func TestBindRecordsAgentSession(t *testing.T) {
	store, _ := newTestStore(t)
	sess, err := store.Setup(Options{Prompt: "bind"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Bind(sess, " agent-123 "); err != nil {
		t.Fatalf("bind: %v", err)
	}
	loaded, err := store.Load(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.AgentSession != "agent-123" {
		t.Fatalf("agent session = %q", loaded.AgentSession)
	}
}

func TestCorruptActiveSessionIsReleased(t *testing.T) {
	store, cfg := newTestStore(t)
	sess, err := store.Setup(Options{Prompt: "corrupt me"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	path := filepath.Join(store.Dir(sess.ID), documentName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	broken := strings.Replace(string(data), "status: active", "status: bogus", 1)
	if err := os.WriteFile(path, []byte(broken), 0o644); err != nil {
		t.Fatal(err)
	}

	next, err := store.Setup(Options{Prompt: "start over", Force: true})
	if err != nil {
		t.Fatalf("forced setup over corrupt session: %v", err)
	}
	active, err := store.Active()
	if err != nil || active.ID != next.ID {
		t.Fatalf("expected %s active, got %v (%v)", next.ID, active, err)
	}
	pointer, err := os.ReadFile(cfg.ActivePointerPath())
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(pointer)) != next.ID {
		t.Fatalf("pointer = %q, want %s", pointer, next.ID)
	}
	book, err := store.History(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	lines, _ := book.Tail(1)
	if len(lines) != 1 || !strings.Contains(lines[0], "ERROR") || !strings.Contains(lines[0], "released from the active slot") {
		t.Fatalf("expected release recorded in history, got %v", lines)
	}
}

func TestCancelWithCorruptActiveReportsNoActive(t *testing.T) {
	store, cfg := newTestStore(t)
	sess, err := store.Setup(Options{Prompt: "corrupt me"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.Dir(sess.ID), documentName), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Cancel("", ""); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if _, err := os.Stat(cfg.ActivePointerPath()); !os.IsNotExist(err) {
		t.Fatalf("expected pointer removed, stat err = %v", err)
	}
	if _, err := store.Setup(Options{Prompt: "fresh"}); err != nil {
		t.Fatalf("setup after release: %v", err)
	}
}

func TestTransitionRollsBackOnSaveFailure(t *testing.T) {
	store, _ := newTestStore(t)
	sess, err := store.Setup(Options{Prompt: "unsaveable"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	before := *sess
	dir := store.Dir(sess.ID)
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	// a plain file where the session directory should be makes every save fail
	if err := os.WriteFile(dir, []byte("blocked"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := store.Complete(sess, StatusAchieved, "done"); err == nil {
		t.Fatalf("expected save failure")
	}
	if *sess != before {
		t.Fatalf("session not restored:\n got %+v\nwant %+v", *sess, before)
	}
}

func TestSavePersistsEdits(t *testing.T) {
	store, _ := newTestStore(t)
	sess, err := store.Setup(Options{Prompt: "edit me"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	sess.Name = "renamed"
	sess.Prompt = "edited prompt"
	if err := store.Save(sess); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.Load(sess.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Name != "renamed" || loaded.Prompt != "edited prompt" {
		t.Fatalf("unexpected loaded session %+v", loaded)
	}
}

func TestHistoryUsesStoreClock(t *testing.T) {
	store, _ := newTestStore(t)
	sess, err := store.Setup(Options{Prompt: "clocked"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	book, err := store.History(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	lines, _ := book.Tail(1)
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "2026-10-01T09:00:") {
		t.Fatalf("expected history stamped by the store clock, got %v", lines)
	}
}
