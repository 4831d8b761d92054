package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/goal-loop/internal/config"
	"github.com/kingrea/goal-loop/internal/session"
)

func newTestApp(t *testing.T) (*App, *session.Store) {
	t.Helper()
	projectDir := t.TempDir()
	if err := config.InitDir(projectDir); err != nil {
		t.Fatalf("init dir: %v", err)
	}
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		t.Fatalf("new config: %v", err)
	}
	store := session.NewStore(cfg)
	app, err := NewApp(cfg, store, WithoutWatcher())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	return app, store
}

// send delivers msg and executes the returned command chain, skipping
// ticks and batches that would block the test.
func send(t *testing.T, app *App, msg tea.Msg) *App {
	t.Helper()
	model, cmd := app.Update(msg)
	current, ok := model.(*App)
	if !ok {
		t.Fatalf("unexpected model type %T", model)
	}
	for cmd != nil {
		next := cmd()
		switch next.(type) {
		case sessionsLoadedMsg, actionDoneMsg:
			model, cmd = current.Update(next)
			current = model.(*App)
		default:
			cmd = nil
		}
	}
	return current
}

func key(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func TestEmptyDashboard(t *testing.T) {
	app, _ := newTestApp(t)
	app = send(t, app, tea.WindowSizeMsg{Width: 120, Height: 40})
	app = send(t, app, app.loadSessions())
	if len(app.sessions) != 0 {
		t.Fatalf("expected no sessions, got %d", len(app.sessions))
	}
	if !strings.Contains(app.View(), "No goal sessions yet") {
		t.Fatalf("expected empty hint in view")
	}
}

func TestDashboardShowsSessionDetail(t *testing.T) {
	app, store := newTestApp(t)
	sess, err := store.Setup(session.Options{Prompt: "Make the build green", MaxIterations: 4, CompletionPromise: "GREEN"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	app = send(t, app, tea.WindowSizeMsg{Width: 140, Height: 40})
	app = send(t, app, app.loadSessions())
	if got := app.selected(); got == nil || got.ID != sess.ID {
		t.Fatalf("expected %s selected, got %+v", sess.ID, got)
	}
	view := app.View()
	for _, want := range []string{"Iteration:  1/4", "GREEN", "History (1 of 1)"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestKeysDriveSessionTransitions(t *testing.T) {
	app, store := newTestApp(t)
	sess, err := store.Setup(session.Options{Prompt: "loop"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	app = send(t, app, app.loadSessions())

	app = send(t, app, key('p'))
	if got, _ := store.Load(sess.ID); got.Status != session.StatusPaused {
		t.Fatalf("expected paused, got %s", got.Status)
	}
	if !strings.Contains(app.statusMsg, "paused") {
		t.Fatalf("expected pause status message, got %q", app.statusMsg)
	}
	if app.selected().Status != session.StatusPaused {
		t.Fatalf("dashboard did not reload after pause")
	}

	app = send(t, app, key('r'))
	if got, _ := store.Load(sess.ID); got.Status != session.StatusActive {
		t.Fatalf("expected active, got %s", got.Status)
	}

	app = send(t, app, key('c'))
	if got, _ := store.Load(sess.ID); got.Status != session.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	app = send(t, app, key('r'))
	if app.err == nil {
		t.Fatalf("expected resume of cancelled session to fail")
	}
	if !strings.Contains(app.View(), "not allowed") {
		t.Fatalf("expected transition error in view")
	}
}

func TestQuitKey(t *testing.T) {
	app, _ := newTestApp(t)
	_, cmd := app.Update(key('q'))
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
}
