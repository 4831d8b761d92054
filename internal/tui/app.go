// internal/tui/app.go
//
// The goalloop dashboard. It uses bubbletea, which follows The Elm Architecture:
//
// 1. Model: the list of sessions plus the selected session's detail
// 2. Update: reacts to keys, file-system change notifications and ticks
// 3. View: renders the session list beside the detail pane
//
// The session files are the source of truth: every action goes through the
// store, and the view reloads whenever fsnotify reports a change.

package tui

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"
	"github.com/kingrea/goal-loop/internal/config"
	"github.com/kingrea/goal-loop/internal/session"
)

const refreshInterval = 5 * time.Second

// Store is the subset of the session store the dashboard drives.
type Store interface {
	List() ([]*session.Session, error)
	Detail(sess *session.Session, tail int) session.Detail
	Pause(ref, reason string) (*session.Session, error)
	Resume(ref string) (*session.Session, error)
	Cancel(ref, reason string) (*session.Session, error)
}

type sessionsLoadedMsg struct {
	sessions []*session.Session
	err      error
}

type fsChangedMsg struct{}

type tickMsg time.Time

type actionDoneMsg struct {
	status string
	err    error
}

// sessionItem implements list.Item for one session row
type sessionItem struct {
	sess *session.Session
}

func (i sessionItem) Title() string {
	return fmt.Sprintf("%s %s", statusBadge(i.sess.Status), i.sess.Name)
}

func (i sessionItem) Description() string {
	return fmt.Sprintf("%s · iteration %s · %s", i.sess.ID, i.sess.IterationLabel(), i.sess.Status.Label())
}

func (i sessionItem) FilterValue() string { return i.sess.Name + " " + i.sess.ID }

// App is the dashboard model.
type App struct {
	store     Store
	tailLines int
	watcher   *fsnotify.Watcher
	watchDirs []string

	sessions  []*session.Session
	list      list.Model
	statusMsg string
	err       error

	width  int
	height int
}

// AppOption customizes App construction for tests.
type AppOption func(*App)

// WithoutWatcher disables fsnotify; the dashboard then relies on ticks only.
func WithoutWatcher() AppOption {
	return func(a *App) {
		if a.watcher != nil {
			a.watcher.Close()
			a.watcher = nil
		}
	}
}

// NewApp creates the dashboard for the project described by cfg.
func NewApp(cfg *config.Config, store Store, opts ...AppOption) (*App, error) {
	l := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	l.Title = "GOAL LOOPS"
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(true)

	app := &App{
		store:     store,
		tailLines: cfg.TailLines(),
		list:      l,
		watchDirs: []string{cfg.SessionsDir(), filepath.Dir(cfg.ActivePointerPath())},
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tui: create watcher: %w", err)
	}
	app.watcher = watcher
	for _, dir := range app.watchDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("tui: ensure %s: %w", dir, err)
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("tui: watch %s: %w", dir, err)
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	return app, nil
}

// Close releases the file watcher.
func (a *App) Close() error {
	if a.watcher == nil {
		return nil
	}
	return a.watcher.Close()
}

// Init starts the initial load, the watcher loop and the refresh tick.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadSessions, a.waitForChange(), tick())
}

func (a *App) loadSessions() tea.Msg {
	sessions, err := a.store.List()
	return sessionsLoadedMsg{sessions: sessions, err: err}
}

func (a *App) waitForChange() tea.Cmd {
	if a.watcher == nil {
		return nil
	}
	watcher := a.watcher
	return func() tea.Msg {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					return fsChangedMsg{}
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
			}
		}
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update handles incoming messages.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height
		a.list.SetSize(a.listWidth(), max(5, msg.Height-4))
		return a, nil

	case sessionsLoadedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.setSessions(msg.sessions)
		return a, nil

	case fsChangedMsg:
		return a, tea.Batch(a.loadSessions, a.waitForChange())

	case tickMsg:
		return a, tea.Batch(a.loadSessions, tick())

	case actionDoneMsg:
		a.err = msg.err
		if msg.err == nil {
			a.statusMsg = msg.status
		}
		return a, a.loadSessions

	case tea.KeyMsg:
		if a.list.FilterState() == list.Filtering {
			break
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return a, tea.Quit
		case "p":
			return a, a.act("paused", func(id string) (*session.Session, error) {
				return a.store.Pause(id, "paused from dashboard")
			})
		case "r":
			return a, a.act("resumed", a.store.Resume)
		case "c":
			return a, a.act("cancelled", func(id string) (*session.Session, error) {
				return a.store.Cancel(id, "cancelled from dashboard")
			})
		}
	}

	var cmd tea.Cmd
	a.list, cmd = a.list.Update(msg)
	return a, cmd
}

func (a *App) act(verb string, fn func(id string) (*session.Session, error)) tea.Cmd {
	a.err = nil
	a.statusMsg = ""
	selected := a.selected()
	if selected == nil {
		return nil
	}
	id := selected.ID
	return func() tea.Msg {
		sess, err := fn(id)
		if err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: fmt.Sprintf("%s %s", sess.Name, verb)}
	}
}

func (a *App) setSessions(sessions []*session.Session) {
	prev := ""
	if current := a.selected(); current != nil {
		prev = current.ID
	}
	a.sessions = sessions
	items := make([]list.Item, len(sessions))
	selectIdx := 0
	for i, sess := range sessions {
		items[i] = sessionItem{sess: sess}
		if sess.ID == prev {
			selectIdx = i
		}
		a.watchSessionDir(sess.ID)
	}
	a.list.SetItems(items)
	if len(items) > 0 {
		a.list.Select(selectIdx)
	}
}

// watchSessionDir subscribes to a session folder so history and state
// writes inside it trigger a reload.
func (a *App) watchSessionDir(id string) {
	if a.watcher == nil || len(a.watchDirs) == 0 {
		return
	}
	dir := filepath.Join(a.watchDirs[0], id)
	for _, watched := range a.watcher.WatchList() {
		if watched == dir {
			return
		}
	}
	_ = a.watcher.Add(dir)
}

func (a *App) selected() *session.Session {
	item, ok := a.list.SelectedItem().(sessionItem)
	if !ok {
		return nil
	}
	return item.sess
}

func (a *App) listWidth() int {
	if a.width <= 0 {
		return 40
	}
	return max(30, a.width*2/5)
}

// View renders the dashboard.
func (a *App) View() string {
	leftBox := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(a.list.View())

	right := a.renderDetail(max(30, a.width-a.listWidth()-8))
	rightBox := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(right)

	body := lipgloss.JoinHorizontal(lipgloss.Top, leftBox, rightBox)

	footerText := "p pause · r resume · c cancel · / filter · q quit"
	if a.statusMsg != "" {
		footerText = a.statusMsg + " · " + footerText
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(footerText)

	parts := []string{body, footer}
	if a.err != nil {
		parts = append([]string{lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B")).
			Render("Error: " + describeError(a.err))}, parts...)
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (a *App) renderDetail(width int) string {
	sess := a.selected()
	if sess == nil {
		return lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Width(width).
			Render("No goal sessions yet. Start one with `goalloop start`.")
	}
	detail := a.store.Detail(sess, a.tailLines)
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("%s · %s", sess.Name, sess.Status.Label()))

	var lines []string
	lines = append(lines, head, "")
	lines = append(lines, fmt.Sprintf("Iteration:  %s", sess.IterationLabel()))
	promise := sess.CompletionPromise
	if promise == "" {
		promise = "(none)"
	}
	lines = append(lines, fmt.Sprintf("Promise:    %s", promise))
	lines = append(lines, fmt.Sprintf("Started:    %s", sess.StartedAt.Local().Format("2006-01-02 15:04:05")))
	if sess.Reason != "" {
		lines = append(lines, fmt.Sprintf("Reason:     %s", sess.Reason))
	}
	lines = append(lines, "", "Prompt: "+sess.PromptHead(width-8), "")
	lines = append(lines, lipgloss.NewStyle().Bold(true).Render(
		fmt.Sprintf("History (%d of %d)", len(detail.History), detail.HistoryTotal)))
	history := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(detail.History, "\n"))
	lines = append(lines, history)
	return lipgloss.NewStyle().Width(width).Render(strings.Join(lines, "\n"))
}

func statusBadge(status session.Status) string {
	color := "#888888"
	symbol := "·"
	switch status {
	case session.StatusActive:
		color, symbol = "#4CAF50", "●"
	case session.StatusPaused:
		color, symbol = "#FFB74D", "‖"
	case session.StatusAchieved:
		color, symbol = "#5B8DEF", "✓"
	case session.StatusMaxIterationsReached:
		color, symbol = "#FF6B6B", "⊘"
	case session.StatusCancelled:
		color, symbol = "#888888", "✗"
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Render(symbol)
}

func describeError(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionActive):
		return "another session is active; pause or cancel it first"
	case errors.Is(err, session.ErrInvalidTransition):
		return "that action is not allowed for this session"
	default:
		return err.Error()
	}
}
