package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fatih/color"

	"github.com/kingrea/goal-loop/internal/config"
	"github.com/kingrea/goal-loop/internal/hook"
	"github.com/kingrea/goal-loop/internal/session"
)

const hookSnippet = `Add the stop hook to .claude/settings.json:

  {
    "hooks": {
      "Stop": [{"hooks": [{"type": "command", "command": "goalloop hook stop"}]}]
    }
  }
`

func (c *cli) cmdInit(args []string) error {
	fs, g := c.flagSet("init")
	rest, err := parse(fs, args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return usagef("init takes no arguments")
	}
	projectDir, err := config.ResolveProjectDir(g.project, "")
	if err != nil {
		return err
	}
	if err := config.InitDir(projectDir); err != nil {
		return fmt.Errorf("init %s: %w", config.Dir, err)
	}
	fmt.Fprintf(c.stdout, "Initialized %s\n\n%s", filepath.Join(projectDir, config.Dir), hookSnippet)
	return nil
}

func (c *cli) cmdStart(args []string) error {
	fs, g := c.flagSet("start")
	maxIterations := fs.Int("max-iterations", 0, "stop after this many iterations (0 = unlimited)")
	promise := fs.String("completion-promise", "", "phrase that ends the loop when output inside <promise></promise>")
	name := fs.String("name", "", "short session name (defaults to the first prompt line)")
	promptFile := fs.String("prompt-file", "", "read the prompt from a file, or - for stdin")
	force := fs.Bool("force", false, "cancel the active session instead of failing")
	rest, err := parse(fs, args)
	if err != nil {
		return err
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	prompt, err := c.readPrompt(*promptFile, rest)
	if err != nil {
		return err
	}
	if strings.TrimSpace(prompt) == "" {
		return usagef("start needs a prompt (arguments or --prompt-file)")
	}
	if *maxIterations < 0 {
		return usagef("--max-iterations must be >= 0")
	}

	e, err := c.open(g, openOptions{stderrLevel: slog.LevelWarn})
	if err != nil {
		return err
	}
	defer e.Close()

	opts := session.Options{
		Prompt:            prompt,
		Name:              *name,
		MaxIterations:     *maxIterations,
		CompletionPromise: *promise,
		Force:             *force,
	}
	defaults := e.cfg.Project.Defaults
	if !set["max-iterations"] {
		opts.MaxIterations = defaults.MaxIterations
	}
	if !set["completion-promise"] {
		opts.CompletionPromise = defaults.CompletionPromise
	}
	sess, err := e.store.Setup(opts)
	if err != nil {
		return err
	}
	c.printStarted(sess)
	return nil
}

func (c *cli) readPrompt(file string, args []string) (string, error) {
	file = strings.TrimSpace(file)
	if file == "" {
		return strings.Join(args, " "), nil
	}
	if len(args) > 0 {
		return "", usagef("give the prompt as arguments or --prompt-file, not both")
	}
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(c.stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	return string(data), nil
}

func (c *cli) printStarted(sess *session.Session) {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(c.stdout, "%s %s (%s)\n", bold("Goal loop started:"), sess.Name, sess.ID)
	fmt.Fprintf(c.stdout, "Iteration:  %s\n", sess.IterationLabel())
	if sess.HasPromise() {
		fmt.Fprintf(c.stdout, "Promise:    %s\n", sess.CompletionPromise)
		fmt.Fprintf(c.stdout, "\nTo finish, output <promise>%s</promise> ONLY when the statement is true.\n", sess.CompletionPromise)
	} else {
		fmt.Fprintln(c.stdout, "Promise:    (none, the loop runs until max iterations or cancel)")
	}
	fmt.Fprintf(c.stdout, "\n%s\n", sess.Prompt)
}

func (c *cli) cmdStatus(args []string) error {
	fs, g := c.flagSet("status")
	asJSON := fs.Bool("json", false, "print JSON")
	rest, err := parse(fs, args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return usagef("status takes no arguments")
	}
	e, err := c.open(g, openOptions{stderrLevel: slog.LevelWarn})
	if err != nil {
		return err
	}
	defer e.Close()

	sess, err := e.store.Active()
	if errors.Is(err, session.ErrNoActiveSession) {
		if *asJSON {
			fmt.Fprintln(c.stdout, "null")
			return nil
		}
		fmt.Fprintln(c.stdout, "No active goal session.")
		return nil
	}
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(c.stdout, sess.Summary())
	}
	c.printSession(sess)
	fmt.Fprintf(c.stdout, "Next:       %s\n", hook.IterationMessage(sess))
	return nil
}

func (c *cli) cmdList(args []string) error {
	fs, g := c.flagSet("list")
	match := fs.String("match", "", "only sessions whose id or name match this glob")
	asJSON := fs.Bool("json", false, "print JSON")
	rest, err := parse(fs, args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return usagef("list takes no arguments")
	}
	pattern := strings.TrimSpace(*match)
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return usagef("invalid --match pattern %q", pattern)
	}
	e, err := c.open(g, openOptions{stderrLevel: slog.LevelWarn})
	if err != nil {
		return err
	}
	defer e.Close()

	sessions, err := e.store.List()
	if err != nil {
		return err
	}
	sessions = filterSessions(sessions, pattern)
	if *asJSON {
		summaries := make([]session.Summary, 0, len(sessions))
		for _, sess := range sessions {
			summaries = append(summaries, sess.Summary())
		}
		return writeJSON(c.stdout, summaries)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(c.stdout, "No goal sessions.")
		return nil
	}
	for _, sess := range sessions {
		fmt.Fprintf(c.stdout, "%-24s %-28s %s %-9s %s\n",
			sess.ID, sess.Name, statusColor(sess.Status)(fmt.Sprintf("%-22s", sess.Status)),
			sess.IterationLabel(), sess.UpdatedAt.Local().Format(time.DateTime))
	}
	return nil
}

func filterSessions(sessions []*session.Session, pattern string) []*session.Session {
	if pattern == "" {
		return sessions
	}
	var out []*session.Session
	for _, sess := range sessions {
		if doublestar.MatchUnvalidated(pattern, sess.Name) || doublestar.MatchUnvalidated(pattern, sess.ID) {
			out = append(out, sess)
		}
	}
	return out
}

func statusColor(status session.Status) func(a ...any) string {
	switch status {
	case session.StatusActive:
		return color.New(color.FgGreen, color.Bold).SprintFunc()
	case session.StatusPaused:
		return color.New(color.FgYellow).SprintFunc()
	case session.StatusAchieved:
		return color.New(color.FgCyan).SprintFunc()
	case session.StatusMaxIterationsReached:
		return color.New(color.FgRed).SprintFunc()
	default:
		return color.New(color.Faint).SprintFunc()
	}
}

func (c *cli) cmdShow(args []string) error {
	fs, g := c.flagSet("show")
	asJSON := fs.Bool("json", false, "print JSON")
	lines := fs.Int("lines", 0, "history lines to show (defaults to history.tail_lines)")
	rest, err := parse(fs, args)
	if err != nil {
		return err
	}
	ref, err := optionalRef("show", rest)
	if err != nil {
		return err
	}
	e, err := c.open(g, openOptions{stderrLevel: slog.LevelWarn})
	if err != nil {
		return err
	}
	defer e.Close()

	sess, err := e.store.Resolve(ref)
	if err != nil {
		return err
	}
	tail := *lines
	if tail <= 0 {
		tail = e.cfg.TailLines()
	}
	detail := e.store.Detail(sess, tail)
	if *asJSON {
		return writeJSON(c.stdout, detail)
	}
	c.printSession(sess)
	fmt.Fprintf(c.stdout, "\nPrompt:\n%s\n", sess.Prompt)
	fmt.Fprintf(c.stdout, "\nHistory (%d of %d):\n", len(detail.History), detail.HistoryTotal)
	for _, line := range detail.History {
		fmt.Fprintf(c.stdout, "  %s\n", line)
	}
	return nil
}

func (c *cli) printSession(sess *session.Session) {
	fmt.Fprintf(c.stdout, "Session:    %s (%s)\n", sess.Name, sess.ID)
	fmt.Fprintf(c.stdout, "Status:     %s\n", statusColor(sess.Status)(sess.Status.Label()))
	fmt.Fprintf(c.stdout, "Iteration:  %s\n", sess.IterationLabel())
	if sess.HasPromise() {
		fmt.Fprintf(c.stdout, "Promise:    %s\n", sess.CompletionPromise)
	}
	if sess.AgentSession != "" {
		fmt.Fprintf(c.stdout, "Assistant:  %s\n", sess.AgentSession)
	}
	fmt.Fprintf(c.stdout, "Started:    %s\n", sess.StartedAt.Local().Format(time.DateTime))
	if !sess.EndedAt.IsZero() {
		fmt.Fprintf(c.stdout, "Ended:      %s\n", sess.EndedAt.Local().Format(time.DateTime))
	}
	if sess.Reason != "" {
		fmt.Fprintf(c.stdout, "Reason:     %s\n", sess.Reason)
	}
}

func (c *cli) cmdPause(args []string) error {
	return c.transition("pause", args, func(e *env, ref, reason string) (*session.Session, error) {
		return e.store.Pause(ref, reason)
	})
}

func (c *cli) cmdCancel(args []string) error {
	return c.transition("cancel", args, func(e *env, ref, reason string) (*session.Session, error) {
		return e.store.Cancel(ref, reason)
	})
}

func (c *cli) cmdResume(args []string) error {
	return c.transition("resume", args, func(e *env, ref, _ string) (*session.Session, error) {
		if ref == "" {
			paused, err := newestPaused(e.store)
			if err != nil {
				return nil, err
			}
			ref = paused.ID
		}
		return e.store.Resume(ref)
	})
}

func newestPaused(store *session.Store) (*session.Session, error) {
	sessions, err := store.List()
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if sess.Status == session.StatusPaused {
			return sess, nil
		}
	}
	return nil, fmt.Errorf("%w: no paused session", session.ErrNotFound)
}

func (c *cli) transition(name string, args []string, apply func(e *env, ref, reason string) (*session.Session, error)) error {
	fs, g := c.flagSet(name)
	reason := fs.String("reason", "", "reason recorded in the session history")
	rest, err := parse(fs, args)
	if err != nil {
		return err
	}
	ref, err := optionalRef(name, rest)
	if err != nil {
		return err
	}
	e, err := c.open(g, openOptions{stderrLevel: slog.LevelWarn})
	if err != nil {
		return err
	}
	defer e.Close()

	sess, err := apply(e, ref, *reason)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "%s (%s): %s at iteration %s\n",
		sess.Name, sess.ID, statusColor(sess.Status)(sess.Status.Label()), sess.IterationLabel())
	return nil
}

func optionalRef(name string, args []string) (string, error) {
	switch len(args) {
	case 0:
		return "", nil
	case 1:
		return strings.TrimSpace(args[0]), nil
	default:
		return "", usagef("%s takes at most one session reference", name)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
