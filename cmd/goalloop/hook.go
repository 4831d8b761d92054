package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kingrea/goal-loop/internal/config"
	"github.com/kingrea/goal-loop/internal/hook"
)

// hookTimeout bounds a single stop evaluation; the host kills slow hooks.
const hookTimeout = 30 * time.Second

// cmdHook dispatches hook events. The stop hook always exits 0: any failure
// is logged and the assistant is allowed to stop.
func (c *cli) cmdHook(args []string) error {
	if len(args) == 0 {
		return usagef("hook needs an event name (stop)")
	}
	switch args[0] {
	case "stop", "Stop":
		c.runStopHook(args[1:])
		return nil
	default:
		return usagef("unknown hook event %q", args[0])
	}
}

func (c *cli) runStopHook(args []string) {
	flags, g := c.flagSet("hook stop")
	if _, err := parse(flags, args); err != nil {
		fmt.Fprintf(c.stderr, "goalloop: %v\n", err)
		return
	}
	in, err := hook.DecodeInput(c.stdin)
	if err != nil {
		fmt.Fprintf(c.stderr, "goalloop: %v\n", err)
		return
	}

	projectDir, err := config.ResolveProjectDir(g.project, in.CWD)
	if err != nil {
		fmt.Fprintf(c.stderr, "goalloop: %v\n", err)
		return
	}
	// projects that never started a loop stay untouched
	if _, err := os.Stat(filepath.Join(projectDir, config.Dir)); errors.Is(err, fs.ErrNotExist) {
		return
	}

	g.project = projectDir
	e, err := c.open(g, openOptions{stderrLevel: slog.LevelError})
	if err != nil {
		fmt.Fprintf(c.stderr, "goalloop: %v\n", err)
		return
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	evaluator := hook.NewEvaluator(e.store, hook.WithLogger(e.logger.Logger))
	decision, err := evaluator.Evaluate(ctx, in)
	if err != nil {
		e.logger.Error("stop hook failed", "error", err, "agent_session", in.SessionID)
	}
	if err := decision.Write(c.stdout); err != nil {
		e.logger.Error("write hook decision", "error", err)
	}
}
