package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kingrea/goal-loop/internal/bridge"
	"github.com/kingrea/goal-loop/internal/hook"
	"github.com/kingrea/goal-loop/internal/mcptools"
	"github.com/kingrea/goal-loop/internal/tui"
)

func (c *cli) cmdServe(args []string) error {
	fs, g := c.flagSet("serve")
	host := fs.String("host", "", "listen host (overrides bridge.host)")
	port := fs.Int("port", -1, "listen port (overrides bridge.port, 0 picks a free port)")
	rest, err := parse(fs, args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return usagef("serve takes no arguments")
	}
	e, err := c.open(g, openOptions{stderrLevel: slog.LevelInfo})
	if err != nil {
		return err
	}
	defer e.Close()

	settings := bridge.SettingsFromConfig(e.cfg)
	if *host != "" {
		settings.Host = *host
	}
	if *port >= 0 {
		if *port > 65535 {
			return usagef("--port must be between 0 and 65535")
		}
		settings.Port = *port
	}
	if !settings.IsEnabled() {
		return fmt.Errorf("bridge is disabled in %s", e.cfg.ProjectConfigPath())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	evaluator := hook.NewEvaluator(e.store, hook.WithLogger(e.logger.Logger))
	srv := bridge.NewServer(settings, e.store, evaluator, bridge.WithLogger(e.logger.Logger))
	if err := srv.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "goalloop bridge listening on %s\n", srv.BaseURL())
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (c *cli) cmdWatch(args []string) error {
	fs, g := c.flagSet("watch")
	rest, err := parse(fs, args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return usagef("watch takes no arguments")
	}
	// the dashboard owns the terminal; diagnostics go to the log file only
	e, err := c.open(g, openOptions{stderrLevel: slog.LevelError + 4})
	if err != nil {
		return err
	}
	defer e.Close()

	app, err := tui.NewApp(e.cfg, e.store)
	if err != nil {
		return err
	}
	defer app.Close()
	if _, err := tea.NewProgram(app, tea.WithAltScreen()).Run(); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

func (c *cli) cmdMCP(args []string) error {
	fs, g := c.flagSet("mcp")
	rest, err := parse(fs, args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return usagef("mcp takes no arguments")
	}
	e, err := c.open(g, openOptions{stderrLevel: slog.LevelWarn})
	if err != nil {
		return err
	}
	defer e.Close()

	tools := mcptools.New(e.store, e.cfg.TailLines())
	e.logger.Info("serving MCP tools over stdio", "project", e.cfg.ProjectDir)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	stdio := server.NewStdioServer(mcptools.NewServer(tools))
	if err := stdio.Listen(ctx, c.stdin, c.stdout); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp: %w", err)
	}
	return nil
}
