package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kingrea/goal-loop/internal/config"
	"github.com/kingrea/goal-loop/internal/logging"
	"github.com/kingrea/goal-loop/internal/mcptools"
	"github.com/kingrea/goal-loop/internal/session"
)

const usageText = `goalloop keeps an assistant working on one goal across turns.

Usage:
  goalloop <command> [flags] [args]

Commands:
  init                      create .goalloop/ in the project
  start [flags] <prompt>    start a goal session
  hook stop                 stop hook entry point (reads hook JSON on stdin)
  status [--json]           show the active session
  list [--match glob]       list sessions, newest first
  show [ref]                show a session with its recent history
  pause [ref]               pause the active or referenced session
  resume [ref]              resume the newest paused or referenced session
  cancel [ref]              cancel the active or referenced session
  serve                     run the loopback HTTP bridge
  watch                     open the live dashboard
  mcp                       serve MCP tools over stdio
  version                   print the version

Every command accepts --project and --log-level.
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// usageError marks bad invocations; they exit with status 2.
type usageError struct {
	msg string
}

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

// cli carries the process streams so commands stay testable.
type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}
	if len(args) == 0 {
		fmt.Fprint(stderr, usageText)
		return 2
	}
	err := c.dispatch(args[0], args[1:])
	if err == nil {
		return 0
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	var usage usageError
	if errors.As(err, &usage) {
		fmt.Fprintf(stderr, "goalloop: %s\n\n%s", usage.msg, usageText)
		return 2
	}
	fmt.Fprintf(stderr, "goalloop: %s\n", describe(err))
	return 1
}

func (c *cli) dispatch(cmd string, args []string) error {
	switch cmd {
	case "init":
		return c.cmdInit(args)
	case "start":
		return c.cmdStart(args)
	case "hook":
		return c.cmdHook(args)
	case "status":
		return c.cmdStatus(args)
	case "list", "ls":
		return c.cmdList(args)
	case "show":
		return c.cmdShow(args)
	case "pause":
		return c.cmdPause(args)
	case "resume":
		return c.cmdResume(args)
	case "cancel":
		return c.cmdCancel(args)
	case "serve":
		return c.cmdServe(args)
	case "watch":
		return c.cmdWatch(args)
	case "mcp":
		return c.cmdMCP(args)
	case "version", "--version":
		fmt.Fprintln(c.stdout, mcptools.Version)
		return nil
	case "help", "-h", "--help":
		fmt.Fprint(c.stdout, usageText)
		return nil
	default:
		return usagef("unknown command %q", cmd)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	project  string
	logLevel string
}

func (g *globalFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&g.project, "project", "", "project directory (defaults to $CLAUDE_PROJECT_DIR or cwd)")
	fs.StringVar(&g.logLevel, "log-level", "", "log level for stderr (debug, info, warn, error)")
}

func (c *cli) flagSet(name string) (*flag.FlagSet, *globalFlags) {
	fs := flag.NewFlagSet("goalloop "+name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	g := &globalFlags{}
	g.register(fs)
	return fs, g
}

// parse wraps flag parsing errors as usage errors. Flags may follow
// positional arguments.
func parse(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return nil, err
			}
			return nil, usageError{msg: err.Error()}
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		if args[0] == "--" {
			return append(positional, args[1:]...), nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

// env is the wiring every project-bound command needs.
type env struct {
	cfg    *config.Config
	logger *logging.Logger
	store  *session.Store
}

func (e *env) Close() error {
	return e.logger.Close()
}

type openOptions struct {
	// fallback is used when neither --project nor $CLAUDE_PROJECT_DIR is set.
	fallback string
	// stderrLevel applies when --log-level is not given.
	stderrLevel slog.Level
}

func (c *cli) open(g *globalFlags, opts openOptions) (*env, error) {
	projectDir, err := config.ResolveProjectDir(g.project, opts.fallback)
	if err != nil {
		return nil, err
	}
	if err := config.InitDir(projectDir); err != nil {
		return nil, fmt.Errorf("init %s: %w", config.Dir, err)
	}
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	fileLevel, err := logging.ParseLevel(cfg.LogLevel())
	if err != nil {
		return nil, err
	}
	stderrLevel := opts.stderrLevel
	if strings.TrimSpace(g.logLevel) != "" {
		level, err := logging.ParseLevel(g.logLevel)
		if err != nil {
			return nil, usageError{msg: err.Error()}
		}
		stderrLevel = level
		if level < fileLevel {
			fileLevel = level
		}
	}
	logger, err := logging.New(logging.Options{
		Path:        cfg.LogPath(),
		Level:       fileLevel,
		StderrLevel: stderrLevel,
		Stderr:      c.stderr,
	})
	if err != nil {
		return nil, err
	}
	store := session.NewStore(cfg, session.WithLogger(logger.Logger))
	return &env{cfg: cfg, logger: logger, store: store}, nil
}

func describe(err error) string {
	switch {
	case errors.Is(err, session.ErrNoActiveSession):
		return "no active goal session"
	case errors.Is(err, session.ErrSessionActive):
		return err.Error() + " (pause or cancel it first, or use start --force)"
	default:
		return err.Error()
	}
}
