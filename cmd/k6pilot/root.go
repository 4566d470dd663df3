package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/config"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// exitError carries a process exit status through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

// cli holds what every subcommand shares.
type cli struct {
	stderr   io.Writer
	logLevel string
	noColor  bool
}

// logger writes JSON to stderr so stdout stays free for results.
func (c *cli) logger() (*slog.Logger, error) {
	level, err := config.ParseLevel(c.logLevel)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(c.stderr, &slog.HandlerOptions{Level: level})), nil
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	app := &cli{stderr: stderr}

	root := &cobra.Command{
		Use:   "k6pilot",
		Short: "Generate, validate and run k6 load tests for pull requests",
		Long: `k6pilot asks a language model for a k6 script that exercises the change
described by a pull request, checks that the script only targets the sandbox,
validates it through a k6 MCP tool server and runs it.

When no backend produces a usable script a baseline script is run instead and
the run is reported as degraded.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if app.noColor {
				color.NoColor = true
			}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetVersionTemplate(`{{printf "k6pilot version %s\n" .Version}}`)

	root.PersistentFlags().StringVar(&app.logLevel, "log-level", envOr("LOG_LEVEL", config.DefaultLogLevel), "Log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&app.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(newRunCmd(app))
	root.AddCommand(newSanitizeCmd(app))
	root.AddCommand(newProvidersCmd(app))
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
