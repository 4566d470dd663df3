// k6 sandbox MCP server.
// Exposes validate_script and run_script over MCP stdio transport.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/config"
	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/sandbox"
	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/script"
)

var version = "dev"

func main() {
	level, err := config.ParseLevel(envOr("LOG_LEVEL", config.DefaultLogLevel))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// stdout carries the protocol; logs go to stderr only.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With(slog.String("component", "k6sandbox"))

	policy, err := script.NewPolicy(envOr("SANDBOX_TARGET", script.DefaultTarget))
	if err != nil {
		logger.Error("invalid sandbox target", slog.String("error", err.Error()))
		os.Exit(1)
	}

	s := server.NewMCPServer(
		"k6sandbox",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("Only scripts calling "+policy.BaseURL()+" are executed."),
	)

	runner := sandbox.NewK6(os.Getenv("K6_BINARY"), logger)
	sb := sandbox.New(runner, script.New(policy),
		sandbox.WithLogger(logger),
		sandbox.WithWorkDir(os.Getenv("SANDBOX_WORKDIR")),
	)
	sandbox.RegisterTools(s, sb)

	logger.Info("serving", slog.String("target", policy.Target()), slog.String("k6", runner.Binary))
	if err := server.ServeStdio(s); err != nil {
		logger.Error("MCP server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
