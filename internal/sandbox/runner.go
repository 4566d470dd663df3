// Package sandbox provides a local k6 tool server speaking MCP over stdio.
// It exposes validate_script and run_script around the k6 binary and is what
// the pipeline talks to when no hosted mcp-k6 server is available.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Runner executes k6 against a script file.
type Runner interface {
	// Inspect checks that k6 can load the script. A script k6 refuses is
	// reported through InspectResult, not as an error.
	Inspect(ctx context.Context, path string) (InspectResult, error)

	// Run executes the script. A non-zero k6 exit is reported through
	// RunResult; errors mean k6 could not be started at all.
	Run(ctx context.Context, path string, opts RunOptions) (RunResult, error)
}

// InspectResult is the outcome of loading a script without running it.
type InspectResult struct {
	OK      bool
	Output  string          // stderr when k6 refused the script
	Options json.RawMessage // resolved options when OK
}

// RunOptions are the load parameters passed to k6.
type RunOptions struct {
	VUs      int
	Duration string
}

// RunResult is what a k6 run produced.
type RunResult struct {
	ExitCode int
	Stdout   string
	Summary  json.RawMessage // --summary-export payload, nil when k6 wrote none
}

// K6 runs the k6 binary.
type K6 struct {
	Binary string
	Env    []string // appended to the inherited environment
	logger *slog.Logger
}

// NewK6 returns a runner for binary ("k6" when empty).
func NewK6(binary string, logger *slog.Logger) *K6 {
	if binary == "" {
		binary = "k6"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &K6{Binary: binary, logger: logger}
}

// Inspect runs "k6 inspect".
func (k *K6) Inspect(ctx context.Context, path string) (InspectResult, error) {
	stdout, stderr, code, err := k.exec(ctx, "inspect", path)
	if err != nil {
		return InspectResult{}, err
	}
	if code != 0 {
		return InspectResult{OK: false, Output: strings.TrimSpace(stderr)}, nil
	}
	res := InspectResult{OK: true}
	if json.Valid(stdout) {
		res.Options = json.RawMessage(bytes.TrimSpace(stdout))
	}
	return res, nil
}

// Run runs "k6 run" with a summary export next to the script.
func (k *K6) Run(ctx context.Context, path string, opts RunOptions) (RunResult, error) {
	summaryPath := filepath.Join(filepath.Dir(path), "summary.json")
	args := []string{"run", "--quiet", "--summary-export", summaryPath}
	if opts.VUs > 0 {
		args = append(args, "--vus", strconv.Itoa(opts.VUs))
	}
	if opts.Duration != "" {
		args = append(args, "--duration", opts.Duration)
	}
	args = append(args, path)

	stdout, stderr, code, err := k.exec(ctx, args...)
	if err != nil {
		return RunResult{}, err
	}

	res := RunResult{ExitCode: code, Stdout: joinOutput(string(stdout), stderr)}
	if data, err := os.ReadFile(summaryPath); err == nil && json.Valid(data) {
		res.Summary = json.RawMessage(data)
	}
	k.logger.Info("k6 run finished",
		slog.Int("exit_code", code),
		slog.Int("vus", opts.VUs),
		slog.String("duration", opts.Duration),
		slog.Bool("summary", res.Summary != nil))
	return res, nil
}

// exec runs k6 and separates "ran and exited" from "could not run".
func (k *K6) exec(ctx context.Context, args ...string) ([]byte, string, int, error) {
	cmd := exec.CommandContext(ctx, k.Binary, args...)
	if len(k.Env) > 0 {
		cmd.Env = append(os.Environ(), k.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	k.logger.Debug("exec k6", slog.String("binary", k.Binary), slog.Any("args", args))
	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.String(), 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, "", 0, fmt.Errorf("k6 %s: %w", args[0], ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.String(), exitErr.ExitCode(), nil
	}
	return nil, "", 0, fmt.Errorf("starting %s: %w", k.Binary, err)
}

// joinOutput appends stderr after stdout, starting it on a new line.
func joinOutput(stdout, stderr string) string {
	if stderr == "" {
		return stdout
	}
	if stdout != "" && !strings.HasSuffix(stdout, "\n") {
		stdout += "\n"
	}
	return stdout + stderr
}
