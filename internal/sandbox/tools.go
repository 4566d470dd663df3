package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/script"
	"github.com/shadmanakbar/k6-auto-pr-performance-tests/pkg/types"
)

// Run limits
const (
	DefaultVUs      = 10
	DefaultDuration = "30s"
	MaxVUs          = 1000
)

// ValidationReport is the structured content of a validate_script result.
type ValidationReport struct {
	Valid   bool            `json:"valid"`
	Errors  []string        `json:"errors,omitempty"`
	Options json.RawMessage `json:"options,omitempty"`
}

// RunReport is the structured content of a run_script result.
type RunReport struct {
	ExitCode int             `json:"exit_code"`
	Success  bool            `json:"success"`
	Summary  json.RawMessage `json:"summary,omitempty"`
	Stdout   string          `json:"stdout"`
}

// Sandbox implements the k6 tools on top of a Runner. Every call gets its own
// scratch directory, removed when the call returns.
type Sandbox struct {
	runner    Runner
	sanitizer *script.Sanitizer
	workDir   string
	logger    *slog.Logger
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sandbox) { s.logger = l }
}

// WithWorkDir sets where scratch directories are created (os.TempDir by default).
func WithWorkDir(dir string) Option {
	return func(s *Sandbox) { s.workDir = dir }
}

// New creates a sandbox. The sanitizer's policy decides which hosts a script
// may call; scripts outside it are never handed to k6.
func New(runner Runner, sanitizer *script.Sanitizer, opts ...Option) *Sandbox {
	s := &Sandbox{
		runner:    runner,
		sanitizer: sanitizer,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterTools registers the sandbox tools on the MCP server.
func RegisterTools(s *server.MCPServer, sb *Sandbox) {
	s.AddTool(gomcp.NewTool(types.ToolValidateScript,
		gomcp.WithDescription("Check that a k6 script is structurally complete, only targets the sandbox host, and loads in k6."),
		gomcp.WithString("script", gomcp.Required(), gomcp.Description("k6 script source")),
		gomcp.WithReadOnlyHintAnnotation(true),
	), sb.handleValidate)

	for _, name := range []string{types.ToolRunScript, types.ToolRunK6Test} {
		s.AddTool(gomcp.NewTool(name,
			gomcp.WithDescription("Run a k6 script against the sandbox target and return the exit code, stdout and summary."),
			gomcp.WithString("script", gomcp.Required(), gomcp.Description("k6 script source")),
			gomcp.WithNumber("vus", gomcp.Description("Virtual users"), gomcp.DefaultNumber(DefaultVUs), gomcp.Min(1), gomcp.Max(MaxVUs)),
			gomcp.WithString("duration", gomcp.Description("Test duration in k6 syntax, e.g. 30s"), gomcp.DefaultString(DefaultDuration)),
		), sb.handleRun)
	}
}

func (sb *Sandbox) handleValidate(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	source, err := req.RequireString("script")
	if err != nil {
		return gomcp.NewToolResultError("script is required"), nil
	}

	report := sb.Validate(ctx, source)
	return gomcp.NewToolResultStructured(report, formatValidation(report)), nil
}

func (sb *Sandbox) handleRun(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	source, err := req.RequireString("script")
	if err != nil {
		return gomcp.NewToolResultError("script is required"), nil
	}
	opts := RunOptions{
		VUs:      req.GetInt("vus", DefaultVUs),
		Duration: req.GetString("duration", DefaultDuration),
	}
	if opts.VUs <= 0 || opts.VUs > MaxVUs {
		return gomcp.NewToolResultError(fmt.Sprintf("vus must be between 1 and %d", MaxVUs)), nil
	}

	report, err := sb.Run(ctx, source, opts)
	if err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}
	return gomcp.NewToolResultStructured(report, formatRun(report)), nil
}

// Validate checks source against the policy, then asks k6 to load it.
func (sb *Sandbox) Validate(ctx context.Context, source string) ValidationReport {
	cand := sb.sanitizer.Sanitize(source, types.OriginGenerated)
	if !cand.Valid {
		return ValidationReport{Valid: false, Errors: rejectionReasons(cand.Reason)}
	}

	var report ValidationReport
	err := sb.withScript(source, func(path string) error {
		res, err := sb.runner.Inspect(ctx, path)
		if err != nil {
			return err
		}
		report = ValidationReport{Valid: res.OK, Options: res.Options}
		if !res.OK {
			report.Errors = []string{res.Output}
		}
		return nil
	})
	if err != nil {
		sb.logger.Warn("k6 inspect failed", slog.String("error", err.Error()))
		return ValidationReport{Valid: false, Errors: []string{err.Error()}}
	}
	return report
}

// Run executes source. Scripts outside the policy are refused with an error,
// as is a k6 that cannot be started; a k6 run that fails is a report.
func (sb *Sandbox) Run(ctx context.Context, source string, opts RunOptions) (RunReport, error) {
	cand := sb.sanitizer.Sanitize(source, types.OriginGenerated)
	if !cand.Valid {
		return RunReport{}, fmt.Errorf("refusing to run script: %w", cand.Reason)
	}

	var report RunReport
	err := sb.withScript(source, func(path string) error {
		res, err := sb.runner.Run(ctx, path, opts)
		if err != nil {
			return err
		}
		report = RunReport{
			ExitCode: res.ExitCode,
			Success:  res.ExitCode == 0,
			Summary:  res.Summary,
			Stdout:   res.Stdout,
		}
		return nil
	})
	if err != nil {
		return RunReport{}, fmt.Errorf("k6 run: %w", err)
	}
	return report, nil
}

func (sb *Sandbox) withScript(source string, fn func(path string) error) error {
	dir, err := os.MkdirTemp(sb.workDir, "k6sandbox-*")
	if err != nil {
		return fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "script.js")
	if err := os.WriteFile(path, []byte(source), 0o600); err != nil {
		return fmt.Errorf("writing script: %w", err)
	}
	return fn(path)
}

func rejectionReasons(err error) []string {
	var rej *script.RejectionError
	if !errors.As(err, &rej) {
		if err == nil {
			return nil
		}
		return []string{err.Error()}
	}
	var out []string
	for _, host := range rej.Violations {
		out = append(out, "disallowed host: "+host)
	}
	for _, name := range rej.Missing {
		out = append(out, "missing: "+name)
	}
	return out
}
