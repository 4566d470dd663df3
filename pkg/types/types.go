// Package types contains the public data model shared by the k6pilot packages.
// These types cross package boundaries and end up in the outcome.json hand-off,
// so their JSON shape must remain backwards-compatible.
package types

import (
	"encoding/json"
	"strings"
)

// Origin records where a script candidate came from.
type Origin string

const (
	OriginGenerated Origin = "generated"
	OriginBaseline  Origin = "baseline"
)

// Stage identifies a step of the orchestration pipeline.
type Stage string

const (
	StageGatherContext Stage = "gather_context"
	StageGenerate      Stage = "generate"
	StageSanitize      Stage = "sanitize"
	StageValidateTool  Stage = "validate_tool"
	StageRunTool       Stage = "run_tool"
	StageDone          Stage = "done"
)

// Process exit statuses.
const (
	ExitOK    = 0
	ExitFatal = 1 // pipeline could not reach a completed execution
)

// GenerationRequest is the input handed to a language model backend.
// It is built once per run and passed by value.
type GenerationRequest struct {
	Stack       string   `json:"stack"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Files       []string `json:"files,omitempty"` // best-effort repository listing
}

// HasContext reports whether any repository structure was gathered.
func (r GenerationRequest) HasContext() bool {
	return len(r.Files) > 0
}

// StackOrDefault returns the stack label, or "unknown" when none was detected.
func (r GenerationRequest) StackOrDefault() string {
	if s := strings.TrimSpace(r.Stack); s != "" {
		return s
	}
	return "unknown"
}

// ExecutionResult is what the execution sandbox reports for a run.
// Summary is passed through untouched to the reporting stage.
type ExecutionResult struct {
	ExitCode int             `json:"exitCode"`
	Summary  json.RawMessage `json:"summary,omitempty"`
	Stdout   string          `json:"stdout,omitempty"`
}

// Succeeded reports whether the run finished with a zero exit status.
func (r *ExecutionResult) Succeeded() bool {
	return r != nil && r.ExitCode == ExitOK
}

// Fallback records one baseline substitution and why it happened.
type Fallback struct {
	Stage  Stage  `json:"stage"`
	Reason string `json:"reason"`
}

// Tool names exposed by the k6 sandbox.
const (
	ToolValidateScript = "validate_script"
	ToolRunScript      = "run_script"
	ToolRunK6Test      = "run_k6_test" // older mcp-k6 releases
)
