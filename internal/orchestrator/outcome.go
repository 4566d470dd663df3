package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/script"
	"github.com/shadmanakbar/k6-auto-pr-performance-tests/pkg/types"
)

// ErrExecutionFailed is wrapped by every fatal pipeline error.
var ErrExecutionFailed = errors.New("execution failed")

// StageError attributes a fatal error to the stage it happened in.
type StageError struct {
	Stage types.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: stage %s: %v", ErrExecutionFailed, e.Stage, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{ErrExecutionFailed, e.Err}
}

// Result file names inside the results directory.
const (
	OutputFile  = "output.txt"
	SummaryFile = "summary.json"
	OutcomeFile = "outcome.json"
)

// Outcome is the record of one pipeline run. It is written to outcome.json
// for the reporting step.
type Outcome struct {
	RunID       string                 `json:"runId"`
	Script      script.Candidate       `json:"-"`
	Origin      types.Origin           `json:"origin"`
	ScriptPath  string                 `json:"scriptPath"`
	Provider    string                 `json:"provider,omitempty"` // backend whose script was used
	Degraded    bool                   `json:"degraded"`
	Fallbacks   []types.Fallback       `json:"fallbacks,omitempty"`
	Execution   *types.ExecutionResult `json:"execution,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"startedAt"`
	CompletedAt time.Time              `json:"completedAt"`
}

// ExitCode maps a run to the process exit status: 0 only for a completed
// execution that exited 0, the execution's own status when it is non-zero,
// and types.ExitFatal when no execution completed.
func ExitCode(out *Outcome, err error) int {
	if err != nil || out == nil || out.Execution == nil {
		return types.ExitFatal
	}
	return out.Execution.ExitCode
}

// writeResults hands the run over to the reporting step.
func writeResults(dir string, out *Outcome) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating results dir: %w", err)
	}
	if exec := out.Execution; exec != nil {
		if err := os.WriteFile(filepath.Join(dir, OutputFile), []byte(exec.Stdout), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", OutputFile, err)
		}
		if len(exec.Summary) > 0 {
			if err := os.WriteFile(filepath.Join(dir, SummaryFile), exec.Summary, 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", SummaryFile, err)
			}
		}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding outcome: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, OutcomeFile), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", OutcomeFile, err)
	}
	return nil
}

// writeArtifact writes the script where the workflow expects it.
func writeArtifact(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating script dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("writing script: %w", err)
	}
	return nil
}
