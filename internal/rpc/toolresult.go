package rpc

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/shadmanakbar/k6-auto-pr-performance-tests/pkg/types"
)

// ErrNoExitStatus is returned by Execution when an error result carries no
// exit status to report.
var ErrNoExitStatus = errors.New("tool result has no exit status")

// ToolResult is the decoded result of a tools/call.
type ToolResult struct {
	*mcp.CallToolResult
}

// Text joins the text content blocks of the result.
func (r *ToolResult) Text() string {
	if r == nil || r.CallToolResult == nil {
		return ""
	}
	var parts []string
	for _, c := range r.Content {
		if tc, ok := mcp.AsTextContent(c); ok && tc.Text != "" {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Structured returns the result payload as an object. Structured content is
// preferred; otherwise a text block holding a JSON object is used. It returns
// nil when neither is present.
func (r *ToolResult) Structured() map[string]any {
	if r == nil || r.CallToolResult == nil {
		return nil
	}
	if m, ok := r.StructuredContent.(map[string]any); ok {
		return m
	}
	text := strings.TrimSpace(r.Text())
	if !strings.HasPrefix(text, "{") {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err == nil {
		return m
	}
	// Tool servers that print their own JSON sometimes emit it slightly
	// broken (trailing commas, single quotes).
	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal([]byte(repaired), &m); err != nil {
		return nil
	}
	return m
}

// Valid interprets the result of a validation tool. A result is valid unless
// it is flagged as an error or reports valid=false.
func (r *ToolResult) Valid() bool {
	if r == nil || r.CallToolResult == nil || r.IsError {
		return false
	}
	if m := r.Structured(); m != nil {
		if v, ok := m["valid"].(bool); ok {
			return v
		}
	}
	return true
}

// Execution interprets the result of a run tool.
func (r *ToolResult) Execution() (*types.ExecutionResult, error) {
	if r == nil || r.CallToolResult == nil {
		return nil, ErrNoExitStatus
	}

	m := r.Structured()
	if m == nil {
		if r.IsError {
			return nil, ErrNoExitStatus
		}
		return &types.ExecutionResult{ExitCode: types.ExitOK, Stdout: r.Text()}, nil
	}

	res := &types.ExecutionResult{}
	code, hasCode := exitCodeOf(m)
	switch {
	case hasCode:
		res.ExitCode = code
	case m["success"] == true:
		res.ExitCode = types.ExitOK
	case m["success"] == false:
		res.ExitCode = 1
	case r.IsError:
		return nil, ErrNoExitStatus
	default:
		res.ExitCode = types.ExitOK
	}

	if s, ok := m["stdout"].(string); ok {
		res.Stdout = s
	}
	if summary, ok := m["summary"]; ok && summary != nil {
		if raw, err := json.Marshal(summary); err == nil {
			res.Summary = raw
		}
	}
	return res, nil
}

func exitCodeOf(m map[string]any) (int, bool) {
	for _, key := range []string{"exit_code", "exitCode"} {
		if v, ok := m[key].(float64); ok {
			return int(v), true
		}
	}
	return 0, false
}
