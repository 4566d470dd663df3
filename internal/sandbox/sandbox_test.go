package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/script"
)

const goodScript = `import http from 'k6/http';
import { check } from 'k6';

export const options = { vus: 1, duration: '1s' };

export default function () {
  const res = http.get('http://localhost:8080/health');
  check(res, { 'status is 200': (r) => r.status === 200 });
}
`

const exportSummary = `{"metrics":{"http_reqs":{"count":12345,"rate":411.5},"http_req_duration":{"avg":12.34,"p(95)":40.5},"http_req_failed":{"value":0.02}}}`

// TestMain doubles as a fake k6 binary when SANDBOX_FAKE_K6 is set.
func TestMain(m *testing.M) {
	if os.Getenv("SANDBOX_FAKE_K6") == "1" {
		os.Exit(fakeK6(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func fakeK6(args []string) int {
	if len(args) == 0 {
		return 2
	}
	path := args[len(args)-1]
	src, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	switch args[0] {
	case "inspect":
		if strings.Contains(string(src), "SYNTAX ERROR") {
			fmt.Fprintln(os.Stderr, "SyntaxError: Unexpected token")
			return 107
		}
		fmt.Println(`{"vus":1,"duration":"1s"}`)
		return 0
	case "run":
		for i, a := range args {
			if a == "--summary-export" && i+1 < len(args) {
				_ = os.WriteFile(args[i+1], []byte(exportSummary), 0o644)
			}
		}
		// k6 leaves its progress line unterminated.
		fmt.Print("running (1s), 1/1 VUs")
		if strings.Contains(string(src), "thresholds") {
			fmt.Fprintln(os.Stderr, "some thresholds have failed")
			return 99
		}
		return 0
	}
	return 2
}

type fakeRunner struct {
	inspect   InspectResult
	inspectEr error
	run       RunResult
	runErr    error
	gotOpts   RunOptions
	gotSource string
}

func (f *fakeRunner) Inspect(_ context.Context, path string) (InspectResult, error) {
	b, _ := os.ReadFile(path)
	f.gotSource = string(b)
	return f.inspect, f.inspectEr
}

func (f *fakeRunner) Run(_ context.Context, path string, opts RunOptions) (RunResult, error) {
	b, _ := os.ReadFile(path)
	f.gotSource = string(b)
	f.gotOpts = opts
	return f.run, f.runErr
}

func newSandbox(r Runner) *Sandbox {
	return New(r, script.New(script.DefaultPolicy()))
}

func callRequest(name string, args map[string]any) gomcp.CallToolRequest {
	return gomcp.CallToolRequest{Params: gomcp.CallToolParams{Name: name, Arguments: args}}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		source     string
		runner     *fakeRunner
		wantValid  bool
		wantErrSub string
	}{
		{
			name:      "valid",
			source:    goodScript,
			runner:    &fakeRunner{inspect: InspectResult{OK: true}},
			wantValid: true,
		},
		{
			name:       "foreign host",
			source:     strings.Replace(goodScript, "localhost:8080", "api.example.com", 1),
			runner:     &fakeRunner{inspect: InspectResult{OK: true}},
			wantErrSub: "disallowed host: api.example.com:80",
		},
		{
			name:       "missing options",
			source:     strings.Replace(goodScript, "export const options", "const opts", 1),
			runner:     &fakeRunner{inspect: InspectResult{OK: true}},
			wantErrSub: "missing:",
		},
		{
			name:       "k6 refuses",
			source:     goodScript,
			runner:     &fakeRunner{inspect: InspectResult{OK: false, Output: "SyntaxError"}},
			wantErrSub: "SyntaxError",
		},
		{
			name:       "k6 missing",
			source:     goodScript,
			runner:     &fakeRunner{inspectEr: errors.New("starting k6: not found")},
			wantErrSub: "not found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := newSandbox(tt.runner).Validate(context.Background(), tt.source)
			assert.Equal(t, tt.wantValid, report.Valid)
			if tt.wantErrSub != "" {
				require.NotEmpty(t, report.Errors)
				assert.Contains(t, strings.Join(report.Errors, "\n"), tt.wantErrSub)
			}
		})
	}
}

func TestRun(t *testing.T) {
	runner := &fakeRunner{run: RunResult{ExitCode: 0, Stdout: "ok", Summary: json.RawMessage(exportSummary)}}
	report, err := newSandbox(runner).Run(context.Background(), goodScript, RunOptions{VUs: 5, Duration: "10s"})
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, 0, report.ExitCode)
	assert.Equal(t, "ok", report.Stdout)
	assert.JSONEq(t, exportSummary, string(report.Summary))
	assert.Equal(t, RunOptions{VUs: 5, Duration: "10s"}, runner.gotOpts)
	assert.Equal(t, goodScript, runner.gotSource)
}

func TestRun_NonZeroExitIsReport(t *testing.T) {
	runner := &fakeRunner{run: RunResult{ExitCode: 99}}
	report, err := newSandbox(runner).Run(context.Background(), goodScript, RunOptions{VUs: 1, Duration: "1s"})
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Equal(t, 99, report.ExitCode)
}

func TestRun_Refused(t *testing.T) {
	runner := &fakeRunner{}
	_, err := newSandbox(runner).Run(context.Background(),
		strings.Replace(goodScript, "http://localhost:8080", "https://prod.example.com", 1),
		RunOptions{VUs: 1, Duration: "1s"})
	require.Error(t, err)
	assert.ErrorIs(t, err, script.ErrRejected)
	assert.Empty(t, runner.gotSource, "refused script must never reach k6")
}

func TestRun_RunnerError(t *testing.T) {
	runner := &fakeRunner{runErr: errors.New("exec: \"k6\": executable file not found")}
	_, err := newSandbox(runner).Run(context.Background(), goodScript, RunOptions{VUs: 1, Duration: "1s"})
	assert.ErrorContains(t, err, "executable file not found")
}

func TestHandleValidate(t *testing.T) {
	sb := newSandbox(&fakeRunner{inspect: InspectResult{OK: true}})

	res, err := sb.handleValidate(context.Background(), callRequest("validate_script", map[string]any{"script": goodScript}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	report, ok := res.StructuredContent.(ValidationReport)
	require.True(t, ok)
	assert.True(t, report.Valid)

	text, ok := gomcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	assert.Contains(t, text.Text, "Valid:")

	res, err = sb.handleValidate(context.Background(), callRequest("validate_script", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleRun(t *testing.T) {
	runner := &fakeRunner{run: RunResult{ExitCode: 0, Summary: json.RawMessage(exportSummary)}}
	sb := newSandbox(runner)

	res, err := sb.handleRun(context.Background(), callRequest("run_script", map[string]any{
		"script":   goodScript,
		"vus":      float64(20),
		"duration": "45s",
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, RunOptions{VUs: 20, Duration: "45s"}, runner.gotOpts)

	report, ok := res.StructuredContent.(RunReport)
	require.True(t, ok)
	assert.True(t, report.Success)

	// Defaults apply when the caller omits load parameters.
	_, err = sb.handleRun(context.Background(), callRequest("run_k6_test", map[string]any{"script": goodScript}))
	require.NoError(t, err)
	assert.Equal(t, RunOptions{VUs: DefaultVUs, Duration: DefaultDuration}, runner.gotOpts)

	res, err = sb.handleRun(context.Background(), callRequest("run_script", map[string]any{"script": goodScript, "vus": float64(MaxVUs + 1)}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestK6Runner(t *testing.T) {
	k6 := NewK6(os.Args[0], nil)
	k6.Env = []string{"SANDBOX_FAKE_K6=1"}
	sb := New(k6, script.New(script.DefaultPolicy()), WithWorkDir(t.TempDir()))
	ctx := context.Background()

	report := sb.Validate(ctx, goodScript)
	assert.True(t, report.Valid)
	assert.JSONEq(t, `{"vus":1,"duration":"1s"}`, string(report.Options))

	report = sb.Validate(ctx, goodScript+"\n// SYNTAX ERROR\n")
	assert.False(t, report.Valid)
	assert.Contains(t, report.Errors[0], "SyntaxError")

	run, err := sb.Run(ctx, goodScript, RunOptions{VUs: 2, Duration: "1s"})
	require.NoError(t, err)
	assert.Equal(t, 0, run.ExitCode)
	assert.Contains(t, run.Stdout, "running")
	assert.JSONEq(t, exportSummary, string(run.Summary))

	failing := strings.Replace(goodScript, "duration: '1s'", "duration: '1s', thresholds: {}", 1)
	run, err = sb.Run(ctx, failing, RunOptions{VUs: 1, Duration: "1s"})
	require.NoError(t, err)
	assert.Equal(t, 99, run.ExitCode)
	assert.False(t, run.Success)
	assert.Equal(t, "running (1s), 1/1 VUs\nsome thresholds have failed\n", run.Stdout)
}

func TestJoinOutput(t *testing.T) {
	tests := []struct {
		stdout, stderr, want string
	}{
		{"done", "", "done"},
		{"", "boom\n", "boom\n"},
		{"done", "boom\n", "done\nboom\n"},
		{"done\n", "boom\n", "done\nboom\n"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, joinOutput(tt.stdout, tt.stderr))
	}
}

func TestK6Runner_MissingBinary(t *testing.T) {
	k6 := NewK6("/nonexistent/k6", nil)
	_, err := k6.Inspect(context.Background(), "script.js")
	assert.ErrorContains(t, err, "starting /nonexistent/k6")
}

func TestFormatRun(t *testing.T) {
	out := formatRun(RunReport{ExitCode: 0, Success: true, Summary: json.RawMessage(exportSummary)})
	assert.Contains(t, out, "passed")
	assert.Contains(t, out, "12,345")
	assert.Contains(t, out, "411.5 req/s")
	assert.Contains(t, out, "40.5ms")
	assert.Contains(t, out, "2.0%")

	nested := `{"metrics":{"http_req_failed":{"values":{"rate":0.5}}}}`
	assert.Contains(t, formatRun(RunReport{ExitCode: 99, Summary: json.RawMessage(nested)}), "50.0%")
	assert.Contains(t, formatRun(RunReport{ExitCode: 99}), "failed")
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{float64(999), "999"},
		{float64(1000), "1,000"},
		{float64(1234567), "1,234,567"},
		{-1234, "-1,234"},
		{12.34, "12.3"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatNumber(tt.in))
	}
}
