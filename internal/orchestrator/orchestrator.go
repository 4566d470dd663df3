// Package orchestrator runs the generate, validate and execute pipeline.
//
// Generation problems never stop a run: a failing or misbehaving backend is
// skipped, and when none produces a usable script the baseline is used and
// the run is marked degraded. Only failures to talk to the tool server, or a
// run that reports no exit status, are fatal.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/metrics"
	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/provider"
	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/repoctx"
	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/script"
	"github.com/shadmanakbar/k6-auto-pr-performance-tests/pkg/types"
)

// Defaults
const (
	DefaultValidateTimeout = 60 * time.Second
	DefaultRunMargin       = 2 * time.Minute // added to the test duration for the run call
	DefaultVUs             = 10
	DefaultDuration        = "30s"
)

// Config holds the per-run settings.
type Config struct {
	Request    types.GenerationRequest
	RepoRoot   string // empty skips context gathering
	ScriptPath string
	ResultsDir string // empty disables result files

	VUs             int
	Duration        string // k6 syntax
	ValidateTimeout time.Duration
	RunTimeout      time.Duration // whole-run deadline, 0 for none
}

// Orchestrator runs the pipeline. It is single-use per Run call but holds no
// per-run state, so Run may be called again.
type Orchestrator struct {
	cfg       Config
	providers []provider.Provider
	sanitizer *script.Sanitizer
	dialer    Dialer
	metrics   metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an orchestrator. providers are tried in order.
func New(cfg Config, providers []provider.Provider, sanitizer *script.Sanitizer, dialer Dialer, opts ...Option) *Orchestrator {
	if cfg.VUs <= 0 {
		cfg.VUs = DefaultVUs
	}
	if cfg.Duration == "" {
		cfg.Duration = DefaultDuration
	}
	if cfg.ValidateTimeout <= 0 {
		cfg.ValidateTimeout = DefaultValidateTimeout
	}
	o := &Orchestrator{
		cfg:       cfg,
		providers: providers,
		sanitizer: sanitizer,
		dialer:    dialer,
		metrics:   metrics.Nop{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one pipeline run. The returned Outcome is never nil; err is
// non-nil only for fatal failures and then wraps ErrExecutionFailed.
func (o *Orchestrator) Run(ctx context.Context) (out *Outcome, err error) {
	out = &Outcome{
		RunID:      uuid.NewString(),
		ScriptPath: o.cfg.ScriptPath,
		StartedAt:  o.now(),
	}
	logger := o.logger.With(slog.String("run_id", out.RunID))

	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
	}

	defer func() {
		out.CompletedAt = o.now()
		if err != nil {
			out.Error = err.Error()
		}
		code := ExitCode(out, err)
		o.metrics.SetOutcome(out.Degraded, code)
		if o.cfg.ResultsDir != "" {
			if werr := writeResults(o.cfg.ResultsDir, out); werr != nil {
				logger.Error("writing results", slog.String("error", werr.Error()))
			}
		}
		logger.Info("run finished",
			slog.Int("exit_code", code),
			slog.Bool("degraded", out.Degraded),
			slog.String("origin", string(out.Origin)),
			slog.Duration("elapsed", out.CompletedAt.Sub(out.StartedAt)))
	}()

	req := o.gatherContext(ctx, logger)

	cand := o.generate(ctx, req, out, logger)
	o.freeze(out, cand)
	if err := writeArtifact(o.cfg.ScriptPath, out.Script.Sanitized); err != nil {
		return out, &StageError{Stage: types.StageSanitize, Err: err}
	}

	sess, err := o.dialer.Dial(ctx)
	if err != nil {
		return out, &StageError{Stage: types.StageValidateTool, Err: err}
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			logger.Debug("closing session", slog.String("error", cerr.Error()))
		}
	}()

	caps, err := sess.Initialize(ctx)
	if err != nil {
		return out, &StageError{Stage: types.StageValidateTool, Err: err}
	}
	logger.Info("tool server ready",
		slog.String("server", caps.Server.Name),
		slog.String("server_version", caps.Server.Version),
		slog.String("protocol", caps.ProtocolVersion))

	validateTool, runTool := o.resolveTools(ctx, sess, logger)

	if validateTool != "" {
		if err := o.validate(ctx, sess, validateTool, out, logger); err != nil {
			return out, err
		}
	}

	exec, err := o.execute(ctx, sess, runTool, out, logger)
	if err != nil {
		return out, err
	}
	out.Execution = exec
	return out, nil
}

// gatherContext builds the generation request. A failed walk only costs
// context; it never degrades the run.
func (o *Orchestrator) gatherContext(ctx context.Context, logger *slog.Logger) types.GenerationRequest {
	req := o.cfg.Request
	if o.cfg.RepoRoot == "" {
		return req
	}
	start := time.Now()
	logger = logger.With(slog.String("stage", string(types.StageGatherContext)))

	if req.Stack == "" {
		req.Stack = repoctx.DetectStack(o.cfg.RepoRoot)
	}
	files, err := repoctx.Gather(ctx, repoctx.DefaultConfig(o.cfg.RepoRoot))
	o.metrics.RecordStage(string(types.StageGatherContext), err == nil, time.Since(start))
	if err != nil {
		logger.Warn("gathering repository context failed, continuing without it",
			slog.String("error", err.Error()))
		return req
	}
	req.Files = files
	logger.Debug("repository context gathered",
		slog.Int("files", len(files)),
		slog.String("stack", req.StackOrDefault()))
	return req
}

// generate asks each provider in turn and returns the first candidate that
// passes sanitization, or the baseline when none does.
func (o *Orchestrator) generate(ctx context.Context, req types.GenerationRequest, out *Outcome, logger *slog.Logger) script.Candidate {
	start := time.Now()
	failedStage := types.StageGenerate
	reason := "no providers configured"

	for _, p := range o.providers {
		plog := logger.With(slog.String("provider", p.Name()), slog.String("stage", string(types.StageGenerate)))

		if prober, ok := p.(provider.Prober); ok {
			if err := prober.Probe(ctx); err != nil {
				plog.Warn("provider unreachable, skipping", slog.String("error", err.Error()))
				o.metrics.RecordProvider(p.Name(), "unreachable")
				failedStage, reason = types.StageGenerate, err.Error()
				continue
			}
		}

		raw, err := p.Generate(ctx, req)
		if err != nil {
			result := "error"
			if errors.Is(err, provider.ErrUnreachable) {
				result = "unreachable"
			}
			plog.Warn("generation failed", slog.String("error", err.Error()))
			o.metrics.RecordProvider(p.Name(), result)
			failedStage, reason = types.StageGenerate, err.Error()
			continue
		}

		cand := o.sanitizer.Sanitize(raw, types.OriginGenerated)
		if !cand.Valid {
			kind := "structure"
			var rej *script.RejectionError
			if errors.As(cand.Reason, &rej) && rej.Security() {
				kind = "security"
			}
			plog.Warn("generated script rejected",
				slog.String("stage", string(types.StageSanitize)),
				slog.String("reason", kind),
				slog.String("error", cand.Reason.Error()))
			o.metrics.RecordProvider(p.Name(), "rejected")
			o.metrics.RecordRejection(kind)
			failedStage, reason = types.StageSanitize, fmt.Sprintf("%s: %v", p.Name(), cand.Reason)
			continue
		}

		o.metrics.RecordProvider(p.Name(), "ok")
		o.metrics.RecordStage(string(types.StageGenerate), true, time.Since(start))
		out.Provider = p.Name()
		plog.Info("generated script accepted", slog.Int("bytes", len(cand.Sanitized)))
		return cand
	}

	o.metrics.RecordStage(string(types.StageGenerate), false, time.Since(start))
	return o.fallback(out, failedStage, reason, logger)
}

// fallback substitutes the baseline and records why.
func (o *Orchestrator) fallback(out *Outcome, stage types.Stage, reason string, logger *slog.Logger) script.Candidate {
	out.Degraded = true
	out.Provider = ""
	out.Fallbacks = append(out.Fallbacks, types.Fallback{Stage: stage, Reason: reason})
	o.metrics.RecordFallback(string(stage))
	logger.Warn("using baseline script",
		slog.String("stage", string(stage)),
		slog.String("reason", reason))
	return o.sanitizer.Baseline()
}

// freeze records the candidate the rest of the run uses.
func (o *Orchestrator) freeze(out *Outcome, cand script.Candidate) {
	out.Script = cand
	out.Origin = cand.Origin
}

// resolveTools picks the tool names the server offers. A server that cannot
// list its tools is assumed to offer the standard names.
func (o *Orchestrator) resolveTools(ctx context.Context, sess Session, logger *slog.Logger) (validate, run string) {
	validate, run = types.ToolValidateScript, types.ToolRunScript

	tools, err := sess.ListTools(ctx)
	if err != nil {
		logger.Warn("listing tools failed, assuming defaults", slog.String("error", err.Error()))
		return validate, run
	}
	if !slices.Contains(tools, types.ToolRunScript) && slices.Contains(tools, types.ToolRunK6Test) {
		run = types.ToolRunK6Test
	}
	if !slices.Contains(tools, types.ToolValidateScript) {
		logger.Warn("tool server has no validation tool, skipping validation", slog.Any("tools", tools))
		validate = ""
	}
	return validate, run
}

// validate asks the tool server to check the frozen script. A generated
// script it rejects is replaced by the baseline; a rejected baseline is only
// logged because there is nothing left to fall back to.
func (o *Orchestrator) validate(ctx context.Context, sess Session, tool string, out *Outcome, logger *slog.Logger) error {
	logger = logger.With(slog.String("stage", string(types.StageValidateTool)), slog.String("tool", tool))

	text, err := out.Script.Executable()
	if err != nil {
		return &StageError{Stage: types.StageValidateTool, Err: err}
	}

	vctx, cancel := context.WithTimeout(ctx, o.cfg.ValidateTimeout)
	defer cancel()

	start := time.Now()
	res, err := sess.CallTool(vctx, tool, map[string]any{"script": text})
	o.metrics.RecordToolCall(tool, err == nil, time.Since(start))
	if err != nil {
		o.metrics.RecordStage(string(types.StageValidateTool), false, time.Since(start))
		return &StageError{Stage: types.StageValidateTool, Err: err}
	}
	o.metrics.RecordStage(string(types.StageValidateTool), true, time.Since(start))

	if res.Valid() {
		logger.Info("script validated", slog.String("origin", string(out.Origin)))
		return nil
	}

	reason := res.Text()
	if reason == "" {
		reason = "rejected by " + tool
	}
	if out.Script.Degraded() {
		logger.Warn("baseline script reported invalid, running it anyway", slog.String("reason", reason))
		return nil
	}

	o.freeze(out, o.fallback(out, types.StageValidateTool, reason, logger))
	if err := writeArtifact(o.cfg.ScriptPath, out.Script.Sanitized); err != nil {
		return &StageError{Stage: types.StageValidateTool, Err: err}
	}
	return nil
}

// execute runs the frozen script and interprets the result.
func (o *Orchestrator) execute(ctx context.Context, sess Session, tool string, out *Outcome, logger *slog.Logger) (*types.ExecutionResult, error) {
	logger = logger.With(slog.String("stage", string(types.StageRunTool)), slog.String("tool", tool))

	text, err := out.Script.Executable()
	if err != nil {
		return nil, &StageError{Stage: types.StageRunTool, Err: err}
	}

	logger.Info("running load test",
		slog.String("origin", string(out.Origin)),
		slog.Int("vus", o.cfg.VUs),
		slog.String("duration", o.cfg.Duration))

	rctx := ctx
	if d, perr := time.ParseDuration(o.cfg.Duration); perr == nil {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, d+DefaultRunMargin)
		defer cancel()
	}

	start := time.Now()
	res, err := sess.CallTool(rctx, tool, map[string]any{
		"script":   text,
		"vus":      o.cfg.VUs,
		"duration": o.cfg.Duration,
	})
	o.metrics.RecordToolCall(tool, err == nil, time.Since(start))
	if err != nil {
		o.metrics.RecordStage(string(types.StageRunTool), false, time.Since(start))
		return nil, &StageError{Stage: types.StageRunTool, Err: err}
	}

	exec, err := res.Execution()
	o.metrics.RecordStage(string(types.StageRunTool), err == nil, time.Since(start))
	if err != nil {
		return nil, &StageError{Stage: types.StageRunTool, Err: fmt.Errorf("%w: %s", err, res.Text())}
	}
	logger.Info("load test finished", slog.Int("exit_code", exec.ExitCode))
	return exec, nil
}
