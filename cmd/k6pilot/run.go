package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/config"
	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/metrics"
	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/orchestrator"
	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/provider"
	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/script"
)

const pushTimeout = 10 * time.Second

func newRunCmd(app *cli) *cobra.Command {
	cfg, envErr := config.FromEnv()
	if cfg == nil {
		cfg = config.Default()
	}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate, validate and run a load test for the current pull request",
		Long: `Run the whole pipeline: gather repository context, ask each configured
backend for a script until one passes sanitization, write the script artifact,
validate it with the k6 tool server and execute it.

The exit status is the k6 exit status when the test ran, and 1 when the
pipeline could not complete an execution.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return envErr
			}
			cfg.LogLevel = app.logLevel
			if err := cfg.Finalize(); err != nil {
				return err
			}
			logger, err := app.logger()
			if err != nil {
				return err
			}
			return runPipeline(cmd.Context(), cmd.OutOrStdout(), cfg, logger)
		},
	}
	cfg.RegisterFlags(cmd.Flags())
	return cmd
}

func runPipeline(ctx context.Context, stdout io.Writer, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	providers := buildProviders(cfg.Providers, policy, logger)

	var (
		rec      metrics.Recorder = metrics.Nop{}
		registry *prometheus.Registry
	)
	if cfg.PushgatewayURL != "" {
		registry = prometheus.NewRegistry()
		rec = metrics.NewPrometheusMetrics(registry)
	}

	orch := orchestrator.New(
		orchestrator.Config{
			Request:         cfg.Request(),
			RepoRoot:        cfg.RepoRoot,
			ScriptPath:      cfg.ScriptPath,
			ResultsDir:      cfg.ResultsDir,
			VUs:             cfg.VUs,
			Duration:        cfg.K6Duration(),
			ValidateTimeout: cfg.ValidateTimeout,
			RunTimeout:      cfg.RunTimeout,
		},
		providers,
		script.New(policy),
		&orchestrator.ProcessDialer{Command: cfg.Command(), ClientVersion: version, Logger: logger},
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(rec),
	)

	out, runErr := orch.Run(ctx)

	if registry != nil {
		pctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		if err := metrics.Push(pctx, cfg.PushgatewayURL, out.RunID, registry); err != nil {
			logger.Warn("pushing metrics failed", slog.String("error", err.Error()))
		}
		cancel()
	}

	printOutcome(stdout, out, runErr)

	if code := orchestrator.ExitCode(out, runErr); code != 0 {
		return &exitError{code: code, err: runErr}
	}
	return nil
}

// buildProviders constructs the configured chain. A backend that cannot be
// built (missing credential) is skipped; the chain may end up empty, which
// leaves the baseline.
func buildProviders(specs []provider.Spec, prompter provider.Prompter, logger *slog.Logger) []provider.Provider {
	reg := provider.DefaultRegistry()
	providers := make([]provider.Provider, 0, len(specs))
	for _, spec := range specs {
		p, err := reg.Build(spec, prompter, logger)
		if err != nil {
			logger.Warn("skipping provider", slog.String("provider", spec.DisplayName()), slog.String("error", err.Error()))
			continue
		}
		providers = append(providers, p)
	}
	return providers
}

func printOutcome(w io.Writer, out *orchestrator.Outcome, err error) {
	source := "generated by " + out.Provider
	if out.Degraded {
		source = yellow("baseline (degraded)")
	}
	fmt.Fprintf(w, "%s %s\n", bold("script:"), source)
	for _, fb := range out.Fallbacks {
		fmt.Fprintf(w, "  %s %s: %s\n", gray("fallback"), fb.Stage, fb.Reason)
	}

	switch {
	case err != nil:
		fmt.Fprintf(w, "%s %s\n", bold("result:"), red("pipeline failed"))
	case out.Execution != nil && out.Execution.Succeeded():
		fmt.Fprintf(w, "%s %s\n", bold("result:"), green("passed"))
	case out.Execution != nil:
		fmt.Fprintf(w, "%s %s\n", bold("result:"), red(fmt.Sprintf("k6 exited with status %d", out.Execution.ExitCode)))
	}
	fmt.Fprintf(w, "%s %s\n", bold("run:"), out.RunID)
}
