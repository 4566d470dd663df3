package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/config"
	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/provider"
)

const probeTimeout = provider.ProbeTimeout + 5*time.Second

type providerStatus struct {
	spec   provider.Spec
	caps   *provider.Capabilities
	err    error // build or probe failure
	probed bool
}

func newProvidersCmd(app *cli) *cobra.Command {
	cfg, envErr := config.FromEnv()
	if cfg == nil {
		cfg = config.Default()
	}
	var probe bool

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Show the configured generation backends",
		Long: `List the generation backends in the order they are tried, with their
resolved model and endpoint. With --probe, every local backend is checked
for reachability concurrently.`,
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
			policy, err := cfg.Policy()
			if err != nil {
				return err
			}

			reg := provider.DefaultRegistry()
			statuses := make([]providerStatus, len(cfg.Providers))
			built := make([]provider.Provider, len(cfg.Providers))
			for i, spec := range cfg.Providers {
				resolved, caps, err := reg.Resolve(spec)
				statuses[i] = providerStatus{spec: resolved, caps: caps, err: err}
				if err != nil {
					continue
				}
				built[i], statuses[i].err = reg.Build(spec, policy, logger)
			}

			if probe {
				probeAll(cmd.Context(), built, statuses)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, bold("#\tNAME\tKIND\tMODEL\tENDPOINT\tSTATUS"))
			for i, st := range statuses {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					i+1, st.spec.DisplayName(), st.caps, st.spec.Model, st.spec.BaseURL, statusText(st))
			}
			return tw.Flush()
		},
	}
	cfg.RegisterFlags(cmd.Flags())
	cmd.Flags().BoolVar(&probe, "probe", false, "Check local backends for reachability")
	return cmd
}

// probeAll probes every buildable local backend concurrently. Probe failures
// are recorded per backend, never returned.
func probeAll(ctx context.Context, built []provider.Provider, statuses []providerStatus) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var g errgroup.Group
	for i, p := range built {
		prober, ok := p.(provider.Prober)
		if !ok || statuses[i].err != nil {
			continue
		}
		g.Go(func() error {
			statuses[i].err = prober.Probe(ctx)
			statuses[i].probed = true
			return nil
		})
	}
	_ = g.Wait()
}

func statusText(st providerStatus) string {
	switch {
	case st.err != nil:
		return red(st.err.Error())
	case st.probed:
		return green("reachable")
	case st.caps != nil && st.caps.RequiresAPIKey():
		return green("key set")
	default:
		return gray("not probed")
	}
}
