// Package metrics records pipeline metrics in Prometheus form and optionally
// pushes them to a Pushgateway at the end of a run, since a CI job does not
// live long enough to be scraped.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Recorder is the metrics surface the pipeline writes to.
type Recorder interface {
	RecordStage(stage string, success bool, d time.Duration)
	RecordProvider(provider, result string)
	RecordToolCall(tool string, success bool, d time.Duration)
	RecordRejection(reason string)
	RecordFallback(stage string)
	SetOutcome(degraded bool, exitCode int)
}

var _ Recorder = (*PrometheusMetrics)(nil)
var _ Recorder = Nop{}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordStage(string, bool, time.Duration)    {}
func (Nop) RecordProvider(string, string)              {}
func (Nop) RecordToolCall(string, bool, time.Duration) {}
func (Nop) RecordRejection(string)                     {}
func (Nop) RecordFallback(string)                      {}
func (Nop) SetOutcome(bool, int)                       {}

// JobName is the Pushgateway job label.
const JobName = "k6pilot"

// Push sends everything gathered by g to the Pushgateway at url, grouped by
// run id. It replaces any metrics previously pushed for the same group.
func Push(ctx context.Context, url, runID string, g prometheus.Gatherer) error {
	pusher := push.New(url, JobName).Gatherer(g)
	if runID != "" {
		pusher = pusher.Grouping("run_id", runID)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", url, err)
	}
	return nil
}
