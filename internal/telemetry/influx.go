// Package telemetry exports throttle snapshots to InfluxDB as a time series,
// wired to throttle's on_progress hook so a dashboard can chart concurrency,
// dispatch interval, and failure count over the life of a run.
package telemetry

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/terminal-bench/gentlify/pkg/throttle"
)

// Exporter writes ThrottleSnapshot points to an InfluxDB bucket.
type Exporter struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
	org    string
	bucket string
}

// NewExporter builds an Exporter against the given server/org/bucket.
func NewExporter(url, token, org, bucket string) *Exporter {
	client := influxdb2.NewClient(url, token)
	return &Exporter{
		client: client,
		writer: client.WriteAPIBlocking(org, bucket),
		org:    org,
		bucket: bucket,
	}
}

// Close releases the underlying HTTP client.
func (e *Exporter) Close() {
	e.client.Close()
}

// WriteSnapshot writes one point for snap, tagged with throttleID.
func (e *Exporter) WriteSnapshot(ctx context.Context, throttleID string, snap throttle.ThrottleSnapshot) error {
	fields := map[string]interface{}{
		"concurrency":       snap.Concurrency,
		"max_concurrency":   snap.MaxConcurrency,
		"dispatch_interval_ms": snap.DispatchInterval.Milliseconds(),
		"completed_tasks":   snap.CompletedTasks,
		"total_tasks":       snap.TotalTasks,
		"failure_count":     snap.FailureCount,
		"safe_ceiling":      snap.SafeCeiling,
	}
	if snap.HasETA {
		fields["eta_ms"] = snap.ETASeconds.Milliseconds()
	}
	if snap.HasTokensRemaining {
		fields["tokens_used"] = snap.TokensUsed
		fields["tokens_remaining"] = snap.TokensRemaining
	}

	point := influxdb2.NewPoint(
		"throttle_snapshot",
		map[string]string{"throttle_id": throttleID, "state": snap.State.String()},
		fields,
		time.Now(),
	)

	if err := e.writer.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("telemetry: write point: %w", err)
	}
	return nil
}

// OnProgress adapts WriteSnapshot into a throttle.ProgressHandler, swallowing
// write errors to a best-effort log rather than disrupting the throttle —
// telemetry delivery is not part of the core's correctness contract.
func (e *Exporter) OnProgress(throttleID string, onErr func(error)) throttle.ProgressHandler {
	return func(snap throttle.ThrottleSnapshot) {
		if err := e.WriteSnapshot(context.Background(), throttleID, snap); err != nil && onErr != nil {
			onErr(err)
		}
	}
}
