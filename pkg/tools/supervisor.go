package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/kadirpekel/nestor/pkg/observability"
	"github.com/kadirpekel/nestor/pkg/protocol"
)

const (
	readinessInterval = 500 * time.Millisecond

	// Liveness failure thresholds.
	degradedAfterFailures = 3
	stoppedAfterFailures  = 5

	// Restart policy: exponential backoff, capped attempts per window.
	restartBaseBackoff = 2 * time.Second
	restartMaxTries    = 5
	restartWindow      = 10 * time.Minute
)

// supervise runs the health lifecycle for one server until ctx ends:
// readiness probing after launch, then periodic liveness checks with
// demotion, stop and optional restart.
func (o *Orchestrator) supervise(ctx context.Context, entry *ServerEntry) {
	if !o.awaitReady(ctx, entry) {
		return
	}

	liveness := time.NewTicker(time.Duration(o.cfg.LivenessIntervalSeconds) * time.Second)
	defer liveness.Stop()

	var restartTimes []time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-liveness.C:
		}

		if entry.State() != protocol.ServerReady && entry.State() != protocol.ServerDegraded {
			continue
		}

		record := entry.Record()
		err := checkHealth(ctx, record.Endpoint)

		entry.mu.Lock()
		entry.record.LastHealthCheck = time.Now().UTC()
		if err == nil {
			entry.record.ConsecutiveFailures = 0
			entry.record.State = protocol.ServerReady
		} else {
			entry.record.ConsecutiveFailures++
			if entry.record.ConsecutiveFailures >= stoppedAfterFailures {
				entry.record.State = protocol.ServerStopped
			} else if entry.record.ConsecutiveFailures >= degradedAfterFailures {
				entry.record.State = protocol.ServerDegraded
			}
		}
		failures := entry.record.ConsecutiveFailures
		state := entry.record.State
		entry.mu.Unlock()

		o.publishReadyCount()

		if err != nil {
			slog.Warn("Tool server health check failed",
				"server", record.ServerID, "consecutive_failures", failures, "state", state, "error", err)
		}

		if state != protocol.ServerStopped {
			continue
		}

		terminateProcess(entry, shutdownGrace)

		if !o.cfg.AutoRestart || !o.isManaged(entry) {
			return
		}

		now := time.Now()
		restartTimes = pruneOlderThan(restartTimes, now.Add(-restartWindow))
		if len(restartTimes) >= restartMaxTries {
			slog.Error("Tool server restart budget exhausted",
				"server", record.ServerID, "tries", len(restartTimes))
			entry.setState(protocol.ServerFailed)
			o.publishReadyCount()
			return
		}

		backoff := restartBaseBackoff << len(restartTimes)
		slog.Info("Restarting tool server", "server", record.ServerID, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		restartTimes = append(restartTimes, now)

		entry.setState(protocol.ServerStarting)
		if err := o.launchProcess(entry); err != nil {
			slog.Error("Tool server restart failed", "server", record.ServerID, "error", err)
			entry.setState(protocol.ServerFailed)
			o.publishReadyCount()
			return
		}
		if !o.awaitReady(ctx, entry) {
			return
		}
	}
}

// awaitReady polls the readiness probe every 500ms until the first
// success or the startup timeout. Returns false when supervision should
// end (ctx done or startup failed).
func (o *Orchestrator) awaitReady(ctx context.Context, entry *ServerEntry) bool {
	entry.setState(protocol.ServerStarting)

	deadline := time.Now().Add(time.Duration(o.cfg.StartupTimeoutSeconds) * time.Second)
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()

	record := entry.Record()
	for {
		if err := checkHealth(ctx, record.Endpoint); err == nil {
			// Launched servers without a static capability document
			// declare themselves now.
			if len(record.Capabilities) == 0 {
				if caps, err := fetchCapabilities(ctx, record.ServerID, record.Endpoint); err == nil {
					entry.mu.Lock()
					entry.record.Capabilities = caps
					entry.mu.Unlock()
				} else {
					slog.Warn("Capability discovery failed", "server", record.ServerID, "error", err)
				}
			}

			entry.mu.Lock()
			entry.record.State = protocol.ServerReady
			entry.record.LastHealthCheck = time.Now().UTC()
			entry.record.ConsecutiveFailures = 0
			entry.mu.Unlock()

			o.publishReadyCount()
			slog.Info("Tool server ready", "server", record.ServerID, "endpoint", record.Endpoint)
			return true
		}

		if time.Now().After(deadline) {
			slog.Error("Tool server failed to become ready",
				"server", record.ServerID, "timeout_seconds", o.cfg.StartupTimeoutSeconds)
			entry.setState(protocol.ServerFailed)
			terminateProcess(entry, shutdownGrace)
			o.publishReadyCount()
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) isManaged(entry *ServerEntry) bool {
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.managed
}

func (o *Orchestrator) publishReadyCount() {
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.SetServersReady(len(o.Catalog()))
	}
}

func pruneOlderThan(times []time.Time, cutoff time.Time) []time.Time {
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
