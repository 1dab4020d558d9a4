package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/kadirpekel/nestor/pkg/observability"
	"github.com/kadirpekel/nestor/pkg/protocol"
	"github.com/kadirpekel/nestor/pkg/reasoning"
	"github.com/kadirpekel/nestor/pkg/trajectory"
)

// claimBlock is how long one queue read blocks before the worker
// re-checks backpressure and shutdown.
const claimBlock = 2 * time.Second

// worker is one long-lived consumer bound to a single task-type stream.
type worker struct {
	name     string
	taskType protocol.TaskType
	d        *Dispatcher
}

// run is the worker loop: claim, execute, ack.
func (w *worker) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if w.overMemoryBudget() {
			// Soft backpressure: the stream retains entries.
			select {
			case <-ctx.Done():
				return
			case <-time.After(claimBlock):
			}
			continue
		}

		entry, err := w.d.queue.Claim(ctx, w.taskType, w.name, claimBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Queue claim failed", "worker", w.name, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if entry == nil {
			continue
		}

		w.process(ctx, entry)
	}
}

// overMemoryBudget implements the process memory backpressure check.
func (w *worker) overMemoryBudget() bool {
	budget := w.d.cfg.MemoryBudgetMB
	if budget <= 0 {
		return false
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc > uint64(budget)*1024*1024
}

// process executes one claimed entry to its terminal state and acks it.
func (w *worker) process(ctx context.Context, entry *Entry) {
	task := entry.Task
	task.Normalize()

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordQueueClaim(string(task.Type))
		if entry.Redelivered {
			metrics.RecordQueueRedelivery(string(task.Type))
		}
	}

	attempt, proceed := w.resolveAttempt(ctx, &task, entry)
	if !proceed {
		w.ack(entry)
		return
	}

	if err := w.d.status.SetRunning(ctx, task.ID, attempt); err != nil {
		WriteRetrying("set_running", func(ctx context.Context) error {
			return w.d.status.SetRunning(ctx, task.ID, attempt)
		})
	}

	handle, err := w.d.recorder.BeginTask(&task, attempt)
	if err != nil {
		// Without a trajectory file the task must not execute: leave
		// the entry pending for redelivery.
		slog.Error("Failed to open trajectory", "task", task.ID, "error", err)
		return
	}

	start := time.Now()
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordTaskStarted(string(task.Type))
	}

	// Heartbeat every 10s while the task runs.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go w.heartbeat(hbCtx, task.ID, handle)

	result := w.execute(ctx, &task, handle)

	stopHeartbeat()

	outcome, err := w.d.recorder.Finalize(handle, result.Status, result.ErrorKind, result.Message, result.FinalAnswer)
	if err != nil {
		slog.Error("Failed to finalize trajectory", "task", task.ID, "error", err)
		outcome = &protocol.Outcome{
			TaskID:    task.ID,
			Attempt:   attempt,
			Status:    result.Status,
			ErrorKind: result.ErrorKind,
			Message:   result.Message,
		}
	}

	WriteRetrying("set_terminal", func(ctx context.Context) error {
		return w.d.status.SetTerminal(ctx, task.ID, outcome)
	})

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordTaskFinished(string(task.Type), string(result.Status), time.Since(start))
	}

	// The trajectory is durable; the entry may leave the queue.
	w.ack(entry)

	slog.Info("Task finished",
		"task", task.ID, "type", task.Type, "status", result.Status,
		"turns", result.AssistantTurns, "duration", time.Since(start).Round(time.Millisecond))
}

// resolveAttempt applies the redelivery protocol: terminal tasks ack
// without re-execution; stale running tasks resume with a bumped
// attempt counter, capped before execution.
func (w *worker) resolveAttempt(ctx context.Context, task *protocol.Task, entry *Entry) (int, bool) {
	status, err := w.d.status.Get(ctx, task.ID)
	if err == ErrTaskNotFound {
		return 1, true
	}
	if err != nil {
		slog.Warn("Status read failed, assuming first attempt", "task", task.ID, "error", err)
		return 1, true
	}

	if status.State.Terminal() {
		return 0, false
	}

	if status.State != StateRunning {
		return status.Attempt + 1, true
	}

	heartbeatStale := time.Since(status.Heartbeat) > 3*time.Duration(w.d.cfg.HeartbeatSeconds)*time.Second
	if !heartbeatStale && !entry.Redelivered {
		return status.Attempt + 1, true
	}

	attempt := status.Attempt + 1
	if attempt > w.d.cfg.MaxAttempts {
		w.failWithoutExecution(task, attempt)
		return 0, false
	}
	return attempt, true
}

// failWithoutExecution seals a redelivery-exhausted task: terminal
// status plus an outcome-only trajectory so no task disappears without
// a record.
func (w *worker) failWithoutExecution(task *protocol.Task, attempt int) {
	slog.Error("Task redelivery exhausted", "task", task.ID, "attempt", attempt)

	outcome := &protocol.Outcome{
		TaskID:      task.ID,
		Attempt:     attempt,
		Status:      protocol.TrajectoryFailed,
		ErrorKind:   protocol.ErrRedeliveryExhausted,
		Message:     fmt.Sprintf("re-delivered %d times without completion", attempt-1),
		FinalizedAt: time.Now().UTC(),
	}

	if handle, err := w.d.recorder.BeginTask(task, attempt); err == nil {
		_, _ = w.d.recorder.Finalize(handle, outcome.Status, outcome.ErrorKind, outcome.Message, "")
	}

	WriteRetrying("set_terminal", func(ctx context.Context) error {
		return w.d.status.SetTerminal(ctx, task.ID, outcome)
	})
}

// execute wires the step sink (trajectory + session + metrics) and runs
// the reasoning loop, holding the session lock throughout.
func (w *worker) execute(ctx context.Context, task *protocol.Task, handle *trajectory.Handle) *reasoning.TaskResult {
	var preamble string
	var sessionOK bool
	var release func()

	if task.SessionID != "" && w.d.sessions != nil {
		release, sessionOK = w.d.sessions.AcquireSessionLock(ctx, task.SessionID, task.Timeout()+time.Minute)
		if sessionOK {
			defer release()
			var err error
			preamble, err = w.d.sessions.SessionPreamble(ctx, task.SessionID)
			if err != nil {
				slog.Warn("Session preamble failed", "session", task.SessionID, "error", err)
			}
		}
	}

	sink := reasoning.StepSinkFunc(func(step protocol.Step) error {
		if err := w.d.recorder.RecordStep(handle, step); err != nil {
			return err
		}
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordStep(string(step.Kind))
			metrics.RecordTokens(string(task.Type), step.TokensIn, step.TokensOut)
		}
		if task.SessionID != "" && sessionOK && w.d.sessions != nil {
			if err := w.d.sessions.AppendStep(ctx, task.SessionID, step); err != nil {
				slog.Warn("Session append failed", "session", task.SessionID, "error", err)
			}
		}
		return nil
	})

	return w.d.engine.RunTask(ctx, task, preamble, sink)
}

// heartbeat refreshes the lease while the task runs.
func (w *worker) heartbeat(ctx context.Context, taskID string, handle *trajectory.Handle) {
	ticker := time.NewTicker(time.Duration(w.d.cfg.HeartbeatSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.d.status.Heartbeat(context.Background(), taskID, handle.Steps()); err != nil {
				slog.Warn("Heartbeat failed", "task", taskID, "error", err)
			}
		}
	}
}

// ack removes the entry from the queue, retrying in the background on
// failure so a slow store never wedges the worker.
func (w *worker) ack(entry *Entry) {
	taskType := w.taskType
	WriteRetrying("ack", func(ctx context.Context) error {
		return w.d.queue.Ack(ctx, taskType, entry.ID)
	})
}
