package dispatch

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/nestor/pkg/config"
	"github.com/kadirpekel/nestor/pkg/memory"
	"github.com/kadirpekel/nestor/pkg/protocol"
	"github.com/kadirpekel/nestor/pkg/reasoning"
	"github.com/kadirpekel/nestor/pkg/trajectory"
)

// Engine is the slice of the reasoning layer the fabric drives.
type Engine interface {
	RunTask(ctx context.Context, task *protocol.Task, sessionPreamble string, sink reasoning.StepSink) *reasoning.TaskResult
}

// Dispatcher exposes submit/status to collaborators and runs the
// per-task-type worker pools.
type Dispatcher struct {
	cfg      config.QueueConfig
	queue    *Queue
	status   *StatusStore
	recorder *trajectory.Recorder
	engine   Engine
	sessions *memory.Service

	cancel context.CancelFunc
	group  *errgroup.Group
	once   sync.Once
}

// NewDispatcher wires the fabric together.
func NewDispatcher(cfg config.QueueConfig, queue *Queue, status *StatusStore, recorder *trajectory.Recorder, engine Engine, sessions *memory.Service) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		queue:    queue,
		status:   status,
		recorder: recorder,
		engine:   engine,
		sessions: sessions,
	}
}

// Submit validates and enqueues a task, returning its id. The entry is
// durable in the stream before Submit returns.
func (d *Dispatcher) Submit(ctx context.Context, task *protocol.Task) (string, error) {
	if task.ID == "" {
		task.ID = protocol.NewTaskID()
	}
	task.Normalize()
	if err := task.Validate(); err != nil {
		return "", err
	}

	if err := d.status.SetPending(ctx, task.ID); err != nil {
		// The status record is advisory at submit time; the queue entry
		// is the source of truth.
		WriteRetrying("set_pending", func(ctx context.Context) error {
			return d.status.SetPending(ctx, task.ID)
		})
	}

	if err := d.queue.Submit(ctx, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// Status returns the task's current state.
func (d *Dispatcher) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	return d.status.Get(ctx, taskID)
}

// Start launches the worker pools: one pool per task type, sized from
// configuration, each worker a long-lived consumer in the shared group.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.queue.EnsureGroups(ctx); err != nil {
		return fmt.Errorf("failed to prepare queue: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	g, runCtx := errgroup.WithContext(runCtx)
	d.group = g

	host, _ := os.Hostname()
	pid := os.Getpid()

	for _, taskType := range protocol.TaskTypes() {
		size := d.cfg.PoolSize(taskType)
		for i := 0; i < size; i++ {
			w := &worker{
				name:     fmt.Sprintf("%s-%d-%s-%d", host, pid, taskType, i),
				taskType: taskType,
				d:        d,
			}
			g.Go(func() error {
				w.run(runCtx)
				return nil
			})
		}
	}
	return nil
}

// Stop ends the consumer set and waits for in-flight tasks. Unacked
// entries become visible to other instances after their lease expires.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		if d.group != nil {
			_ = d.group.Wait()
		}
	})
}
