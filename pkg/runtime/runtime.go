// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package runtime is the composition root: it builds every subsystem
// from configuration, starts them in dependency order, and tears them
// down gracefully.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kadirpekel/nestor/pkg/config"
	"github.com/kadirpekel/nestor/pkg/dispatch"
	"github.com/kadirpekel/nestor/pkg/llm"
	"github.com/kadirpekel/nestor/pkg/memory"
	"github.com/kadirpekel/nestor/pkg/observability"
	"github.com/kadirpekel/nestor/pkg/reasoning"
	"github.com/kadirpekel/nestor/pkg/server"
	"github.com/kadirpekel/nestor/pkg/tools"
	"github.com/kadirpekel/nestor/pkg/trajectory"
)

// DependencyError marks a required external dependency (queue, session
// store) unavailable at startup. The CLI maps it to exit code 2.
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("required dependency %s unavailable: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// Runtime owns the assembled system.
type Runtime struct {
	cfg *config.Config

	queue        *dispatch.Queue
	statusStore  *dispatch.StatusStore
	sessions     *memory.Service
	recorder     *trajectory.Recorder
	orchestrator *tools.Orchestrator
	engine       *reasoning.Engine
	dispatcher   *dispatch.Dispatcher
	ops          *server.Server
	metrics      *observability.Metrics
}

// New builds the system. External dependencies are verified here so
// startup failures carry the right exit code.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	r := &Runtime{cfg: cfg}

	if cfg.Observability.MetricsEnabled {
		r.metrics = observability.NewMetrics()
		observability.SetGlobalMetrics(r.metrics)
	}
	if _, err := observability.InitGlobalTracer(ctx, observability.TracerConfig{
		Enabled:      cfg.Observability.TracingEnabled,
		EndpointURL:  cfg.Observability.OTLPEndpoint,
		SamplingRate: cfg.Observability.SamplingRate,
		ServiceName:  cfg.Observability.ServiceName,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// Queue + status store.
	queue, err := dispatch.NewQueue(cfg.Queue)
	if err != nil {
		return nil, &DependencyError{Dependency: "queue", Err: err}
	}
	if err := queue.Ping(ctx); err != nil {
		return nil, &DependencyError{Dependency: "queue", Err: err}
	}
	r.queue = queue
	r.statusStore = dispatch.NewStatusStore(queue.Client())

	// Session store.
	sessions, err := buildSessionService(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r.sessions = sessions

	// Trajectory recorder.
	recorder, err := trajectory.NewRecorder(cfg.Trajectory)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize trajectory recorder: %w", err)
	}
	r.recorder = recorder

	// Tool orchestrator.
	orchestrator, err := tools.NewOrchestrator(cfg.Tools)
	if err != nil {
		return nil, err
	}
	r.orchestrator = orchestrator

	// LLM provider.
	providers, err := llm.NewProviderRegistryFromConfig(cfg.Providers)
	if err != nil {
		return nil, err
	}
	provider, err := providers.Select(cfg.LLM.Provider)
	if err != nil {
		return nil, fmt.Errorf("llm provider selection failed: %w", err)
	}

	providerCfg := cfg.Providers[cfg.LLM.Provider]
	r.engine = reasoning.NewEngine(provider, orchestrator, cfg.Engine).
		WithPricing(providerCfg.PromptCostMicros, providerCfg.CompletionCostMicros)

	r.dispatcher = dispatch.NewDispatcher(cfg.Queue, r.queue, r.statusStore, r.recorder, r.engine, r.sessions)

	if cfg.Server.Enabled {
		r.ops = server.New(cfg.Server, r.dispatcher, r.orchestrator, r.metrics)
	}

	return r, nil
}

func buildSessionService(ctx context.Context, cfg *config.Config) (*memory.Service, error) {
	var store memory.Store
	var locker memory.Locker

	switch cfg.Sessions.Store {
	case "sql":
		sqlStore, err := memory.NewSQLStore(cfg.Sessions.Endpoint)
		if err != nil {
			return nil, &DependencyError{Dependency: "session store", Err: err}
		}
		if err := sqlStore.Ping(ctx); err != nil {
			return nil, &DependencyError{Dependency: "session store", Err: err}
		}
		store = sqlStore
		locker = memory.NewMutexLocker()

	default:
		redisStore, err := memory.NewRedisStore(cfg.Sessions.Endpoint)
		if err != nil {
			return nil, &DependencyError{Dependency: "session store", Err: err}
		}
		if err := redisStore.Ping(ctx); err != nil {
			return nil, &DependencyError{Dependency: "session store", Err: err}
		}
		store = redisStore
		locker = memory.NewRedisLocker(redisStore.Client())
	}

	return memory.NewService(cfg.Sessions, store, locker, nil), nil
}

// Dispatcher exposes the fabric for embedding callers.
func (r *Runtime) Dispatcher() *dispatch.Dispatcher {
	return r.dispatcher
}

// Run starts everything and blocks until ctx is cancelled, then shuts
// down: stop claiming, wait for in-flight tasks, drain tool servers,
// close stores.
func (r *Runtime) Run(ctx context.Context) error {
	// Mark host-crash leftovers before any new work begins.
	if marked, err := r.recorder.ScanForCrashed(); err != nil {
		slog.Warn("Trajectory crash scan failed", "error", err)
	} else if marked > 0 {
		slog.Info("Marked crashed trajectories", "count", marked)
	}

	if err := r.orchestrator.Start(ctx); err != nil {
		return err
	}

	if err := r.dispatcher.Start(ctx); err != nil {
		return err
	}

	if r.ops != nil {
		go func() {
			if err := r.ops.Start(); err != nil {
				slog.Error("Ops server failed", "error", err)
			}
		}()
	}

	go r.backgroundMaintenance(ctx)

	slog.Info("Nestor running",
		"queue", r.cfg.Queue.Endpoint,
		"trajectories", r.cfg.Trajectory.Dir,
		"tool_servers", len(r.orchestrator.Servers()))

	<-ctx.Done()
	r.shutdown()
	return nil
}

// backgroundMaintenance runs the periodic session purger and trajectory
// compactor.
func (r *Runtime) backgroundMaintenance(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.sessions.Purge(ctx); err != nil {
				slog.Warn("Session purge failed", "error", err)
			}
			if n, err := r.recorder.CompactClosedGroups(); err != nil {
				slog.Warn("Trajectory compaction failed", "error", err)
			} else if n > 0 {
				slog.Info("Compacted trajectory groups", "count", n)
			}
		}
	}
}

func (r *Runtime) shutdown() {
	slog.Info("Shutting down")

	// Consumers first: no new claims, in-flight tasks finish.
	r.dispatcher.Stop()

	if r.ops != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = r.ops.Shutdown(ctx)
		cancel()
	}

	// Tool processes: SIGTERM, grace, SIGKILL.
	r.orchestrator.Shutdown()

	if err := r.sessions.Close(); err != nil {
		slog.Warn("Session store close failed", "error", err)
	}
	if err := r.queue.Close(); err != nil {
		slog.Warn("Queue close failed", "error", err)
	}
}
