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

// Package tools is the tool orchestration layer: it keeps a fleet of
// external tool-server processes registered, supervised and reachable,
// and routes capability invocations to them over WebSocket or HTTP.
//
// The reasoning engine depends only on Invoke and Catalog; everything
// else is lifecycle plumbing.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/nestor/pkg/config"
	"github.com/kadirpekel/nestor/pkg/observability"
	"github.com/kadirpekel/nestor/pkg/protocol"
	"github.com/kadirpekel/nestor/pkg/registry"
)

// shutdownGrace is how long a server gets between SIGTERM and SIGKILL.
const shutdownGrace = 10 * time.Second

// InvokeResult is the orchestrator-level outcome of one invocation.
type InvokeResult struct {
	Status protocol.InvocationStatus
	Body   string
}

// Orchestrator owns the tool-server registry, supervision and routing.
type Orchestrator struct {
	cfg     config.ToolsConfig
	servers *registry.BaseRegistry[*ServerEntry]
	ports   *PortAllocator

	superviseCtx    context.Context
	superviseCancel context.CancelFunc
	wg              sync.WaitGroup

	snapshotMu sync.Mutex
}

// NewOrchestrator creates an orchestrator from configuration.
func NewOrchestrator(cfg config.ToolsConfig) (*Orchestrator, error) {
	ports, err := NewPortAllocator(cfg.PortRangeLo, cfg.PortRangeHi)
	if err != nil {
		return nil, NewOrchestratorError("Orchestrator", "New", "invalid port range", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:             cfg,
		servers:         registry.NewBaseRegistry[*ServerEntry](),
		ports:           ports,
		superviseCtx:    ctx,
		superviseCancel: cancel,
	}, nil
}

// Start restores the durable snapshot, applies static registrations and
// persists the merged registry.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.restoreSnapshot(); err != nil {
		slog.Warn("Tool registry snapshot unreadable, starting empty", "error", err)
	}

	for _, sc := range o.cfg.Servers {
		if _, exists := o.servers.Get(sc.ServerID); exists {
			continue
		}
		if err := o.registerFromConfig(ctx, sc); err != nil {
			slog.Error("Static tool server registration failed", "server", sc.ServerID, "error", err)
		}
	}

	return o.saveSnapshot()
}

// registerFromConfig handles one static registration entry.
func (o *Orchestrator) registerFromConfig(ctx context.Context, sc config.ToolServerConfig) error {
	if sc.Endpoint != "" {
		return o.registerExternal(ctx, sc.ServerID, sc.Endpoint, sc.CapabilitiesFile)
	}
	return o.registerLaunched(ctx, sc.ServerID, sc.Dir, sc.LaunchCommand, sc.CapabilitiesFile)
}

// registerExternal registers an already-running server by endpoint.
func (o *Orchestrator) registerExternal(ctx context.Context, serverID, endpoint, capsFile string) error {
	caps, err := o.loadCapabilities(ctx, serverID, endpoint, capsFile, "")
	if err != nil {
		return err
	}

	record := protocol.ToolServer{
		ServerID:     serverID,
		Endpoint:     endpoint,
		State:        protocol.ServerPending,
		Capabilities: caps,
	}
	return o.admitEntry(newServerEntry(record, o.cfg.MaxInFlight))
}

// registerLaunched detects, installs, launches and registers a server
// from a local source directory.
func (o *Orchestrator) registerLaunched(ctx context.Context, serverID, dir string, launchOverride []string, capsFile string) error {
	projectType, err := DetectProjectType(dir)
	if err != nil {
		return NewOrchestratorError("Orchestrator", "Register",
			fmt.Sprintf("cannot classify %s", dir), err)
	}

	port, err := o.ports.Allocate(serverID)
	if err != nil {
		return NewOrchestratorError("Orchestrator", "Register", "port allocation failed", err)
	}

	command := launchOverride
	if len(command) == 0 {
		command = launchCommand(projectType, dir)
	}

	// Capability discovery for a server we have not launched yet can
	// only use the static document; otherwise the supervisor fetches
	// /capabilities on first readiness.
	endpoint := fmt.Sprintf("http://127.0.0.1:%d", port)
	var caps []protocol.Capability
	if path := staticCapsPath(capsFile, dir); path != "" {
		caps, err = loadCapabilitiesFile(serverID, path)
		if err != nil {
			o.ports.Release(port)
			return NewOrchestratorError("Orchestrator", "Register",
				fmt.Sprintf("capability file %s unreadable", path), err)
		}
	}

	record := protocol.ToolServer{
		ServerID:      serverID,
		Endpoint:      endpoint,
		ProjectType:   projectType,
		LaunchCommand: command,
		WorkingDir:    dir,
		AllocatedPort: port,
		State:         protocol.ServerPending,
		Capabilities:  caps,
	}

	entry := newServerEntry(record, o.cfg.MaxInFlight)
	if err := o.runInstallSteps(entry); err != nil {
		o.ports.Release(port)
		return err
	}
	if err := o.launchProcess(entry); err != nil {
		o.ports.Release(port)
		return err
	}
	return o.admitEntry(entry)
}

// Install performs a dynamic registration from a git URL or local path.
func (o *Orchestrator) Install(ctx context.Context, serverID, source string) error {
	dir := source
	if strings.Contains(source, "://") || strings.HasSuffix(source, ".git") {
		dir = filepath.Join(o.cfg.InstallDir, serverID)
		if err := gitClone(ctx, source, dir); err != nil {
			return NewOrchestratorError("Orchestrator", "Install",
				fmt.Sprintf("failed to clone %s", source), err)
		}
	}

	if err := o.registerLaunched(ctx, serverID, dir, nil, ""); err != nil {
		return err
	}
	return o.saveSnapshot()
}

func gitClone(ctx context.Context, url, dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", url, dir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w", truncate(string(out), 512), err)
	}
	return nil
}

// admitEntry registers a pending entry and starts its supervisor.
func (o *Orchestrator) admitEntry(entry *ServerEntry) error {
	record := entry.Record()

	tr, err := newTransport(record.Endpoint)
	if err != nil {
		return NewOrchestratorError("Orchestrator", "Register", "bad endpoint", err)
	}
	entry.transport = tr

	if err := o.servers.Register(record.ServerID, entry); err != nil {
		tr.Close()
		return NewOrchestratorError("Orchestrator", "Register",
			fmt.Sprintf("duplicate server_id %s", record.ServerID), err)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.supervise(o.superviseCtx, entry)
	}()

	return nil
}

// loadCapabilities prefers the static document, falling back to the
// server's /capabilities endpoint.
func (o *Orchestrator) loadCapabilities(ctx context.Context, serverID, endpoint, capsFile, dir string) ([]protocol.Capability, error) {
	if path := staticCapsPath(capsFile, dir); path != "" {
		caps, err := loadCapabilitiesFile(serverID, path)
		if err != nil {
			return nil, NewOrchestratorError("Orchestrator", "Register",
				fmt.Sprintf("capability file %s unreadable", path), err)
		}
		return caps, nil
	}

	caps, err := fetchCapabilities(ctx, serverID, endpoint)
	if err != nil {
		return nil, NewOrchestratorError("Orchestrator", "Register",
			fmt.Sprintf("capability discovery failed for %s", serverID), err)
	}
	return caps, nil
}

// staticCapsPath resolves the capability document path: an explicit
// file, or <dir>/capabilities.json when present.
func staticCapsPath(capsFile, dir string) string {
	if capsFile != "" {
		return capsFile
	}
	if dir != "" {
		candidate := filepath.Join(dir, "capabilities.json")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// Remove drains in-flight invocations, terminates the process and drops
// the registration.
func (o *Orchestrator) Remove(ctx context.Context, serverID string) error {
	entry, ok := o.servers.Get(serverID)
	if !ok {
		return NewOrchestratorError("Orchestrator", "Remove",
			fmt.Sprintf("server %s not found", serverID), nil)
	}

	entry.setState(protocol.ServerStopped)

	// Drain: take every in-flight slot, bounded by ctx.
	for i := 0; i < cap(entry.inflight); i++ {
		select {
		case entry.inflight <- struct{}{}:
		case <-ctx.Done():
			// Proceed anyway; remaining calls fail with unreachable.
			i = cap(entry.inflight)
		}
	}

	terminateProcess(entry, shutdownGrace)
	if entry.transport != nil {
		entry.transport.Close()
	}

	record := entry.Record()
	if record.AllocatedPort != 0 {
		o.ports.Release(record.AllocatedPort)
	}

	if err := o.servers.Remove(serverID); err != nil {
		return NewOrchestratorError("Orchestrator", "Remove", "registry removal failed", err)
	}
	o.publishReadyCount()
	return o.saveSnapshot()
}

// Catalog returns a snapshot of every ready server with its
// capabilities, in stable order. The prompt builder calls this at the
// start of every reasoning task.
func (o *Orchestrator) Catalog() []protocol.ToolServer {
	var out []protocol.ToolServer
	for _, entry := range o.servers.List() {
		record := entry.Record()
		if record.State == protocol.ServerReady {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// Servers returns every registration regardless of state.
func (o *Orchestrator) Servers() []protocol.ToolServer {
	var out []protocol.ToolServer
	for _, entry := range o.servers.List() {
		out = append(out, entry.Record())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// CallTimeout returns the deadline for one capability call: the
// capability's declared override or the configured default.
func (o *Orchestrator) CallTimeout(serverID, action string) time.Duration {
	if entry, ok := o.servers.Get(serverID); ok {
		if cap, ok := entry.capability(action); ok && cap.TimeoutSeconds > 0 {
			return time.Duration(cap.TimeoutSeconds) * time.Second
		}
	}
	return time.Duration(o.cfg.DefaultCallTimeoutSeconds) * time.Second
}

// Invoke routes one capability call. Network and validation failures
// come back as statuses, never as Go errors: the engine surfaces them
// to the model and the loop continues.
func (o *Orchestrator) Invoke(ctx context.Context, serverID, action string, params map[string]any) InvokeResult {
	start := time.Now()

	tracer := observability.GetTracer("nestor.tools")
	ctx, span := tracer.Start(ctx, observability.SpanToolInvocation,
		trace.WithAttributes(
			attribute.String(observability.AttrServerID, serverID),
			attribute.String(observability.AttrAction, action),
		),
	)
	defer span.End()

	result := o.invoke(ctx, serverID, action, params)

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordToolInvocation(serverID, string(result.Status), time.Since(start))
	}
	if result.Status == protocol.InvocationOK {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(result.Status))
	}
	return result
}

func (o *Orchestrator) invoke(ctx context.Context, serverID, action string, params map[string]any) InvokeResult {
	entry, ok := o.servers.Get(serverID)
	if !ok {
		return InvokeResult{
			Status: protocol.InvocationUnreachable,
			Body:   fmt.Sprintf("no tool server %q is registered", serverID),
		}
	}
	if state := entry.State(); state != protocol.ServerReady {
		return InvokeResult{
			Status: protocol.InvocationUnreachable,
			Body:   fmt.Sprintf("tool server %q is %s", serverID, state),
		}
	}

	cap, ok := entry.capability(action)
	if !ok {
		return InvokeResult{
			Status: protocol.InvocationInvalidParams,
			Body:   fmt.Sprintf("server %q has no action %q; available: %s", serverID, action, strings.Join(actionNames(entry), ", ")),
		}
	}

	validated, err := ValidateParams(cap, params)
	if err != nil {
		return InvokeResult{
			Status: protocol.InvocationInvalidParams,
			Body:   err.Error(),
		}
	}

	// In-flight cap: excess requests queue here under the same deadline.
	select {
	case entry.inflight <- struct{}{}:
		defer func() { <-entry.inflight }()
	case <-ctx.Done():
		return statusFromContext(ctx).toInvokeResult()
	}

	res := entry.transport.Call(ctx, action, validated)
	return InvokeResult{Status: res.Status, Body: res.Body}
}

func (r callResult) toInvokeResult() InvokeResult {
	return InvokeResult{Status: r.Status, Body: r.Body}
}

func actionNames(entry *ServerEntry) []string {
	record := entry.Record()
	names := make([]string, 0, len(record.Capabilities))
	for _, cap := range record.Capabilities {
		names = append(names, cap.Action)
	}
	sort.Strings(names)
	return names
}

// Shutdown terminates every managed process and persists the registry.
func (o *Orchestrator) Shutdown() {
	o.superviseCancel()

	for _, entry := range o.servers.List() {
		entry.setState(protocol.ServerStopped)
		terminateProcess(entry, shutdownGrace)
		if entry.transport != nil {
			entry.transport.Close()
		}
	}
	o.wg.Wait()

	if err := o.saveSnapshot(); err != nil {
		slog.Error("Failed to persist tool registry snapshot", "error", err)
	}
}

// ----------------------------------------------------------------------------
// Snapshot persistence
// ----------------------------------------------------------------------------

func (o *Orchestrator) saveSnapshot() error {
	o.snapshotMu.Lock()
	defer o.snapshotMu.Unlock()

	records := o.Servers()
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	tmp := o.cfg.SnapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, o.cfg.SnapshotPath)
}

func (o *Orchestrator) restoreSnapshot() error {
	data, err := os.ReadFile(o.cfg.SnapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var records []protocol.ToolServer
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}

	for _, record := range records {
		record.State = protocol.ServerPending
		record.PID = 0
		record.ConsecutiveFailures = 0

		if record.AllocatedPort != 0 {
			if err := o.ports.Reserve(record.AllocatedPort, record.ServerID); err != nil {
				slog.Warn("Snapshot port conflict", "server", record.ServerID, "error", err)
				continue
			}
		}

		entry := newServerEntry(record, o.cfg.MaxInFlight)
		if len(record.LaunchCommand) > 0 {
			if err := o.launchProcess(entry); err != nil {
				slog.Error("Snapshot relaunch failed", "server", record.ServerID, "error", err)
				o.ports.Release(record.AllocatedPort)
				continue
			}
		}
		if err := o.admitEntry(entry); err != nil {
			slog.Error("Snapshot registration failed", "server", record.ServerID, "error", err)
		}
	}
	return nil
}
