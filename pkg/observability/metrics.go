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

package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics collection for Nestor.
type Metrics struct {
	registry *prometheus.Registry

	// Task metrics
	tasksStarted   *prometheus.CounterVec
	tasksFinished  *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	tasksInFlight  *prometheus.GaugeVec
	stepsRecorded  *prometheus.CounterVec
	tokensInTotal  *prometheus.CounterVec
	tokensOutTotal *prometheus.CounterVec

	// Tool metrics
	toolInvocations *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	serversReady    prometheus.Gauge

	// Queue metrics
	queueClaims     *prometheus.CounterVec
	queueRedeliver  *prometheus.CounterVec
	queueSubmitErrs prometheus.Counter
}

// NewMetrics creates a Metrics instance with its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.tasksStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nestor_tasks_started_total",
		Help: "Tasks claimed and started by workers.",
	}, []string{"task_type"})

	m.tasksFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nestor_tasks_finished_total",
		Help: "Tasks finished, by terminal status.",
	}, []string{"task_type", "status"})

	m.taskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nestor_task_duration_seconds",
		Help:    "Wall-clock task duration.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"task_type"})

	m.tasksInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nestor_tasks_in_flight",
		Help: "Tasks currently executing.",
	}, []string{"task_type"})

	m.stepsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nestor_steps_recorded_total",
		Help: "Trajectory steps recorded, by kind.",
	}, []string{"kind"})

	m.tokensInTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nestor_tokens_in_total",
		Help: "Prompt tokens consumed.",
	}, []string{"task_type"})

	m.tokensOutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nestor_tokens_out_total",
		Help: "Completion tokens produced.",
	}, []string{"task_type"})

	m.toolInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nestor_tool_invocations_total",
		Help: "Tool invocations, by server and status.",
	}, []string{"server_id", "status"})

	m.toolDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nestor_tool_invocation_duration_seconds",
		Help:    "Tool invocation duration.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"server_id"})

	m.serversReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nestor_tool_servers_ready",
		Help: "Tool servers currently in ready state.",
	})

	m.queueClaims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nestor_queue_claims_total",
		Help: "Queue entries claimed by workers.",
	}, []string{"task_type"})

	m.queueRedeliver = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nestor_queue_redeliveries_total",
		Help: "Queue entries re-delivered after lease expiry.",
	}, []string{"task_type"})

	m.queueSubmitErrs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nestor_queue_submit_errors_total",
		Help: "Failed queue submissions.",
	})

	m.registry.MustRegister(
		m.tasksStarted, m.tasksFinished, m.taskDuration, m.tasksInFlight,
		m.stepsRecorded, m.tokensInTotal, m.tokensOutTotal,
		m.toolInvocations, m.toolDuration, m.serversReady,
		m.queueClaims, m.queueRedeliver, m.queueSubmitErrs,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTaskStarted marks a task claim.
func (m *Metrics) RecordTaskStarted(taskType string) {
	m.tasksStarted.WithLabelValues(taskType).Inc()
	m.tasksInFlight.WithLabelValues(taskType).Inc()
}

// RecordTaskFinished marks a task's terminal status.
func (m *Metrics) RecordTaskFinished(taskType, status string, duration time.Duration) {
	m.tasksFinished.WithLabelValues(taskType, status).Inc()
	m.tasksInFlight.WithLabelValues(taskType).Dec()
	m.taskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// RecordStep counts one recorded trajectory step.
func (m *Metrics) RecordStep(kind string) {
	m.stepsRecorded.WithLabelValues(kind).Inc()
}

// RecordTokens accumulates token usage for a task type.
func (m *Metrics) RecordTokens(taskType string, in, out int) {
	m.tokensInTotal.WithLabelValues(taskType).Add(float64(in))
	m.tokensOutTotal.WithLabelValues(taskType).Add(float64(out))
}

// RecordToolInvocation records one capability call.
func (m *Metrics) RecordToolInvocation(serverID, status string, duration time.Duration) {
	m.toolInvocations.WithLabelValues(serverID, status).Inc()
	m.toolDuration.WithLabelValues(serverID).Observe(duration.Seconds())
}

// SetServersReady publishes the current ready-server count.
func (m *Metrics) SetServersReady(n int) {
	m.serversReady.Set(float64(n))
}

// RecordQueueClaim counts one claimed entry.
func (m *Metrics) RecordQueueClaim(taskType string) {
	m.queueClaims.WithLabelValues(taskType).Inc()
}

// RecordQueueRedelivery counts one re-delivered entry.
func (m *Metrics) RecordQueueRedelivery(taskType string) {
	m.queueRedeliver.WithLabelValues(taskType).Inc()
}

// RecordQueueSubmitError counts one failed submission.
func (m *Metrics) RecordQueueSubmitError() {
	m.queueSubmitErrs.Inc()
}

var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// SetGlobalMetrics installs the process-wide metrics instance.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide metrics instance, or nil
// when metrics are disabled.
func GetGlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()
	return globalMetrics
}
