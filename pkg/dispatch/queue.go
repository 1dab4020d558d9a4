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

// Package dispatch is the task dispatch fabric: a Redis-Streams-backed
// queue with one ordered stream per task type, a consumer-group worker
// pool with lease/heartbeat/redelivery semantics, and the task status
// store the submission layer reads.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/nestor/pkg/config"
	"github.com/kadirpekel/nestor/pkg/protocol"
)

// ErrQueueUnavailable reports that the stream store rejected or never
// accepted a submission. Submissions are never silently dropped.
var ErrQueueUnavailable = errors.New(string(protocol.ErrQueueUnavailable))

// Submit retry backoff bounds.
const (
	submitBackoffBase = 100 * time.Millisecond
	submitBackoffMax  = 30 * time.Second
	submitMaxRetries  = 5
)

// Queue is the ordered per-task-type stream store.
type Queue struct {
	client *redis.Client
	cfg    config.QueueConfig
}

// NewQueue connects to the configured endpoint.
func NewQueue(cfg config.QueueConfig) (*Queue, error) {
	opts, err := redis.ParseURL(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid queue endpoint: %w", err)
	}
	return &Queue{client: redis.NewClient(opts), cfg: cfg}, nil
}

// NewQueueFromClient wraps an existing client (tests, shared pools).
func NewQueueFromClient(client *redis.Client, cfg config.QueueConfig) *Queue {
	return &Queue{client: client, cfg: cfg}
}

// Ping verifies connectivity at startup.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Client exposes the underlying connection for components sharing it.
func (q *Queue) Client() *redis.Client {
	return q.client
}

func (q *Queue) streamKey(taskType protocol.TaskType) string {
	return q.cfg.StreamPrefix + ":" + string(taskType)
}

// EnsureGroups creates the consumer group on every stream, creating
// streams as needed. Safe to call repeatedly.
func (q *Queue) EnsureGroups(ctx context.Context) error {
	for _, taskType := range protocol.TaskTypes() {
		err := q.client.XGroupCreateMkStream(ctx, q.streamKey(taskType), q.cfg.ConsumerGroup, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group for %s: %w", taskType, err)
		}
	}
	return nil
}

// Submit appends a task to its type's stream, retrying transient store
// failures with exponential backoff before giving up with
// ErrQueueUnavailable.
func (q *Queue) Submit(ctx context.Context, task *protocol.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	backoff := submitBackoffBase
	var lastErr error
	for attempt := 0; attempt <= submitMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrQueueUnavailable, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > submitBackoffMax {
				backoff = submitBackoffMax
			}
		}

		err := q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: q.streamKey(task.Type),
			Values: map[string]any{"task": payload},
		}).Err()
		if err == nil {
			return nil
		}
		lastErr = err
	}

	return fmt.Errorf("%w: %v", ErrQueueUnavailable, lastErr)
}

// Entry is one claimed queue entry.
type Entry struct {
	ID   string
	Task protocol.Task

	// Redelivered is set when the entry was reclaimed from a dead
	// consumer rather than read fresh.
	Redelivered bool
}

// Claim leases one entry for the consumer: first reclaiming entries
// whose lease expired (visibility timeout), then reading fresh ones.
// Returns nil when nothing arrived within the block window.
func (q *Queue) Claim(ctx context.Context, taskType protocol.TaskType, consumer string, block time.Duration) (*Entry, error) {
	stream := q.streamKey(taskType)

	// Visibility timeout: the default task budget
	// (protocol.DefaultTimeoutSeconds) plus the lease grace. The same idle
	// time applies to every entry; a task's own timeout_seconds is not
	// consulted here.
	minIdle := time.Duration(protocol.DefaultTimeoutSeconds+q.cfg.LeaseGraceSeconds) * time.Second

	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    q.cfg.ConsumerGroup,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err == nil && len(claimed) > 0 {
		entry, decodeErr := decodeEntry(claimed[0])
		if decodeErr != nil {
			// Poison entry: ack it away and report.
			_ = q.Ack(ctx, taskType, claimed[0].ID)
			return nil, decodeErr
		}
		entry.Redelivered = true
		return entry, nil
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.ConsumerGroup,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}

	return decodeEntry(streams[0].Messages[0])
}

func decodeEntry(msg redis.XMessage) (*Entry, error) {
	raw, ok := msg.Values["task"]
	if !ok {
		return nil, fmt.Errorf("queue entry %s has no task payload", msg.ID)
	}
	data, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("queue entry %s payload has unexpected type", msg.ID)
	}

	var task protocol.Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, fmt.Errorf("queue entry %s is corrupt: %w", msg.ID, err)
	}
	return &Entry{ID: msg.ID, Task: task}, nil
}

// Ack removes a processed entry from the pending list.
func (q *Queue) Ack(ctx context.Context, taskType protocol.TaskType, entryID string) error {
	return q.client.XAck(ctx, q.streamKey(taskType), q.cfg.ConsumerGroup, entryID).Err()
}

// Close releases the connection.
func (q *Queue) Close() error {
	return q.client.Close()
}
