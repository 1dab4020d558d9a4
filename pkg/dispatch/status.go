package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/nestor/pkg/protocol"
)

// TaskState is the submission-layer view of a task's lifecycle.
type TaskState string

const (
	StatePending TaskState = "pending"
	StateRunning TaskState = "running"

	// Terminal states mirror trajectory statuses.
	StateSuccess   TaskState = "success"
	StateFailed    TaskState = "failed"
	StateCancelled TaskState = "cancelled"
	StateTimeout   TaskState = "timeout"
)

// Terminal reports whether the state is final.
func (s TaskState) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateCancelled, StateTimeout:
		return true
	}
	return false
}

// ErrTaskNotFound is returned for ids the status store never saw.
var ErrTaskNotFound = errors.New("task not found")

// TaskStatus is the read-only progress view backing the status operation.
type TaskStatus struct {
	TaskID    string             `json:"task_id"`
	State     TaskState          `json:"state"`
	Attempt   int                `json:"attempt"`
	Steps     int                `json:"steps"`
	Heartbeat time.Time          `json:"heartbeat,omitempty"`
	ErrorKind protocol.ErrorKind `json:"error_kind,omitempty"`
	Message   string             `json:"message,omitempty"`
	Answer    string             `json:"answer,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// StatusStore is the key-value store workers publish task progress to.
type StatusStore struct {
	client *redis.Client
}

func NewStatusStore(client *redis.Client) *StatusStore {
	return &StatusStore{client: client}
}

func statusKey(taskID string) string {
	return "nestor:task:" + taskID
}

// statusTTL keeps terminal records around long enough for callers to
// read them without growing the store forever.
const statusTTL = 7 * 24 * time.Hour

// Get returns the current status.
func (s *StatusStore) Get(ctx context.Context, taskID string) (*TaskStatus, error) {
	data, err := s.client.Get(ctx, statusKey(taskID)).Result()
	if err == redis.Nil {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}

	var status TaskStatus
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		return nil, fmt.Errorf("corrupt status for %s: %w", taskID, err)
	}
	return &status, nil
}

// SetPending records a freshly submitted task.
func (s *StatusStore) SetPending(ctx context.Context, taskID string) error {
	return s.write(ctx, &TaskStatus{
		TaskID:    taskID,
		State:     StatePending,
		UpdatedAt: time.Now().UTC(),
	})
}

// SetRunning marks a claim. The attempt counter distinguishes
// redeliveries.
func (s *StatusStore) SetRunning(ctx context.Context, taskID string, attempt int) error {
	return s.write(ctx, &TaskStatus{
		TaskID:    taskID,
		State:     StateRunning,
		Attempt:   attempt,
		Heartbeat: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	})
}

// Heartbeat refreshes the lease and publishes step progress.
func (s *StatusStore) Heartbeat(ctx context.Context, taskID string, steps int) error {
	status, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if status.State.Terminal() {
		return nil
	}
	status.Steps = steps
	status.Heartbeat = time.Now().UTC()
	status.UpdatedAt = time.Now().UTC()
	return s.write(ctx, status)
}

// SetTerminal seals the status. A task already terminal is left
// untouched: a task is never finalized with two different outcomes.
func (s *StatusStore) SetTerminal(ctx context.Context, taskID string, outcome *protocol.Outcome) error {
	existing, err := s.Get(ctx, taskID)
	if err != nil && err != ErrTaskNotFound {
		return err
	}
	if existing != nil && existing.State.Terminal() {
		return nil
	}

	attempt := outcome.Attempt
	return s.write(ctx, &TaskStatus{
		TaskID:    taskID,
		State:     TaskState(outcome.Status),
		Attempt:   attempt,
		ErrorKind: outcome.ErrorKind,
		Message:   outcome.Message,
		Answer:    outcome.FinalAnswer,
		UpdatedAt: time.Now().UTC(),
	})
}

func (s *StatusStore) write(ctx context.Context, status *TaskStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, statusKey(status.TaskID), data, statusTTL).Err()
}

// WriteRetrying performs a status write in the background, retrying
// until it lands. Task execution never blocks on status plumbing.
func WriteRetrying(name string, write func(ctx context.Context) error) {
	go func() {
		backoff := 200 * time.Millisecond
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := write(ctx)
			cancel()
			if err == nil {
				return
			}
			slog.Warn("Status write failed, retrying", "op", name, "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}
	}()
}
