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

// Package memory is the session store: the sole mechanism for
// cross-task context. Sessions hold ordered step lists appended in task
// completion order, an optional digest for prompt preambles, and are
// truncated only by retention.
package memory

import (
	"context"
	"time"

	"github.com/kadirpekel/nestor/pkg/protocol"
)

// Session is one cross-task conversation record.
type Session struct {
	ID    string          `json:"session_id"`
	Steps []protocol.Step `json:"steps"`

	// Digest is the stored summary of steps [0, DigestCovers).
	Digest       string `json:"digest,omitempty"`
	DigestCovers int    `json:"digest_covers,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the backing persistence for sessions. Implementations must
// make AppendStep durable before returning and support atomic reads of
// the step list.
type Store interface {
	// LoadSession returns the session, or an empty one if unknown.
	LoadSession(ctx context.Context, sessionID string) (*Session, error)

	// AppendStep appends one step, durably.
	AppendStep(ctx context.Context, sessionID string, step protocol.Step) error

	// SaveDigest stores the digest and how many leading steps it covers.
	SaveDigest(ctx context.Context, sessionID, digest string, covers int) error

	// PurgeOlderThan deletes sessions not updated since the cutoff and
	// returns how many were removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// DeleteSession removes one session entirely (explicit clear).
	DeleteSession(ctx context.Context, sessionID string) error

	Close() error
}

// Locker serializes writers on one session key. Acquire returns a
// release function on success; ok=false means the lock is held
// elsewhere and the caller should retry or proceed without history.
type Locker interface {
	Acquire(ctx context.Context, sessionID string, ttl time.Duration) (release func(), ok bool, err error)
}
