package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/nestor/pkg/protocol"
)

// Redis key layout, per the session store contract:
//
//	session:{id}:steps   list of JSON step records
//	session:{id}:digest  JSON {digest, covers}
//	nestor:sessions      zset session_id → last update unix (purge index)
const (
	sessionIndexKey = "nestor:sessions"
)

func stepsKey(sessionID string) string  { return "session:" + sessionID + ":steps" }
func digestKey(sessionID string) string { return "session:" + sessionID + ":digest" }
func lockKey(sessionID string) string   { return "session:" + sessionID + ":lock" }

// RedisStore is the primary session store.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the given redis:// endpoint.
func NewRedisStore(endpoint string) (*RedisStore, error) {
	opts, err := redis.ParseURL(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid session store endpoint: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewRedisStoreFromClient wraps an existing client (tests, shared pools).
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Ping verifies connectivity at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client exposes the underlying connection (lock keys share it).
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

type storedDigest struct {
	Digest string `json:"digest"`
	Covers int    `json:"covers"`
}

func (s *RedisStore) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	raw, err := s.client.LRange(ctx, stepsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	session := &Session{ID: sessionID}
	for _, item := range raw {
		var step protocol.Step
		if err := json.Unmarshal([]byte(item), &step); err != nil {
			return nil, fmt.Errorf("corrupt step in session %s: %w", sessionID, err)
		}
		session.Steps = append(session.Steps, step)
	}

	if data, err := s.client.Get(ctx, digestKey(sessionID)).Result(); err == nil {
		var d storedDigest
		if err := json.Unmarshal([]byte(data), &d); err == nil {
			session.Digest = d.Digest
			session.DigestCovers = d.Covers
		}
	}

	if ts, err := s.client.ZScore(ctx, sessionIndexKey, sessionID).Result(); err == nil {
		session.UpdatedAt = time.Unix(int64(ts), 0).UTC()
	}

	return session, nil
}

func (s *RedisStore) AppendStep(ctx context.Context, sessionID string, step protocol.Step) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to encode step: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, stepsKey(sessionID), data)
	pipe.ZAdd(ctx, sessionIndexKey, redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: sessionID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append step to session %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) SaveDigest(ctx context.Context, sessionID, digest string, covers int) error {
	data, err := json.Marshal(storedDigest{Digest: digest, Covers: covers})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, digestKey(sessionID), data, 0).Err()
}

func (s *RedisStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, sessionIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := s.DeleteSession(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, stepsKey(sessionID), digestKey(sessionID))
	pipe.ZRem(ctx, sessionIndexKey, sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// RedisLocker implements advisory session locks with SET NX and a
// token-checked release, so an expired holder cannot free a lock it no
// longer owns.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (l *RedisLocker) Acquire(ctx context.Context, sessionID string, ttl time.Duration) (func(), bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, lockKey(sessionID), token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		_, _ = releaseScript.Run(context.Background(), l.client, []string{lockKey(sessionID)}, token).Result()
	}
	return release, true, nil
}
