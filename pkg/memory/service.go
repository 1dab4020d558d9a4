package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kadirpekel/nestor/pkg/config"
	"github.com/kadirpekel/nestor/pkg/protocol"
)

// Service is the session façade the workers use: cached read-through
// loads, durable write-through appends, digest maintenance, advisory
// locking and retention purging.
type Service struct {
	cfg        config.SessionConfig
	store      Store
	locker     Locker
	cache      *sessionCache
	summarizer Summarizer
}

// NewService assembles the session service.
func NewService(cfg config.SessionConfig, store Store, locker Locker, summarizer Summarizer) *Service {
	if summarizer == nil {
		summarizer = HeuristicSummarizer{}
	}
	return &Service{
		cfg:        cfg,
		store:      store,
		locker:     locker,
		cache:      newSessionCache(cfg.CacheSize),
		summarizer: summarizer,
	}
}

// LoadSession returns the session, empty if unknown.
func (s *Service) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	if session, ok := s.cache.get(sessionID); ok {
		return session, nil
	}

	session, err := s.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.cache.put(sessionID, session)
	return session, nil
}

// AppendStep writes through: durable first, then the cached copy.
func (s *Service) AppendStep(ctx context.Context, sessionID string, step protocol.Step) error {
	if err := s.store.AppendStep(ctx, sessionID, step); err != nil {
		return err
	}
	if session, ok := s.cache.get(sessionID); ok {
		session.Steps = append(session.Steps, step)
		session.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// AcquireSessionLock serializes workers on one session. It waits up to
// the configured bound, then reports failure: the caller proceeds
// without history and records a session_conflict warning.
func (s *Service) AcquireSessionLock(ctx context.Context, sessionID string, leaseTTL time.Duration) (func(), bool) {
	if s.locker == nil || sessionID == "" {
		return func() {}, true
	}

	deadline := time.Now().Add(time.Duration(s.cfg.LockWaitSeconds) * time.Second)
	for {
		release, ok, err := s.locker.Acquire(ctx, sessionID, leaseTTL)
		if err != nil {
			slog.Warn("Session lock error", "session", sessionID, "error", err)
			return func() {}, true
		}
		if ok {
			return release, true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			slog.Warn("Session lock contention, proceeding without history",
				"session", sessionID, "kind", protocol.ErrSessionConflict)
			return func() {}, false
		}

		select {
		case <-ctx.Done():
			return func() {}, false
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Summarize returns a digest of the session fitting the budget, reusing
// the stored digest while it still covers enough of the prefix.
func (s *Service) Summarize(ctx context.Context, sessionID string, budgetTokens int) (string, error) {
	session, err := s.LoadSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(session.Steps) == 0 {
		return "", nil
	}

	prefixLen := len(session.Steps) - s.cfg.KeepRecentSteps
	if prefixLen <= 0 {
		return session.Digest, nil
	}

	// Reuse the stored digest until enough new steps fall behind the
	// retained tail to make it stale.
	stale := prefixLen-session.DigestCovers >= s.cfg.KeepRecentSteps
	if session.Digest != "" && !stale {
		return session.Digest, nil
	}

	digest, err := s.summarizer.Summarize(ctx, session.Steps[:prefixLen], budgetTokens)
	if err != nil {
		return "", fmt.Errorf("failed to summarize session %s: %w", sessionID, err)
	}

	if err := s.store.SaveDigest(ctx, sessionID, digest, prefixLen); err != nil {
		return "", err
	}
	session.Digest = digest
	session.DigestCovers = prefixLen
	return digest, nil
}

// SessionPreamble renders the prompt preamble for a task: the digest
// when the session is long, otherwise a compact rendering of what
// happened so far.
func (s *Service) SessionPreamble(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", nil
	}

	session, err := s.LoadSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(session.Steps) == 0 {
		return "", nil
	}

	if len(session.Steps) > s.cfg.SummarizeAfterSteps {
		digest, err := s.Summarize(ctx, sessionID, s.cfg.SummaryBudgetTokens)
		if err != nil {
			return "", err
		}
		tail := session.Steps[len(session.Steps)-s.cfg.KeepRecentSteps:]
		preamble, err := HeuristicSummarizer{}.Summarize(ctx, tail, s.cfg.SummaryBudgetTokens/2)
		if err != nil {
			return digest, nil
		}
		return digest + "\n" + preamble, nil
	}

	preamble, err := HeuristicSummarizer{}.Summarize(ctx, session.Steps, s.cfg.SummaryBudgetTokens)
	if err != nil {
		return "", err
	}
	return preamble, nil
}

// Purge deletes sessions beyond retention. Zero retention keeps forever.
func (s *Service) Purge(ctx context.Context) (int, error) {
	if s.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
	n, err := s.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("Purged expired sessions", "count", n, "retention_days", s.cfg.RetentionDays)
	}
	return n, nil
}

// Clear removes one session (explicit reset).
func (s *Service) Clear(ctx context.Context, sessionID string) error {
	s.cache.drop(sessionID)
	return s.store.DeleteSession(ctx, sessionID)
}

// Close closes the backing store.
func (s *Service) Close() error {
	return s.store.Close()
}
