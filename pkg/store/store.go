// Package store persists published verdicts and tracks which sessions are
// still being verified. The in-memory implementation suits single-node
// deployments; the Redis implementation shares verdicts across gateway
// replicas.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/asaha96/Playproof-sub001/pkg/agent"
)

// VerdictStore is the persistence boundary for session outcomes. A verdict
// is written exactly once per session; GetVerdict returns nil, nil for
// unknown or expired sessions.
type VerdictStore interface {
	SaveVerdict(ctx context.Context, d *agent.Decision) error
	GetVerdict(ctx context.Context, sessionID string) (*agent.Decision, error)
	MarkActive(ctx context.Context, sessionID string) error
	Deactivate(ctx context.Context, sessionID string) error
	ActiveCount(ctx context.Context) (int, error)
	Close() error
}

// MemoryVerdictStore keeps verdicts in a map with TTL-based cleanup.
type MemoryVerdictStore struct {
	verdicts map[string]*agent.Decision
	active   map[string]time.Time
	mu       sync.RWMutex

	maxAge          time.Duration
	cleanupInterval time.Duration

	stopCleanup chan struct{}
	cleanupOnce sync.Once
}

// MemoryOption is a functional option for configuring MemoryVerdictStore.
type MemoryOption func(*MemoryVerdictStore)

// WithTTL sets how long a verdict stays retrievable after publication.
func WithTTL(d time.Duration) MemoryOption {
	return func(s *MemoryVerdictStore) {
		s.maxAge = d
	}
}

// WithCleanupInterval sets how often the cleanup routine runs.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(s *MemoryVerdictStore) {
		s.cleanupInterval = d
	}
}

// NewMemoryVerdictStore creates an in-memory store and starts its cleanup
// goroutine. Call Close to stop it.
func NewMemoryVerdictStore(opts ...MemoryOption) *MemoryVerdictStore {
	s := &MemoryVerdictStore{
		verdicts:        make(map[string]*agent.Decision),
		active:          make(map[string]time.Time),
		maxAge:          10 * time.Minute,
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

func (s *MemoryVerdictStore) SaveVerdict(_ context.Context, d *agent.Decision) error {
	if d == nil {
		return fmt.Errorf("decision is nil")
	}
	if d.SessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// First write wins; verdicts are immutable once published.
	if _, exists := s.verdicts[d.SessionID]; exists {
		return nil
	}
	s.verdicts[d.SessionID] = d
	return nil
}

func (s *MemoryVerdictStore) GetVerdict(_ context.Context, sessionID string) (*agent.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.verdicts[sessionID]
	if !ok {
		return nil, nil // Not found is not an error
	}
	if time.Since(d.DecidedAt) > s.maxAge {
		// Stale, treat as not found. Actual removal happens in cleanupLoop.
		return nil, nil
	}
	return d, nil
}

func (s *MemoryVerdictStore) MarkActive(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[sessionID] = time.Now()
	return nil
}

func (s *MemoryVerdictStore) Deactivate(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, sessionID)
	return nil
}

func (s *MemoryVerdictStore) ActiveCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active), nil
}

// Close stops the cleanup goroutine. Idempotent.
func (s *MemoryVerdictStore) Close() error {
	s.cleanupOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

func (s *MemoryVerdictStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryVerdictStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, d := range s.verdicts {
		if now.Sub(d.DecidedAt) > s.maxAge {
			delete(s.verdicts, id)
		}
	}
	// Active entries that outlived the TTL belong to sessions whose actor
	// died without deactivating; drop them too.
	for id, t := range s.active {
		if now.Sub(t) > s.maxAge {
			delete(s.active, id)
		}
	}
}
