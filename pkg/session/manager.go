package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/asaha96/Playproof-sub001/pkg/agent"
	"github.com/asaha96/Playproof-sub001/pkg/config"
	"github.com/asaha96/Playproof-sub001/pkg/scoring"
	"github.com/asaha96/Playproof-sub001/pkg/store"
)

// Manager owns the live session actors, keyed by session ID. It wires each
// new session to the shared decision agent, scoring rules, verdict store,
// and control publisher.
type Manager struct {
	cfg       *config.Config
	agent     *agent.DecisionAgent
	verdicts  store.VerdictStore
	publisher ControlPublisher
	logger    *zap.Logger

	rules      *scoring.Rules
	signatures *scoring.SignatureDetector
	observer   WindowObserver

	mu       sync.RWMutex
	sessions map[string]*Session
}

// ManagerOption configures optional scoring inputs.
type ManagerOption func(*Manager)

// WithScoringRules overrides the default penalty rules for new sessions.
func WithScoringRules(r *scoring.Rules) ManagerOption {
	return func(m *Manager) {
		m.rules = r
	}
}

// WithSignatureDetector enables signature matching for new sessions.
func WithSignatureDetector(sd *scoring.SignatureDetector) ManagerOption {
	return func(m *Manager) {
		m.signatures = sd
	}
}

// WindowObserver sees every scored window. Used to feed the feature
// archive; runs outside the session actor.
type WindowObserver func(sessionID string, ws scoring.WindowScore)

// WithWindowObserver registers an observer for scored windows.
func WithWindowObserver(fn WindowObserver) ManagerOption {
	return func(m *Manager) {
		m.observer = fn
	}
}

// NewManager builds a session manager. A nil publisher falls back to
// logging verdicts only.
func NewManager(cfg *config.Config, ag *agent.DecisionAgent, verdicts store.VerdictStore, publisher ControlPublisher, logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = &LogPublisher{Logger: logger}
	}
	m := &Manager{
		cfg:       cfg,
		agent:     ag,
		verdicts:  verdicts,
		publisher: publisher,
		logger:    logger,
		rules:     scoring.DefaultRules(),
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartSession creates and starts the actor for a session ID. Starting an
// already-live session returns the existing actor.
func (m *Manager) StartSession(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return existing, nil
	}

	scorerOpts := []scoring.ScorerOption{scoring.WithRules(m.rules)}
	if m.signatures != nil {
		scorerOpts = append(scorerOpts, scoring.WithSignatureDetector(m.signatures))
	}
	scorer := scoring.NewWindowedScorer(m.cfg, scorerOpts...)

	s := newSession(sessionID, m.cfg, m.agent, scorer, m.sink(sessionID), m.logger)
	s.observer = m.observer
	m.sessions[sessionID] = s
	m.mu.Unlock()

	if err := m.verdicts.MarkActive(ctx, sessionID); err != nil {
		m.logger.Warn("failed to mark session active", zap.String("session_id", sessionID), zap.Error(err))
	}

	go s.run()
	go m.reap(s)

	m.logger.Info("session started",
		zap.String("session_id", sessionID),
		zap.String("attempt_id", s.AttemptID))
	return s, nil
}

// sink builds the publish-once verdict path for one session: persist to
// the store, then push to the control channel.
func (m *Manager) sink(sessionID string) VerdictSink {
	return &onceSink{
		publish: func(ctx context.Context, d *agent.Decision) error {
			if err := m.verdicts.SaveVerdict(ctx, d); err != nil {
				return fmt.Errorf("persist verdict: %w", err)
			}
			return m.publisher.Publish(ctx, "verdict/"+sessionID, d)
		},
	}
}

// reap removes the session from the registry once its actor exits.
func (m *Manager) reap(s *Session) {
	<-s.Done()

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	if err := m.verdicts.Deactivate(context.Background(), s.ID); err != nil {
		m.logger.Warn("failed to deactivate session", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// Get returns the live session for an ID, if any.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Ingest routes one raw batch to its session, starting the actor on the
// first batch of an unknown session.
func (m *Manager) Ingest(ctx context.Context, sessionID string, payload []byte) error {
	s, ok := m.Get(sessionID)
	if !ok {
		var err error
		s, err = m.StartSession(ctx, sessionID)
		if err != nil {
			return err
		}
	}
	return s.Ingest(payload)
}

// Run consumes a batch source until the context ends.
func (m *Manager) Run(ctx context.Context, src BatchSource) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-src.Batches():
			if !ok {
				return
			}
			if err := m.Ingest(ctx, b.SessionID, b.Payload); err != nil {
				m.logger.Warn("ingest failed",
					zap.String("session_id", b.SessionID),
					zap.Error(err))
			}
		}
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown ends every live session and waits for the actors to exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.RUnlock()

	for _, s := range live {
		_ = s.End(EndTimeout)
	}
	for _, s := range live {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return
		}
	}

	// The reapers run asynchronously; clear the registry here so callers
	// observe an empty manager as soon as Shutdown returns.
	m.mu.Lock()
	for _, s := range live {
		delete(m.sessions, s.ID)
	}
	m.mu.Unlock()
}
