// Package session runs the per-attempt verification actors. Each session
// is owned by a single goroutine; telemetry ingest, windowing ticks, agent
// results, and transport events all arrive over one command channel, so
// session state needs no locks.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/asaha96/Playproof-sub001/pkg/agent"
	"github.com/asaha96/Playproof-sub001/pkg/config"
	"github.com/asaha96/Playproof-sub001/pkg/features"
	"github.com/asaha96/Playproof-sub001/pkg/scoring"
	"github.com/asaha96/Playproof-sub001/pkg/telemetry"
)

// State is the session lifecycle phase.
type State string

const (
	StateConnecting State = "connecting" // created, no telemetry yet
	StateActive     State = "active"     // receiving telemetry
	StateEnded      State = "ended"
)

// EndReason records why a session terminated.
type EndReason string

const (
	EndDecision     EndReason = "decision"
	EndTimeout      EndReason = "timeout"
	EndDisconnected EndReason = "transport_disconnected"
)

// ErrSessionEnded is returned when a command arrives after teardown.
var ErrSessionEnded = errors.New("session has ended")

// Snapshot is a point-in-time view of a session, safe to read outside the
// actor goroutine.
type Snapshot struct {
	SessionID   string          `json:"session_id"`
	AttemptID   string          `json:"attempt_id"`
	State       State           `json:"state"`
	EndReason   EndReason       `json:"end_reason,omitempty"`
	WindowCount int             `json:"window_count"`
	MeanScore   float64         `json:"mean_score"`
	LatestScore float64         `json:"latest_score"`
	EventCount  int             `json:"event_count"`
	Decision    *agent.Decision `json:"decision,omitempty"`
}

type commandKind int

const (
	cmdIngest commandKind = iota
	cmdDisconnect
	cmdReconnect
	cmdEnd
	cmdDecision
	cmdSnapshot
)

type command struct {
	kind     commandKind
	payload  []byte
	reason   EndReason
	decision *agent.Decision
	reply    chan Snapshot
}

// Session is one verification attempt. All fields below the command
// channel are owned by the actor goroutine.
type Session struct {
	ID        string
	AttemptID string

	cfg       *config.Config
	logger    *zap.Logger
	agent     *agent.DecisionAgent
	scorer    *scoring.WindowedScorer
	extractor *features.Extractor
	sink      VerdictSink

	commands chan command
	done     chan struct{}

	state     State
	endReason EndReason
	startedAt time.Time

	// liveBuffer holds recent samples for window extraction; fullHistory
	// backs cumulative extraction and is capped to the session ceiling.
	liveBuffer  []telemetry.PointerSample
	fullHistory []telemetry.PointerSample
	lastSeq     int64
	clicks      int

	windows  []scoring.WindowScore
	decision *agent.Decision
	observer WindowObserver

	graceTimer *time.Timer
	inFlight   bool
}

func newSession(id string, cfg *config.Config, ag *agent.DecisionAgent, scorer *scoring.WindowedScorer, sink VerdictSink, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		ID:        id,
		AttemptID: uuid.NewString(),
		cfg:       cfg,
		logger:    logger.With(zap.String("session_id", id)),
		agent:     ag,
		scorer:    scorer,
		extractor: features.NewExtractor(),
		sink:      sink,
		commands:  make(chan command, 64),
		done:      make(chan struct{}),
		state:     StateConnecting,
		startedAt: time.Now(),
	}
}

// run is the actor loop. Exits when the session ends.
func (s *Session) run() {
	windowTicker := time.NewTicker(s.cfg.WindowDuration)
	agentTicker := time.NewTicker(s.cfg.AgentInterval)
	hardTimeout := time.NewTimer(s.cfg.MaxSessionDuration)
	defer windowTicker.Stop()
	defer agentTicker.Stop()
	defer hardTimeout.Stop()

	for {
		select {
		case cmd := <-s.commands:
			switch cmd.kind {
			case cmdIngest:
				s.handleIngest(cmd.payload)
			case cmdDisconnect:
				s.handleDisconnect()
			case cmdReconnect:
				s.handleReconnect()
			case cmdDecision:
				s.handleDecision(cmd.decision)
			case cmdEnd:
				s.end(cmd.reason)
			case cmdSnapshot:
				cmd.reply <- s.snapshot()
			}
		case <-windowTicker.C:
			s.cutAndScore()
		case <-agentTicker.C:
			s.agentTick()
		case <-hardTimeout.C:
			s.handleTimeout()
		}

		if s.state == StateEnded {
			return
		}
	}
}

// send enqueues a command, failing fast once the actor is gone.
func (s *Session) send(cmd command) error {
	select {
	case <-s.done:
		return ErrSessionEnded
	case s.commands <- cmd:
		return nil
	}
}

// Ingest delivers one raw telemetry batch to the actor.
func (s *Session) Ingest(payload []byte) error {
	return s.send(command{kind: cmdIngest, payload: payload})
}

// Disconnect starts the reconnect grace timer.
func (s *Session) Disconnect() error {
	return s.send(command{kind: cmdDisconnect})
}

// Reconnect cancels a pending grace timer.
func (s *Session) Reconnect() error {
	return s.send(command{kind: cmdReconnect})
}

// End terminates the session. Idempotent.
func (s *Session) End(reason EndReason) error {
	err := s.send(command{kind: cmdEnd, reason: reason})
	if err == ErrSessionEnded {
		return nil
	}
	return err
}

// Snapshot returns the current session view, or the terminal view if the
// actor has exited.
func (s *Session) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if err := s.send(command{kind: cmdSnapshot, reply: reply}); err != nil {
		return s.snapshot()
	}
	return <-reply
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) handleIngest(payload []byte) {
	if s.state == StateEnded {
		return
	}

	batch, err := telemetry.Decode(payload)
	if err != nil {
		var vErr *telemetry.ErrUnsupportedVersion
		if errors.As(err, &vErr) {
			s.logger.Warn("dropping batch with unsupported protocol version", zap.Int("got", vErr.Got))
		} else {
			s.logger.Warn("dropping malformed batch", zap.Error(err))
		}
		return
	}

	if s.lastSeq != 0 && batch.Seq > s.lastSeq+1 {
		s.logger.Debug("telemetry sequence gap",
			zap.Int64("expected", s.lastSeq+1),
			zap.Int64("got", batch.Seq))
	}
	if batch.Seq > s.lastSeq {
		s.lastSeq = batch.Seq
	}

	for _, ev := range batch.Events {
		if ev.Kind == telemetry.EventDown {
			s.clicks++
		}
	}

	s.liveBuffer = append(s.liveBuffer, batch.Events...)
	s.fullHistory = append(s.fullHistory, batch.Events...)
	telemetry.SortByTimestamp(s.liveBuffer)
	telemetry.SortByTimestamp(s.fullHistory)

	if s.state == StateConnecting {
		s.state = StateActive
	}
}

// cutAndScore emits and scores every complete window behind the latest
// observed event, then prunes the buffers.
func (s *Session) cutAndScore() {
	if s.state != StateActive || len(s.fullHistory) == 0 {
		return
	}

	first := s.fullHistory[0].TimestampMs
	latest := s.fullHistory[len(s.fullHistory)-1].TimestampMs
	for _, bounds := range s.scorer.CutWindows(first, latest) {
		inWindow := telemetry.FilterRange(s.fullHistory, bounds.StartMs, bounds.EndMs)

		// Cumulative mode scores everything from session start through the
		// window end; sparse early windows still benefit from later context.
		extractFrom := bounds.StartMs
		if s.cfg.CumulativeWindows {
			extractFrom = 0
		}
		samples := telemetry.FilterRange(s.fullHistory, extractFrom, bounds.EndMs)

		f := s.extractor.Extract(samples, s.clicks, 0, 0)
		ws := s.scorer.ScoreWindow(bounds, f, len(inWindow))
		s.windows = append(s.windows, ws)

		s.logger.Debug("window scored",
			zap.Int("window_id", ws.WindowID),
			zap.Float64("score", ws.Score),
			zap.String("outcome", string(ws.Outcome)),
			zap.Int("events", ws.EventCount))

		if s.observer != nil {
			// Observers do their own I/O; keep them off the actor goroutine.
			go s.observer(s.ID, ws)
		}
	}

	s.prune(latest)
}

// prune drops live samples behind the scoring cursor and caps history to
// one session ceiling of events.
func (s *Session) prune(latestMs float64) {
	liveFloor := s.scorer.Cursor() - float64(s.cfg.WindowOverlap.Milliseconds())
	if liveFloor > 0 {
		s.liveBuffer = telemetry.FilterRange(s.liveBuffer, liveFloor, latestMs+1)
	}

	historyFloor := latestMs - float64(s.cfg.MaxSessionDuration.Milliseconds())
	if historyFloor > 0 {
		s.fullHistory = telemetry.FilterRange(s.fullHistory, historyFloor, latestMs+1)
	}
}

// agentTick asks the decision agent for a verdict, at most one call in
// flight per session.
func (s *Session) agentTick() {
	if s.state != StateActive || s.decision != nil || s.inFlight {
		return
	}
	if len(s.windows) == 0 {
		return
	}

	summary := agent.Summarize(s.ID, s.windows, time.Since(s.startedAt), s.cfg.MaxSessionDuration)
	s.inFlight = true

	go func() {
		d := s.agent.Decide(context.Background(), summary)
		select {
		case s.commands <- command{kind: cmdDecision, decision: d}:
		case <-s.done:
		}
	}()
}

// handleDecision lands an agent result back in the actor. A nil decision
// means "keep collecting". Results arriving after the session ended or
// after a verdict was already published are discarded.
func (s *Session) handleDecision(d *agent.Decision) {
	s.inFlight = false
	if d == nil || s.state != StateActive || s.decision != nil {
		return
	}
	s.decision = d
	s.publish(d)
	s.end(EndDecision)
}

func (s *Session) handleDisconnect() {
	if s.state != StateActive || s.graceTimer != nil {
		return
	}
	s.logger.Info("transport disconnected, starting grace timer",
		zap.Duration("grace", s.cfg.ReconnectGrace))
	s.graceTimer = time.AfterFunc(s.cfg.ReconnectGrace, func() {
		_ = s.End(EndDisconnected)
	})
}

func (s *Session) handleReconnect() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
		s.logger.Info("transport reconnected within grace period")
	}
}

// handleTimeout fires at the hard session ceiling. The session must not
// end undecided, so an empty decision slot is force-filled first.
func (s *Session) handleTimeout() {
	if s.state == StateEnded {
		return
	}
	// No verdict on a session that never produced a scored window; the
	// caller sees the timeout through the session state instead.
	if s.decision == nil && len(s.windows) > 0 {
		summary := agent.Summarize(s.ID, s.windows, time.Since(s.startedAt), s.cfg.MaxSessionDuration)
		s.decision = s.agent.Finalize(summary)
		s.publish(s.decision)
	}
	s.end(EndTimeout)
}

func (s *Session) publish(d *agent.Decision) {
	if err := s.sink.Publish(context.Background(), d); err != nil {
		s.logger.Error("failed to publish verdict", zap.Error(err))
	}
	s.logger.Info("verdict published",
		zap.String("verdict", string(d.Verdict)),
		zap.Float64("confidence", d.Confidence),
		zap.String("source", d.Source),
		zap.Int("windows", d.WindowCount))
}

// end tears the session down. Safe to call more than once.
func (s *Session) end(reason EndReason) {
	if s.state == StateEnded {
		return
	}
	s.state = StateEnded
	s.endReason = reason
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	close(s.done)
	s.logger.Info("session ended",
		zap.String("reason", string(reason)),
		zap.Int("windows", len(s.windows)),
		zap.Bool("decided", s.decision != nil))
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		SessionID:   s.ID,
		AttemptID:   s.AttemptID,
		State:       s.state,
		EndReason:   s.endReason,
		WindowCount: len(s.windows),
		EventCount:  len(s.fullHistory),
		Decision:    s.decision,
	}
	if len(s.windows) > 0 {
		var sum float64
		for _, w := range s.windows {
			sum += w.Score
		}
		snap.MeanScore = sum / float64(len(s.windows))
		snap.LatestScore = s.windows[len(s.windows)-1].Score
	}
	return snap
}
