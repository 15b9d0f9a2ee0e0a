// Package agent decides when a session has produced enough evidence to
// conclude human or bot. An optional LLM reasoning service weighs the
// windowed scores; when it is unavailable or undecided past the deadline,
// deterministic heuristics take over so every session still terminates
// with a verdict.
package agent

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/asaha96/Playproof-sub001/pkg/config"
	"github.com/asaha96/Playproof-sub001/pkg/httputil"
	"github.com/asaha96/Playproof-sub001/pkg/scoring"
)

// Verdict is the final call for a session.
type Verdict string

const (
	VerdictHuman Verdict = "human"
	VerdictBot   Verdict = "bot"
)

// Decision is the published outcome for one session. Published at most once.
type Decision struct {
	SessionID   string    `json:"session_id"`
	Verdict     Verdict   `json:"verdict"`
	Confidence  float64   `json:"confidence"`
	Reason      string    `json:"reason"`
	Source      string    `json:"source"` // "reasoning", "heuristic", "deadline"
	WindowCount int       `json:"window_count"`
	MeanScore   float64   `json:"mean_score"`
	DecidedAt   time.Time `json:"decided_at"`
}

// ScoreSummary is the aggregate view of a session's scored windows, built
// fresh on every agent tick. This is the only session data the reasoning
// service ever sees; raw coordinates never leave the process.
type ScoreSummary struct {
	SessionID       string   `json:"session_id"`
	ElapsedMs       float64  `json:"elapsed_ms"`
	MaxSessionMs    float64  `json:"max_session_ms"`
	WindowCount     int      `json:"window_count"`
	MeanScore       float64  `json:"mean_score"`
	MeanConfidence  float64  `json:"mean_confidence"`
	LatestScore     float64  `json:"latest_score"`
	PassRatio       float64  `json:"pass_ratio"`
	ReviewRatio     float64  `json:"review_ratio"`
	FailRatio       float64  `json:"fail_ratio"`
	Trend           float64  `json:"trend"`
	TrendClass      string   `json:"trend_class"`
	TrailingReviews int      `json:"trailing_reviews"`
	TopPenalties    []string `json:"top_penalties,omitempty"`
}

// Trend classifications. The trend compares the earliest and latest pairs
// of the last trendSpan windows; positive means scores are dropping.
const (
	TrendImproving = "improving"
	TrendDegrading = "degrading"
	TrendStable    = "stable"
)

const (
	trendSpan      = 4
	trendThreshold = 0.3
)

// Summarize aggregates scored windows into a ScoreSummary.
func Summarize(sessionID string, windows []scoring.WindowScore, elapsed, maxSession time.Duration) ScoreSummary {
	s := ScoreSummary{
		SessionID:    sessionID,
		ElapsedMs:    float64(elapsed.Milliseconds()),
		MaxSessionMs: float64(maxSession.Milliseconds()),
		WindowCount:  len(windows),
		TrendClass:   TrendStable,
	}
	if len(windows) == 0 {
		return s
	}

	var sum, confSum float64
	penaltyCounts := map[string]int{}
	for _, w := range windows {
		sum += w.Score
		confSum += w.Confidence
		switch w.Outcome {
		case scoring.OutcomePass:
			s.PassRatio++
		case scoring.OutcomeReview:
			s.ReviewRatio++
		case scoring.OutcomeFail:
			s.FailRatio++
		}
		for _, p := range w.Penalties {
			penaltyCounts[p.Reason]++
		}
	}
	n := float64(len(windows))
	s.MeanScore = sum / n
	s.MeanConfidence = confSum / n
	s.LatestScore = windows[len(windows)-1].Score
	s.PassRatio /= n
	s.ReviewRatio /= n
	s.FailRatio /= n

	// Trend: within the last trendSpan windows, mean of the earliest pair
	// minus mean of the latest pair. Positive means scores are dropping
	// (movement looking more human); negative means drifting toward
	// automation.
	if len(windows) >= trendSpan {
		last := windows[len(windows)-trendSpan:]
		earliest := (last[0].Score + last[1].Score) / 2
		latest := (last[trendSpan-2].Score + last[trendSpan-1].Score) / 2
		s.Trend = earliest - latest
		switch {
		case s.Trend > trendThreshold:
			s.TrendClass = TrendImproving
		case s.Trend < -trendThreshold:
			s.TrendClass = TrendDegrading
		}
	}

	for i := len(windows) - 1; i >= 0; i-- {
		if windows[i].Outcome != scoring.OutcomeReview {
			break
		}
		s.TrailingReviews++
	}

	s.TopPenalties = topPenalties(penaltyCounts, 3)
	return s
}

func topPenalties(counts map[string]int, limit int) []string {
	reasons := make([]string, 0, len(counts))
	for r := range counts {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool {
		if counts[reasons[i]] != counts[reasons[j]] {
			return counts[reasons[i]] > counts[reasons[j]]
		}
		return reasons[i] < reasons[j]
	})
	if len(reasons) > limit {
		reasons = reasons[:limit]
	}
	return reasons
}

// DecisionAgent turns summaries into decisions. Safe for concurrent use
// across sessions; the reasoning client is shared.
type DecisionAgent struct {
	cfg      *config.Config
	reasoner Reasoner
	logger   *zap.Logger

	// Caps concurrent reasoning calls across all sessions. A saturated
	// guard skips the reasoner for that tick; heuristics still run.
	sem *httputil.Semaphore
}

// NewDecisionAgent builds the agent. A nil reasoner means heuristic-only.
func NewDecisionAgent(cfg *config.Config, reasoner Reasoner, logger *zap.Logger) *DecisionAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DecisionAgent{
		cfg:      cfg,
		reasoner: reasoner,
		logger:   logger,
		sem:      httputil.NewSemaphore(0),
	}
}

// Decide evaluates one summary. A nil Decision means "keep collecting".
// The returned Decision is final; callers must not call Decide again for
// the same session after a non-nil result.
func (a *DecisionAgent) Decide(ctx context.Context, s ScoreSummary) *Decision {
	pastDeadline := s.MaxSessionMs > 0 && s.ElapsedMs >= 0.85*s.MaxSessionMs

	if s.WindowCount < a.cfg.MinWindowsForDecision && !pastDeadline {
		return nil
	}

	if a.reasoner != nil {
		if p := a.propose(ctx, s); p != nil && p.Action == "conclude" {
			return a.conclude(s, p.Verdict, p.Reason, "reasoning")
		} else if p != nil && !pastDeadline {
			// Model explicitly asked to wait.
			return nil
		}
		// Service failed or we're out of time: fall through to heuristics.
	}

	return a.heuristic(s, pastDeadline)
}

// Finalize forces a verdict from whatever evidence exists. Used when the
// session hits its hard timeout and must not end undecided. Never returns
// nil.
func (a *DecisionAgent) Finalize(s ScoreSummary) *Decision {
	return a.heuristic(s, true)
}

// propose calls the reasoning service with linear-backoff retries.
func (a *DecisionAgent) propose(ctx context.Context, s ScoreSummary) *Proposal {
	if !a.sem.TryAcquire() {
		a.logger.Warn("reasoning concurrency limit reached, skipping call",
			zap.String("session_id", s.SessionID),
			zap.Int64("skipped_total", a.sem.SkippedCount()))
		return nil
	}
	defer a.sem.Release()

	for attempt := 1; attempt <= a.cfg.AgentRetryAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.LLMTimeout)
		p, err := a.reasoner.Propose(callCtx, s)
		cancel()
		if err == nil {
			return p
		}
		a.logger.Warn("reasoning call failed",
			zap.String("session_id", s.SessionID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < a.cfg.AgentRetryAttempts {
			select {
			case <-time.After(time.Duration(attempt) * a.cfg.AgentRetryDelay):
			case <-ctx.Done():
				return nil
			}
		}
	}
	return nil
}

// heuristic is the deterministic fallback. Outside the deadline it only
// concludes on clear-cut evidence; past the deadline it always concludes.
// Rules are checked in order: human, bot by fails, bot by review streak,
// deadline forcing.
func (a *DecisionAgent) heuristic(s ScoreSummary, pastDeadline bool) *Decision {
	passT, reviewT := a.cfg.PassThreshold, a.cfg.ReviewThreshold

	switch {
	case s.PassRatio >= 0.75 && s.MeanScore < passT+0.3:
		return a.conclude(s, VerdictHuman, "consistent pass outcomes across windows", "heuristic")

	case s.FailRatio >= 0.5 || s.MeanScore > reviewT+0.5:
		return a.conclude(s, VerdictBot, "majority of windows failed heuristic scoring", "heuristic")

	case s.TrailingReviews >= 10:
		return a.conclude(s, VerdictBot, "session stalled in review without producing passable movement", "heuristic")

	case pastDeadline:
		// Out of time: call it on the mean score alone.
		if s.MeanScore <= reviewT {
			return a.conclude(s, VerdictHuman, "session deadline reached with acceptable mean score", "deadline")
		}
		return a.conclude(s, VerdictBot, "session deadline reached with elevated mean score", "deadline")
	}
	return nil
}

// conclude builds the final decision. Confidence is the mean confidence of
// all accumulated windows, not the deciding rule's own certainty.
func (a *DecisionAgent) conclude(s ScoreSummary, v Verdict, reason, source string) *Decision {
	return &Decision{
		SessionID:   s.SessionID,
		Verdict:     v,
		Confidence:  clamp01(s.MeanConfidence),
		Reason:      reason,
		Source:      source,
		WindowCount: s.WindowCount,
		MeanScore:   s.MeanScore,
		DecidedAt:   time.Now(),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
