// Package scoring turns movement feature records into bounded anomaly
// scores. The scorer is additive: each heuristic that fires contributes a
// penalty, the sum is clamped to [0, 5], and thresholds split the range
// into pass / review / fail.
package scoring

import (
	"math"

	"github.com/asaha96/Playproof-sub001/pkg/config"
	"github.com/asaha96/Playproof-sub001/pkg/features"
)

// MaxScore is the upper clamp for window anomaly scores.
const MaxScore = 5.0

// Outcome classifies a scored window.
type Outcome string

const (
	OutcomePass   Outcome = "pass"   // Consistent with human movement
	OutcomeReview Outcome = "review" // Ambiguous, needs more evidence
	OutcomeFail   Outcome = "fail"   // Consistent with automation
)

// Penalty records one heuristic that fired and how much it contributed.
type Penalty struct {
	Reason string  `json:"reason"`
	Amount float64 `json:"amount"`
}

// WindowScore is the scored result for one telemetry window.
type WindowScore struct {
	WindowID   int                      `json:"window_id"`
	StartMs    float64                  `json:"start_ms"`
	EndMs      float64                  `json:"end_ms"`
	EventCount int                      `json:"event_count"`
	Score      float64                  `json:"score"`
	Outcome    Outcome                  `json:"outcome"`
	Confidence float64                  `json:"confidence"`
	Penalties  []Penalty                `json:"penalties,omitempty"`
	Features   features.MovementFeatures `json:"features"`
}

// WindowBounds names one window the scorer wants scored.
type WindowBounds struct {
	ID      int
	StartMs float64
	EndMs   float64
}

// WindowedScorer cuts the session timeline into overlapping windows and
// scores each one. Not safe for concurrent use; each session owns one.
//
// Timestamps are absolute wall-clock ms as delivered by the client SDK.
// The window origin is anchored at the first observed sample, so a session
// starting at Date.now() does not drag the cursor across decades of empty
// windows.
type WindowedScorer struct {
	cfg        *config.Config
	rules      *Rules
	signatures *SignatureDetector

	origin        float64 // session start, ms; fixed on the first cut
	originSet     bool
	lastWindowEnd float64 // ms, absolute; == origin until the first window
	nextWindowID  int
}

// ScorerOption configures a WindowedScorer.
type ScorerOption func(*WindowedScorer)

// WithSignatureDetector attaches a vector-similarity detector. A bot
// signature match adds a fixed penalty on top of the heuristics.
func WithSignatureDetector(sd *SignatureDetector) ScorerOption {
	return func(s *WindowedScorer) { s.signatures = sd }
}

// WithRules overrides the default penalty rules.
func WithRules(r *Rules) ScorerOption {
	return func(s *WindowedScorer) { s.rules = r }
}

// NewWindowedScorer creates a scorer for one session.
func NewWindowedScorer(cfg *config.Config, opts ...ScorerOption) *WindowedScorer {
	s := &WindowedScorer{
		cfg:          cfg,
		rules:        DefaultRules(),
		nextWindowID: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CutWindows returns every complete window that ends at or before latestMs
// and advances the cursor past them. firstMs is the earliest observed
// sample timestamp; it anchors the window origin on the first call and is
// ignored afterwards. Consecutive windows share the configured overlap; a
// window is never emitted twice.
func (s *WindowedScorer) CutWindows(firstMs, latestMs float64) []WindowBounds {
	if !s.originSet {
		s.origin = firstMs
		s.originSet = true
		s.lastWindowEnd = firstMs
	}

	windowMs := float64(s.cfg.WindowDuration.Milliseconds())
	step := windowMs - float64(s.cfg.WindowOverlap.Milliseconds())

	var out []WindowBounds
	for {
		var end float64
		if s.lastWindowEnd == s.origin {
			end = s.origin + windowMs
		} else {
			end = s.lastWindowEnd + step
		}
		if end > latestMs {
			return out
		}
		start := end - windowMs
		if start < s.origin {
			start = s.origin
		}
		out = append(out, WindowBounds{ID: s.nextWindowID, StartMs: start, EndMs: end})
		s.lastWindowEnd = end
		s.nextWindowID++
	}
}

// Cursor returns the end of the last cut window in absolute ms. Telemetry
// older than Cursor() minus the overlap can be pruned.
func (s *WindowedScorer) Cursor() float64 {
	return s.lastWindowEnd
}

// ScoreWindow evaluates one window's features. Windows with fewer than the
// configured minimum events cannot support a verdict either way and are
// forced to review with low confidence.
func (s *WindowedScorer) ScoreWindow(bounds WindowBounds, f features.MovementFeatures, eventCount int) WindowScore {
	ws := WindowScore{
		WindowID:   bounds.ID,
		StartMs:    bounds.StartMs,
		EndMs:      bounds.EndMs,
		EventCount: eventCount,
		Features:   f,
	}

	if eventCount < s.cfg.MinEventsPerWindow {
		ws.Score = 1.5
		ws.Outcome = OutcomeReview
		ws.Confidence = 0.3
		ws.Penalties = []Penalty{{Reason: "insufficient_events", Amount: 1.5}}
		return ws
	}

	ws.Penalties = s.rules.Evaluate(f)

	if s.signatures != nil {
		if match, ok := s.signatures.MatchBot(f); ok {
			ws.Penalties = append(ws.Penalties, Penalty{
				Reason: "signature:" + match.Name,
				Amount: s.rules.SignaturePenalty,
			})
		}
	}

	for _, p := range ws.Penalties {
		ws.Score += p.Amount
	}
	if ws.Score > MaxScore {
		ws.Score = MaxScore
	}

	ws.Outcome = s.outcome(ws.Score)
	ws.Confidence = s.confidence(ws.Score)
	return ws
}

func (s *WindowedScorer) outcome(score float64) Outcome {
	switch {
	case score <= s.cfg.PassThreshold:
		return OutcomePass
	case score <= s.cfg.ReviewThreshold:
		return OutcomeReview
	default:
		return OutcomeFail
	}
}

// aboveThresholdSlope steepens confidence growth above a threshold. A
// score climbing away from a boundary is stronger evidence of automation
// than the same distance below it is of human play.
const aboveThresholdSlope = 1.5

// confidence grows with distance from the nearest threshold. A score right
// on a boundary is a coin flip; a score deep inside a band is not. The
// growth is asymmetric: steeper above the threshold than below it.
func (s *WindowedScorer) confidence(score float64) float64 {
	nearest := s.cfg.PassThreshold
	if math.Abs(score-s.cfg.ReviewThreshold) < math.Abs(score-nearest) {
		nearest = s.cfg.ReviewThreshold
	}

	d := score - nearest
	slope := 1.0 / MaxScore
	if d > 0 {
		slope *= aboveThresholdSlope
	}

	conf := 0.5 + math.Abs(d)*slope
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}
