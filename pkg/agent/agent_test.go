package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/asaha96/Playproof-sub001/pkg/config"
	"github.com/asaha96/Playproof-sub001/pkg/scoring"
)

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.PassThreshold = 1.0
	cfg.ReviewThreshold = 2.5
	cfg.MinWindowsForDecision = 3
	cfg.AgentRetryAttempts = 2
	cfg.AgentRetryDelay = time.Millisecond
	cfg.LLMTimeout = 2 * time.Second
	return cfg
}

func window(id int, score float64, outcome scoring.Outcome, reasons ...string) scoring.WindowScore {
	w := scoring.WindowScore{WindowID: id, Score: score, Outcome: outcome, Confidence: 0.8}
	for _, r := range reasons {
		w.Penalties = append(w.Penalties, scoring.Penalty{Reason: r, Amount: 0.5})
	}
	return w
}

func TestSummarize(t *testing.T) {
	windows := []scoring.WindowScore{
		window(1, 0.5, scoring.OutcomePass),
		window(2, 0.5, scoring.OutcomePass),
		window(3, 3.0, scoring.OutcomeFail, "superhuman_speed"),
		window(4, 2.0, scoring.OutcomeReview, "superhuman_speed"),
		window(5, 2.0, scoring.OutcomeReview, "metronomic_timing"),
	}
	s := Summarize("sess-1", windows, 20*time.Second, time.Minute)

	if s.WindowCount != 5 {
		t.Fatalf("expected 5 windows, got %d", s.WindowCount)
	}
	if s.MeanScore != 1.6 {
		t.Fatalf("expected mean 1.6, got %f", s.MeanScore)
	}
	if s.LatestScore != 2.0 {
		t.Fatalf("expected latest 2.0, got %f", s.LatestScore)
	}
	if s.PassRatio != 0.4 || s.ReviewRatio != 0.4 || s.FailRatio != 0.2 {
		t.Fatalf("unexpected ratios: %f/%f/%f", s.PassRatio, s.ReviewRatio, s.FailRatio)
	}
	if s.TrailingReviews != 2 {
		t.Fatalf("expected 2 trailing reviews, got %d", s.TrailingReviews)
	}
	if s.MeanConfidence != 0.8 {
		t.Fatalf("expected mean confidence 0.8, got %f", s.MeanConfidence)
	}
	// Last 4 windows are 0.5, 3.0, 2.0, 2.0: earliest pair mean 1.75,
	// latest pair mean 2.0, trend -0.25, inside the stable band.
	if math.Abs(s.Trend-(-0.25)) > 1e-9 {
		t.Fatalf("expected trend -0.25, got %f", s.Trend)
	}
	if s.TrendClass != TrendStable {
		t.Fatalf("expected stable trend, got %s", s.TrendClass)
	}
	if len(s.TopPenalties) == 0 || s.TopPenalties[0] != "superhuman_speed" {
		t.Fatalf("expected superhuman_speed as top penalty, got %v", s.TopPenalties)
	}
}

func TestTrendClassification(t *testing.T) {
	cases := []struct {
		name   string
		scores []float64
		want   string
	}{
		{"improving", []float64{3.0, 3.0, 1.0, 1.0}, TrendImproving},
		{"degrading", []float64{0.5, 0.5, 2.5, 2.5}, TrendDegrading},
		{"stable", []float64{1.0, 1.2, 1.1, 1.0}, TrendStable},
		{"too few windows", []float64{3.0, 0.5, 0.5}, TrendStable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var windows []scoring.WindowScore
			for i, score := range tc.scores {
				windows = append(windows, window(i+1, score, scoring.OutcomeReview))
			}
			s := Summarize("sess-1", windows, 20*time.Second, time.Minute)
			if s.TrendClass != tc.want {
				t.Fatalf("expected %s, got %s (trend %f)", tc.want, s.TrendClass, s.Trend)
			}
		})
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize("sess-1", nil, time.Second, time.Minute)
	if s.WindowCount != 0 || s.MeanScore != 0 || s.Trend != 0 {
		t.Fatalf("unexpected empty summary: %+v", s)
	}
	if s.TrendClass != TrendStable {
		t.Fatalf("expected stable trend for empty summary, got %s", s.TrendClass)
	}
}

func TestDecideWaitsForMinWindows(t *testing.T) {
	a := NewDecisionAgent(testConfig(), nil, nil)
	s := Summarize("sess-1", []scoring.WindowScore{
		window(1, 0.2, scoring.OutcomePass),
		window(2, 0.2, scoring.OutcomePass),
	}, 8*time.Second, time.Minute)

	if d := a.Decide(context.Background(), s); d != nil {
		t.Fatalf("expected nil decision before min windows, got %+v", d)
	}
}

func TestHeuristicHuman(t *testing.T) {
	a := NewDecisionAgent(testConfig(), nil, nil)
	s := Summarize("sess-1", []scoring.WindowScore{
		window(1, 0.3, scoring.OutcomePass),
		window(2, 0.4, scoring.OutcomePass),
		window(3, 0.5, scoring.OutcomePass),
		window(4, 1.8, scoring.OutcomeReview),
	}, 20*time.Second, time.Minute)

	d := a.Decide(context.Background(), s)
	if d == nil || d.Verdict != VerdictHuman {
		t.Fatalf("expected human verdict, got %+v", d)
	}
	if d.Source != "heuristic" {
		t.Fatalf("expected heuristic source, got %s", d.Source)
	}
	// Decision confidence is the mean confidence of the windows.
	if d.Confidence != 0.8 {
		t.Fatalf("expected mean window confidence 0.8, got %f", d.Confidence)
	}
}

func TestHeuristicBotMonotonicInFailRatio(t *testing.T) {
	a := NewDecisionAgent(testConfig(), nil, nil)

	// Sweep the fail ratio across the 0.5 boundary with every other field
	// fixed; once the verdict turns bot it must never flip back to human.
	sawBot := false
	for ratio := 0.0; ratio <= 1.0; ratio += 0.05 {
		s := ScoreSummary{
			SessionID:      "sess-1",
			ElapsedMs:      20000,
			MaxSessionMs:   60000,
			WindowCount:    5,
			MeanScore:      1.8,
			MeanConfidence: 0.7,
			PassRatio:      0.2,
			FailRatio:      ratio,
			TrendClass:     TrendStable,
		}
		d := a.Decide(context.Background(), s)
		if d != nil && d.Verdict == VerdictBot {
			sawBot = true
		}
		if sawBot && (d == nil || d.Verdict != VerdictBot) {
			t.Fatalf("verdict flipped away from bot at fail ratio %.2f: %+v", ratio, d)
		}
	}
	if !sawBot {
		t.Fatal("sweep never produced a bot verdict")
	}
}

func TestHeuristicBot(t *testing.T) {
	a := NewDecisionAgent(testConfig(), nil, nil)
	s := Summarize("sess-1", []scoring.WindowScore{
		window(1, 3.5, scoring.OutcomeFail),
		window(2, 4.0, scoring.OutcomeFail),
		window(3, 3.8, scoring.OutcomeFail),
	}, 15*time.Second, time.Minute)

	d := a.Decide(context.Background(), s)
	if d == nil || d.Verdict != VerdictBot {
		t.Fatalf("expected bot verdict, got %+v", d)
	}
}

func TestHeuristicAmbiguousWaits(t *testing.T) {
	a := NewDecisionAgent(testConfig(), nil, nil)
	s := Summarize("sess-1", []scoring.WindowScore{
		window(1, 1.5, scoring.OutcomeReview),
		window(2, 0.8, scoring.OutcomePass),
		window(3, 1.6, scoring.OutcomeReview),
	}, 15*time.Second, time.Minute)

	if d := a.Decide(context.Background(), s); d != nil {
		t.Fatalf("expected nil decision for ambiguous evidence, got %+v", d)
	}
}

func TestDeadlineForcesDecision(t *testing.T) {
	a := NewDecisionAgent(testConfig(), nil, nil)
	// Same ambiguous windows, but 55s into a 60s session.
	s := Summarize("sess-1", []scoring.WindowScore{
		window(1, 1.5, scoring.OutcomeReview),
		window(2, 0.8, scoring.OutcomePass),
		window(3, 1.6, scoring.OutcomeReview),
	}, 55*time.Second, time.Minute)

	d := a.Decide(context.Background(), s)
	if d == nil {
		t.Fatal("expected forced decision past deadline")
	}
	if d.Source != "deadline" {
		t.Fatalf("expected deadline source, got %s", d.Source)
	}
	if d.Verdict != VerdictHuman {
		t.Fatalf("mean below review threshold should resolve human, got %s", d.Verdict)
	}
}

func TestTrailingReviewsResolveBot(t *testing.T) {
	a := NewDecisionAgent(testConfig(), nil, nil)
	var windows []scoring.WindowScore
	for i := 1; i <= 11; i++ {
		windows = append(windows, window(i, 1.6, scoring.OutcomeReview))
	}
	s := Summarize("sess-1", windows, 50*time.Second, time.Minute)

	d := a.Decide(context.Background(), s)
	if d == nil || d.Verdict != VerdictBot {
		t.Fatalf("expected bot after sustained reviews, got %+v", d)
	}
}

// fakeReasoning serves an OpenAI-compatible chat completions endpoint
// whose assistant message content is fixed.
func fakeReasoning(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func reasoningClient(cfg *config.Config, url string) *ReasoningClient {
	cfg.LLMProvider = config.ProviderCustom
	cfg.LLMBaseURL = url
	cfg.LLMModel = "test-model"
	return NewReasoningClient(cfg)
}

func TestReasonerConclude(t *testing.T) {
	server := fakeReasoning(t, `{"action":"conclude","verdict":"human","confidence":0.9,"reason":"steady human movement"}`)
	defer server.Close()

	cfg := testConfig()
	a := NewDecisionAgent(cfg, reasoningClient(cfg, server.URL), nil)
	s := Summarize("sess-1", []scoring.WindowScore{
		window(1, 0.5, scoring.OutcomePass),
		window(2, 0.5, scoring.OutcomePass),
		window(3, 0.5, scoring.OutcomePass),
	}, 20*time.Second, time.Minute)

	d := a.Decide(context.Background(), s)
	if d == nil || d.Verdict != VerdictHuman || d.Source != "reasoning" {
		t.Fatalf("expected reasoned human verdict, got %+v", d)
	}
	// Published confidence is the mean window confidence, not the model's
	// self-reported number.
	if d.Confidence != 0.8 {
		t.Fatalf("expected mean window confidence 0.8, got %f", d.Confidence)
	}
}

func TestReasonerWait(t *testing.T) {
	server := fakeReasoning(t, `{"action":"wait","confidence":0.4,"reason":"not enough evidence"}`)
	defer server.Close()

	cfg := testConfig()
	a := NewDecisionAgent(cfg, reasoningClient(cfg, server.URL), nil)
	s := Summarize("sess-1", []scoring.WindowScore{
		window(1, 1.2, scoring.OutcomeReview),
		window(2, 1.2, scoring.OutcomeReview),
		window(3, 1.2, scoring.OutcomeReview),
	}, 20*time.Second, time.Minute)

	if d := a.Decide(context.Background(), s); d != nil {
		t.Fatalf("expected wait, got %+v", d)
	}
}

func TestReasonerMarkdownFenceTolerated(t *testing.T) {
	server := fakeReasoning(t, "```json\n{\"action\":\"conclude\",\"verdict\":\"bot\",\"confidence\":0.8,\"reason\":\"scripted\"}\n```")
	defer server.Close()

	cfg := testConfig()
	client := reasoningClient(cfg, server.URL)
	p, err := client.Propose(context.Background(), ScoreSummary{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if p.Action != "conclude" || p.Verdict != VerdictBot {
		t.Fatalf("unexpected proposal: %+v", p)
	}
}

func TestReasonerFailureFallsBackToHeuristic(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := testConfig()
	a := NewDecisionAgent(cfg, reasoningClient(cfg, server.URL), nil)
	s := Summarize("sess-1", []scoring.WindowScore{
		window(1, 3.5, scoring.OutcomeFail),
		window(2, 3.5, scoring.OutcomeFail),
		window(3, 3.5, scoring.OutcomeFail),
	}, 20*time.Second, time.Minute)

	d := a.Decide(context.Background(), s)
	if d == nil || d.Verdict != VerdictBot || d.Source != "heuristic" {
		t.Fatalf("expected heuristic bot fallback, got %+v", d)
	}
	if got := calls.Load(); got != int32(cfg.AgentRetryAttempts) {
		t.Fatalf("expected %d attempts, got %d", cfg.AgentRetryAttempts, got)
	}
}

func TestMaxTokensCapabilityFallback(t *testing.T) {
	var sawCompletionTokens atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if _, ok := req["max_tokens"]; ok {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"Use 'max_completion_tokens' instead of 'max_tokens'"}}`)
			return
		}
		if _, ok := req["max_completion_tokens"]; ok {
			sawCompletionTokens.Store(true)
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": `{"action":"wait","confidence":0.3,"reason":"x"}`}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	cfg := testConfig()
	client := reasoningClient(cfg, server.URL)

	p, err := client.Propose(context.Background(), ScoreSummary{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("expected fallback retry to succeed: %v", err)
	}
	if p.Action != "wait" {
		t.Fatalf("unexpected proposal: %+v", p)
	}
	if !sawCompletionTokens.Load() {
		t.Fatal("expected retried request to carry max_completion_tokens")
	}
	if !client.useCompletionTokens {
		t.Fatal("expected client to remember the parameter capability")
	}
}
