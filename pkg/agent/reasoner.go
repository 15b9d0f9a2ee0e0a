package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/asaha96/Playproof-sub001/pkg/config"
	"github.com/asaha96/Playproof-sub001/pkg/httputil"
)

// Proposal is what the reasoning service returns for one summary: either
// conclude with a verdict, or wait for more windows.
type Proposal struct {
	Action     string  `json:"action"` // "conclude" or "wait"
	Verdict    Verdict `json:"verdict,omitempty"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Reasoner proposes a decision from a score summary. Implementations may
// call an external service; errors are expected and the caller falls back
// to deterministic heuristics.
type Reasoner interface {
	Propose(ctx context.Context, s ScoreSummary) (*Proposal, error)
}

// ReasoningClient calls an OpenAI-compatible chat completions endpoint.
type ReasoningClient struct {
	client   *http.Client
	provider config.LLMProvider
	baseURL  string
	apiKey   string
	model    string

	// Some providers reject max_tokens in favor of max_completion_tokens.
	// Flipped on the first capability-mismatch error and remembered.
	useCompletionTokens bool
}

// NewReasoningClient builds a client for the configured provider. Returns
// nil when the provider is "none"; callers treat a nil Reasoner as
// heuristic-only mode.
func NewReasoningClient(cfg *config.Config) *ReasoningClient {
	if cfg.LLMProvider == config.ProviderNone {
		return nil
	}

	var baseURL string
	switch cfg.LLMProvider {
	case config.ProviderOllama:
		baseURL = "http://localhost:11434/v1" // OpenAI compatible endpoint of Ollama
	case config.ProviderGroq:
		baseURL = "https://api.groq.com/openai/v1"
	case config.ProviderOpenAI:
		baseURL = "https://api.openai.com/v1"
	case config.ProviderOpenRouter, config.ProviderCustom:
		baseURL = "https://openrouter.ai/api/v1"
	default:
		baseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.LLMBaseURL != "" {
		baseURL = cfg.LLMBaseURL
	}

	return &ReasoningClient{
		client:   httputil.Client(httputil.TierReasoning),
		provider: cfg.LLMProvider,
		baseURL:  baseURL,
		apiKey:   cfg.LLMAPIKey,
		model:    cfg.LLMModel,
	}
}

const systemPrompt = `You are a verification analyst. You receive aggregate pointer-movement
statistics for one game session of a human-verification challenge. Each
window was scored 0 (human-like) to 5 (automation-like) and classified
pass/review/fail against fixed thresholds.

Decide whether the player is a human or a bot. Conclude ONLY when the
evidence is consistent; otherwise wait for more windows. A wrong "bot"
verdict locks out a real person, so prefer waiting over guessing.

Respond with JSON only:
{"action": "conclude", "verdict": "human|bot", "confidence": 0.0-1.0, "reason": "brief explanation"}
or
{"action": "wait", "confidence": 0.0-1.0, "reason": "brief explanation"}`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`

	// Exactly one of these is set; see useCompletionTokens.
	MaxTokens           int `json:"max_tokens,omitempty"`
	MaxCompletionTokens int `json:"max_completion_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Propose asks the model for a decision on the summary.
func (c *ReasoningClient) Propose(ctx context.Context, s ScoreSummary) (*Proposal, error) {
	if c.provider == config.ProviderOpenRouter && c.apiKey == "" {
		return nil, fmt.Errorf("API key not configured for OpenRouter")
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}

	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: "SESSION SUMMARY:\n" + string(payload)},
		},
		Temperature: 0.1,
	}
	if c.useCompletionTokens {
		req.MaxCompletionTokens = 256
	} else {
		req.MaxTokens = 256
	}

	content, err := c.callLLM(ctx, req)
	if err != nil && !c.useCompletionTokens && isMaxTokensMismatch(err) {
		// Provider wants the newer parameter name; switch and retry once.
		c.useCompletionTokens = true
		req.MaxTokens = 0
		req.MaxCompletionTokens = 256
		content, err = c.callLLM(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	var p Proposal
	if err := json.Unmarshal([]byte(extractJSON(content)), &p); err != nil {
		return nil, fmt.Errorf("failed to parse reasoning response: %w - content: %s", err, content)
	}
	if p.Action == "conclude" && p.Verdict != VerdictHuman && p.Verdict != VerdictBot {
		return nil, fmt.Errorf("reasoning response concluded with invalid verdict %q", p.Verdict)
	}
	return &p, nil
}

func (c *ReasoningClient) callLLM(ctx context.Context, reqBody chatRequest) (string, error) {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	endpoint := strings.TrimRight(c.baseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer httputil.DrainAndClose(resp.Body)

	body, err := httputil.ReadResponseBody(resp.Body, 2*1024*1024)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != 200 {
		return "", fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("unmarshal error: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return result.Choices[0].Message.Content, nil
}

// isMaxTokensMismatch spots the capability error some providers return for
// the legacy max_tokens parameter.
func isMaxTokensMismatch(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "API error 400") && strings.Contains(msg, "max_tokens")
}

// extractJSON pulls the JSON object out of a response that may be wrapped
// in markdown fences or prose.
func extractJSON(content string) string {
	clean := strings.TrimSpace(content)
	if start := strings.Index(clean, "{"); start != -1 {
		clean = clean[start:]
	}
	if end := strings.LastIndex(clean, "}"); end != -1 {
		clean = clean[:end+1]
	}
	return clean
}
