// Package config holds the runtime configuration for the PlayProof
// verification pipeline. Everything can be set via environment variables
// (prefix PLAYPROOF_) and everything has a default, so a bare binary runs
// in heuristic-only mode with no external services.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// LLMProvider defines the backend reasoning-service type.
type LLMProvider string

const (
	ProviderNone       LLMProvider = "none"       // No LLM, heuristic fallback only
	ProviderOllama     LLMProvider = "ollama"     // Local Ollama server
	ProviderOpenRouter LLMProvider = "openrouter" // OpenRouter (default cloud, has free tier)
	ProviderGroq       LLMProvider = "groq"       // Groq (high-speed inference)
	ProviderOpenAI     LLMProvider = "openai"     // Direct OpenAI API
	ProviderCustom     LLMProvider = "custom"     // Custom OpenAI-compatible endpoint
)

// Config holds global settings for the verifier.
// All settings can be configured via environment variables or programmatically.
type Config struct {
	// === Windowing ===
	WindowDuration     time.Duration // Width of each scored window (default: 5s)
	WindowOverlap      time.Duration // Overlap shared by consecutive windows (default: 1s)
	MinEventsPerWindow int           // Below this a window is forced to "review" (default: 10)
	CumulativeWindows  bool          // Score over all events since session start (default: true)

	// === Decision agent ===
	AgentInterval         time.Duration // Decision-agent tick (default: 5s)
	MinWindowsForDecision int           // Windows required before concluding (default: 3)
	AgentRetryAttempts    int           // Reasoning-service retries per tick (default: 3)
	AgentRetryDelay       time.Duration // Linear backoff unit (default: 500ms)

	// === Session lifecycle ===
	MaxSessionDuration time.Duration // Hard backstop regardless of decision state (default: 60s)
	ReconnectGrace     time.Duration // Disconnect grace before ending the session (default: 10s)

	// === Scoring thresholds (anomaly score is in [0, 5]) ===
	// Tune these to balance missed bots vs. rejected humans.
	PassThreshold   float64 // Score at or below = pass (default: 1.0)
	ReviewThreshold float64 // Score at or below = review, above = fail (default: 2.5)

	// === LLM Provider Configuration ===
	// These settings control the reasoning service behind the decision agent.
	LLMProvider LLMProvider   // Which LLM service to use: "ollama", "openrouter", "groq", "openai", "custom", "none"
	LLMAPIKey   string        // API key for cloud providers (env: PLAYPROOF_LLM_API_KEY or provider-specific)
	LLMModel    string        // Model identifier (e.g., "nvidia/nemotron-3-nano-30b-a3b:free")
	LLMBaseURL  string        // Custom base URL for self-hosted or custom providers
	LLMTimeout  time.Duration // Per-call timeout (default: 30s)

	// === Feature Flags ===
	EnableSignatures bool // Enable vector similarity against known movement signatures

	// === External Services (all optional) ===
	RedisURL     string // Redis verdict store; empty = in-memory store
	DatabaseURL  string // Postgres feature archive; empty = archiving disabled
	InferenceURL string // Batch anomaly-inference service; empty = CSV export only

	// === Misc ===
	ConfigDir string // Directory holding scoring.yaml and signature seeds (empty = auto-detect)
	LogDir    string // Rolling log file directory; empty = console only
}

// NewDefaultConfig creates a Config with sensible defaults.
// All settings can be overridden via environment variables.
func NewDefaultConfig() *Config {
	return &Config{
		WindowDuration:     GetEnvDuration("PLAYPROOF_WINDOW_MS", 5000),
		WindowOverlap:      GetEnvDuration("PLAYPROOF_WINDOW_OVERLAP_MS", 1000),
		MinEventsPerWindow: GetEnvInt("PLAYPROOF_MIN_EVENTS_PER_WINDOW", 10),
		CumulativeWindows:  GetEnvBool("PLAYPROOF_CUMULATIVE_WINDOWS", true),

		AgentInterval:         GetEnvDuration("PLAYPROOF_AGENT_INTERVAL_MS", 5000),
		MinWindowsForDecision: GetEnvInt("PLAYPROOF_MIN_WINDOWS_FOR_DECISION", 3),
		AgentRetryAttempts:    GetEnvInt("PLAYPROOF_AGENT_RETRY_ATTEMPTS", 3),
		AgentRetryDelay:       GetEnvDuration("PLAYPROOF_AGENT_RETRY_DELAY_MS", 500),

		MaxSessionDuration: GetEnvDuration("PLAYPROOF_MAX_SESSION_MS", 60000),
		ReconnectGrace:     GetEnvDuration("PLAYPROOF_RECONNECT_GRACE_MS", 10000),

		// Thresholds - tune these based on your false positive tolerance
		PassThreshold:   GetEnvFloat("PLAYPROOF_PASS_THRESHOLD", 1.0),
		ReviewThreshold: GetEnvFloat("PLAYPROOF_REVIEW_THRESHOLD", 2.5),

		// LLM Provider - defaults to a cloud provider if a key is set, otherwise none
		LLMProvider: detectLLMProvider(),
		LLMAPIKey:   GetEnv("PLAYPROOF_LLM_API_KEY", GetEnv("GROQ_API_KEY", os.Getenv("OPENROUTER_API_KEY"))),
		LLMModel:    GetEnv("PLAYPROOF_LLM_MODEL", "nvidia/nemotron-3-nano-30b-a3b:free"),
		LLMBaseURL:  GetEnv("PLAYPROOF_LLM_BASE_URL", ""),
		LLMTimeout:  GetEnvDuration("PLAYPROOF_LLM_TIMEOUT_MS", 30000),

		EnableSignatures: GetEnvBool("PLAYPROOF_ENABLE_SIGNATURES", true),

		RedisURL:     GetEnv("PLAYPROOF_REDIS_URL", ""),
		DatabaseURL:  GetEnv("PLAYPROOF_DATABASE_URL", ""),
		InferenceURL: GetEnv("PLAYPROOF_INFERENCE_URL", ""),

		ConfigDir: GetEnv("PLAYPROOF_CONFIG_DIR", ""),
		LogDir:    GetEnv("PLAYPROOF_LOG_DIR", ""),
	}
}

// NewStrictConfig creates a Config for high-stakes surfaces (may reject more humans).
func NewStrictConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.PassThreshold = 0.7    // Lower threshold = fewer bots pass as human
	cfg.ReviewThreshold = 2.0  // Lower review ceiling = more fails
	cfg.MinWindowsForDecision = 4
	return cfg
}

// NewLenientConfig creates a Config that minimizes friction for humans.
func NewLenientConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.PassThreshold = 1.5   // Higher threshold = fewer false rejections
	cfg.ReviewThreshold = 3.0 // Higher review ceiling
	return cfg
}

// Validate checks the invariants the rest of the pipeline relies on.
func (c *Config) Validate() error {
	var problems []string

	if c.WindowDuration <= 0 {
		problems = append(problems, "window duration must be positive")
	}
	if c.WindowOverlap < 0 || c.WindowOverlap >= c.WindowDuration {
		problems = append(problems, "window overlap must be in [0, window duration)")
	}
	if c.PassThreshold > c.ReviewThreshold {
		problems = append(problems, "pass threshold must not exceed review threshold")
	}
	if c.MaxSessionDuration < c.WindowDuration {
		problems = append(problems, "max session duration must cover at least one window")
	}
	if c.AgentRetryAttempts < 1 {
		problems = append(problems, "agent retry attempts must be at least 1")
	}
	if c.MinWindowsForDecision < 1 {
		problems = append(problems, "min windows for decision must be at least 1")
	}

	switch c.LLMProvider {
	case ProviderNone, ProviderOllama, ProviderOpenRouter, ProviderGroq, ProviderOpenAI, ProviderCustom:
	default:
		problems = append(problems, fmt.Sprintf("unknown LLM provider %q", c.LLMProvider))
	}
	if c.LLMProvider == ProviderCustom && c.LLMBaseURL == "" {
		problems = append(problems, "custom LLM provider requires PLAYPROOF_LLM_BASE_URL")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// MustValidate calls Validate and fatally exits if validation fails.
// Call this at startup before starting the server.
func (c *Config) MustValidate() {
	if err := c.Validate(); err != nil {
		log.Fatalf("[STARTUP] FATAL: Configuration validation failed: %v", err)
	}
	log.Println("[STARTUP] Configuration validated successfully")
}

func detectLLMProvider() LLMProvider {
	// Check explicit provider setting first
	if p := os.Getenv("PLAYPROOF_LLM_PROVIDER"); p != "" {
		return LLMProvider(p)
	}
	// Auto-detect based on available keys
	if os.Getenv("GROQ_API_KEY") != "" {
		return ProviderGroq
	}
	if os.Getenv("OPENROUTER_API_KEY") != "" || os.Getenv("PLAYPROOF_LLM_API_KEY") != "" {
		return ProviderOpenRouter
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return ProviderOpenAI
	}
	// No keys found: run with the deterministic heuristic only.
	return ProviderNone
}

// Helper functions for environment variable parsing
// These are exported for use by other packages (e.g., pkg/scoring)

// GetEnv returns the value of an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvBool returns the boolean value of an environment variable or a default value.
func GetEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvFloat returns the float64 value of an environment variable or a default value.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

// GetEnvInt returns the integer value of an environment variable or a default value.
func GetEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// GetEnvDuration reads an integer number of milliseconds from an environment
// variable. Durations are milliseconds on the wire and in env vars,
// time.Duration everywhere else.
func GetEnvDuration(key string, defaultMs int) time.Duration {
	return time.Duration(GetEnvInt(key, defaultMs)) * time.Millisecond
}
