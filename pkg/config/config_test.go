package config

import (
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.WindowDuration != 5*time.Second {
		t.Fatalf("expected 5s window, got %v", cfg.WindowDuration)
	}
	if cfg.WindowOverlap != 1*time.Second {
		t.Fatalf("expected 1s overlap, got %v", cfg.WindowOverlap)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PLAYPROOF_WINDOW_MS", "8000")
	t.Setenv("PLAYPROOF_PASS_THRESHOLD", "0.8")
	t.Setenv("PLAYPROOF_CUMULATIVE_WINDOWS", "false")

	cfg := NewDefaultConfig()
	if cfg.WindowDuration != 8*time.Second {
		t.Fatalf("expected 8s window from env, got %v", cfg.WindowDuration)
	}
	if cfg.PassThreshold != 0.8 {
		t.Fatalf("expected pass threshold 0.8, got %f", cfg.PassThreshold)
	}
	if cfg.CumulativeWindows {
		t.Fatalf("expected cumulative windows disabled")
	}
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.PassThreshold = 3.0
	cfg.ReviewThreshold = 2.0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error when pass threshold exceeds review threshold")
	}
}

func TestValidateRejectsOverlapWiderThanWindow(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.WindowOverlap = cfg.WindowDuration
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error when overlap equals window duration")
	}
}

func TestProviderDetection(t *testing.T) {
	t.Setenv("PLAYPROOF_LLM_PROVIDER", "")
	t.Setenv("GROQ_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("PLAYPROOF_LLM_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	if got := detectLLMProvider(); got != ProviderNone {
		t.Fatalf("expected provider none with no keys, got %s", got)
	}

	t.Setenv("GROQ_API_KEY", "gsk_test")
	if got := detectLLMProvider(); got != ProviderGroq {
		t.Fatalf("expected groq auto-detection, got %s", got)
	}

	t.Setenv("PLAYPROOF_LLM_PROVIDER", "ollama")
	if got := detectLLMProvider(); got != ProviderOllama {
		t.Fatalf("explicit provider must win, got %s", got)
	}
}
