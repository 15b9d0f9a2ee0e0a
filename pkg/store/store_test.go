package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/asaha96/Playproof-sub001/pkg/agent"
)

func decision(sessionID string, v agent.Verdict) *agent.Decision {
	return &agent.Decision{
		SessionID:  sessionID,
		Verdict:    v,
		Confidence: 0.8,
		Reason:     "test",
		Source:     "heuristic",
		DecidedAt:  time.Now(),
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryVerdictStore()
	defer s.Close()
	ctx := context.Background()

	if d, err := s.GetVerdict(ctx, "missing"); err != nil || d != nil {
		t.Fatalf("expected nil, nil for unknown session, got %+v, %v", d, err)
	}

	if err := s.SaveVerdict(ctx, decision("sess-1", agent.VerdictHuman)); err != nil {
		t.Fatalf("SaveVerdict: %v", err)
	}
	d, err := s.GetVerdict(ctx, "sess-1")
	if err != nil || d == nil || d.Verdict != agent.VerdictHuman {
		t.Fatalf("unexpected verdict: %+v, %v", d, err)
	}
}

func TestMemoryStoreFirstWriteWins(t *testing.T) {
	s := NewMemoryVerdictStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.SaveVerdict(ctx, decision("sess-1", agent.VerdictHuman)); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveVerdict(ctx, decision("sess-1", agent.VerdictBot)); err != nil {
		t.Fatal(err)
	}

	d, _ := s.GetVerdict(ctx, "sess-1")
	if d == nil || d.Verdict != agent.VerdictHuman {
		t.Fatalf("expected first verdict to stick, got %+v", d)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryVerdictStore(WithTTL(10*time.Millisecond), WithCleanupInterval(5*time.Millisecond))
	defer s.Close()
	ctx := context.Background()

	if err := s.SaveVerdict(ctx, decision("sess-1", agent.VerdictBot)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)

	if d, _ := s.GetVerdict(ctx, "sess-1"); d != nil {
		t.Fatalf("expected expired verdict to be gone, got %+v", d)
	}
}

func TestMemoryStoreActiveRegistry(t *testing.T) {
	s := NewMemoryVerdictStore()
	defer s.Close()
	ctx := context.Background()

	_ = s.MarkActive(ctx, "a")
	_ = s.MarkActive(ctx, "b")
	_ = s.MarkActive(ctx, "a") // idempotent
	if n, _ := s.ActiveCount(ctx); n != 2 {
		t.Fatalf("expected 2 active, got %d", n)
	}

	_ = s.Deactivate(ctx, "a")
	if n, _ := s.ActiveCount(ctx); n != 1 {
		t.Fatalf("expected 1 active after deactivate, got %d", n)
	}
}

func TestMemoryStoreRejectsBadVerdicts(t *testing.T) {
	s := NewMemoryVerdictStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.SaveVerdict(ctx, nil); err == nil {
		t.Fatal("expected error for nil decision")
	}
	if err := s.SaveVerdict(ctx, &agent.Decision{}); err == nil {
		t.Fatal("expected error for missing session ID")
	}
}

func redisStore(t *testing.T) *RedisVerdictStore {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisVerdictStore(context.Background(), "redis://"+mr.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("NewRedisVerdictStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedisStoreRoundTrip(t *testing.T) {
	s := redisStore(t)
	ctx := context.Background()

	if d, err := s.GetVerdict(ctx, "missing"); err != nil || d != nil {
		t.Fatalf("expected nil, nil for unknown session, got %+v, %v", d, err)
	}

	want := decision("sess-1", agent.VerdictBot)
	if err := s.SaveVerdict(ctx, want); err != nil {
		t.Fatalf("SaveVerdict: %v", err)
	}

	d, err := s.GetVerdict(ctx, "sess-1")
	if err != nil || d == nil {
		t.Fatalf("GetVerdict: %+v, %v", d, err)
	}
	if d.Verdict != agent.VerdictBot || d.Confidence != 0.8 {
		t.Fatalf("verdict did not survive the round trip: %+v", d)
	}
}

func TestRedisStoreFirstWriteWins(t *testing.T) {
	s := redisStore(t)
	ctx := context.Background()

	if err := s.SaveVerdict(ctx, decision("sess-1", agent.VerdictHuman)); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveVerdict(ctx, decision("sess-1", agent.VerdictBot)); err != nil {
		t.Fatal(err)
	}

	d, _ := s.GetVerdict(ctx, "sess-1")
	if d == nil || d.Verdict != agent.VerdictHuman {
		t.Fatalf("expected first verdict to stick, got %+v", d)
	}
}

func TestRedisStoreActiveRegistry(t *testing.T) {
	s := redisStore(t)
	ctx := context.Background()

	_ = s.MarkActive(ctx, "a")
	_ = s.MarkActive(ctx, "b")
	if n, err := s.ActiveCount(ctx); err != nil || n != 2 {
		t.Fatalf("expected 2 active, got %d, %v", n, err)
	}
	_ = s.Deactivate(ctx, "b")
	if n, _ := s.ActiveCount(ctx); n != 1 {
		t.Fatalf("expected 1 active, got %d", n)
	}
}

func TestRedisStoreBadURL(t *testing.T) {
	if _, err := NewRedisVerdictStore(context.Background(), "not-a-url", time.Minute); err == nil {
		t.Fatal("expected error for malformed URL")
	}
}
