package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/asaha96/Playproof-sub001/pkg/agent"
)

const (
	verdictKeyPrefix = "playproof:verdict:"
	activeSetKey     = "playproof:sessions:active"
)

// RedisVerdictStore persists verdicts in Redis so multiple gateway
// replicas see the same outcomes. Verdict values are JSON with a TTL;
// the active-session registry is a set.
type RedisVerdictStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisVerdictStore connects to the Redis at url (redis:// form) and
// verifies the connection. ttl bounds how long verdicts stay retrievable.
func NewRedisVerdictStore(ctx context.Context, url string, ttl time.Duration) (*RedisVerdictStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisVerdictStore{client: client, ttl: ttl}, nil
}

func (s *RedisVerdictStore) SaveVerdict(ctx context.Context, d *agent.Decision) error {
	if d == nil {
		return fmt.Errorf("decision is nil")
	}
	if d.SessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}

	// NX keeps the first published verdict; a second publish is a no-op.
	if err := s.client.SetNX(ctx, verdictKeyPrefix+d.SessionID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save verdict: %w", err)
	}
	return nil
}

func (s *RedisVerdictStore) GetVerdict(ctx context.Context, sessionID string) (*agent.Decision, error) {
	data, err := s.client.Get(ctx, verdictKeyPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get verdict: %w", err)
	}

	var d agent.Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshal verdict: %w", err)
	}
	return &d, nil
}

func (s *RedisVerdictStore) MarkActive(ctx context.Context, sessionID string) error {
	return s.client.SAdd(ctx, activeSetKey, sessionID).Err()
}

func (s *RedisVerdictStore) Deactivate(ctx context.Context, sessionID string) error {
	return s.client.SRem(ctx, activeSetKey, sessionID).Err()
}

func (s *RedisVerdictStore) ActiveCount(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, activeSetKey).Result()
	return int(n), err
}

func (s *RedisVerdictStore) Close() error {
	return s.client.Close()
}
