package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/asaha96/Playproof-sub001/pkg/agent"
)

// InboundBatch is one raw telemetry payload tagged with its session.
type InboundBatch struct {
	SessionID string
	Payload   []byte
}

// BatchSource delivers inbound telemetry batches. The HTTP gateway adapts
// request bodies into this; other transports can plug in the same way.
type BatchSource interface {
	Batches() <-chan InboundBatch
}

// ChannelSource is a BatchSource backed by a plain channel.
type ChannelSource struct {
	ch chan InboundBatch
}

func NewChannelSource(buffer int) *ChannelSource {
	return &ChannelSource{ch: make(chan InboundBatch, buffer)}
}

func (c *ChannelSource) Batches() <-chan InboundBatch { return c.ch }

// Send delivers a batch, dropping it if the context expires first.
func (c *ChannelSource) Send(ctx context.Context, b InboundBatch) error {
	select {
	case c.ch <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ControlPublisher pushes a published verdict to the client-facing
// control channel.
type ControlPublisher interface {
	Publish(ctx context.Context, topic string, d *agent.Decision) error
}

// LogPublisher is a ControlPublisher that only logs. Used when no
// outbound transport is wired, and in tests.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p *LogPublisher) Publish(_ context.Context, topic string, d *agent.Decision) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("verdict",
		zap.String("topic", topic),
		zap.String("session_id", d.SessionID),
		zap.String("verdict", string(d.Verdict)))
	return nil
}

// VerdictSink receives a session's final decision exactly once.
type VerdictSink interface {
	Publish(ctx context.Context, d *agent.Decision) error
}

// onceSink guards a downstream publish function so repeated calls are
// no-ops. One per session.
type onceSink struct {
	once    sync.Once
	publish func(ctx context.Context, d *agent.Decision) error
}

func (s *onceSink) Publish(ctx context.Context, d *agent.Decision) error {
	var err error
	s.once.Do(func() {
		err = s.publish(ctx, d)
	})
	return err
}
