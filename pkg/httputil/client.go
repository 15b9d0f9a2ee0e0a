// Package httputil provides shared HTTP plumbing for the verifier's
// outbound calls: the reasoning service, the batch inference service, and
// health probes. Everything shares one pooled transport.
package httputil

import (
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// MaxResponseSize bounds HTTP response body reads. Neither the reasoning
// service nor the inference service has any business returning more.
const MaxResponseSize = 10 * 1024 * 1024 // 10MB

// Shared transport with connection pooling. Safe for concurrent use;
// reusing TCP connections matters when the agent ticks every few seconds.
var sharedTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ForceAttemptHTTP2:     true,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// TimeoutTier defines standard timeout categories for different operation types.
type TimeoutTier int

const (
	// TierProbe for health checks against external services (5s)
	TierProbe TimeoutTier = iota
	// TierReasoning for LLM reasoning calls (30s)
	TierReasoning
	// TierBatch for batch inference uploads that score many sessions (60s)
	TierBatch
)

var timeoutDurations = map[TimeoutTier]time.Duration{
	TierProbe:     5 * time.Second,
	TierReasoning: 30 * time.Second,
	TierBatch:     60 * time.Second,
}

// Singleton clients per tier - initialized once, reused everywhere.
var (
	clientProbe     *http.Client
	clientReasoning *http.Client
	clientBatch     *http.Client
	clientOnce      sync.Once
)

func initClients() {
	clientProbe = &http.Client{
		Timeout:   timeoutDurations[TierProbe],
		Transport: sharedTransport,
	}
	clientReasoning = &http.Client{
		Timeout:   timeoutDurations[TierReasoning],
		Transport: sharedTransport,
	}
	clientBatch = &http.Client{
		Timeout:   timeoutDurations[TierBatch],
		Transport: sharedTransport,
	}
}

// Client returns a shared HTTP client for the given timeout tier.
// These clients share a connection pool and should be used instead of
// creating new http.Client instances per request.
func Client(tier TimeoutTier) *http.Client {
	clientOnce.Do(initClients)
	switch tier {
	case TierProbe:
		return clientProbe
	case TierBatch:
		return clientBatch
	default:
		return clientReasoning
	}
}

// ReadResponseBody reads an HTTP response body with a size limit so a
// misbehaving upstream cannot OOM the verifier.
func ReadResponseBody(r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = MaxResponseSize
	}
	return io.ReadAll(io.LimitReader(r, maxSize))
}

// ReadErrorBody reads the response body for error messages with a smaller
// limit, since error messages shouldn't be large.
func ReadErrorBody(r io.Reader) ([]byte, error) {
	const maxErrorSize = 1 * 1024 * 1024 // 1MB
	return io.ReadAll(io.LimitReader(r, maxErrorSize))
}

// DrainAndClose drains and closes an HTTP response body so the underlying
// connection returns to the pool.
func DrainAndClose(body io.ReadCloser) {
	if body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, MaxResponseSize))
		_ = body.Close()
	}
}
