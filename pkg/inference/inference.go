// Package inference uploads archived feature tables to an external batch
// anomaly-detection service. The service has shipped two response shapes
// over time; normalization of both lives here and nowhere else.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/asaha96/Playproof-sub001/pkg/features"
	"github.com/asaha96/Playproof-sub001/pkg/httputil"
)

// Result is the normalized per-record outcome of a batch inference run.
type Result struct {
	SessionID    string  `json:"session_id"`
	AnomalyScore float64 `json:"anomaly_score"`
	IsAnomaly    bool    `json:"is_anomaly"`
}

// Client talks to the batch inference service.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient builds a client for the service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		http:    httputil.Client(httputil.TierBatch),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// rowResult is the per-row shape newer service versions return.
type rowResult struct {
	AnomalyScore float64 `json:"anomaly_score"`
	IsAnomaly    bool    `json:"is_anomaly"`
}

// batchResponse covers both response shapes: older versions return only
// the indices of anomalous rows, newer ones score every row.
type batchResponse struct {
	AnomalyIndices []int       `json:"anomaly_indices"`
	Results        []rowResult `json:"results"`
}

// UploadFeatures sends the records as a CSV table and returns one
// normalized result per input record, in input order.
func (c *Client) UploadFeatures(ctx context.Context, records []features.MovementFeatures) ([]Result, error) {
	if len(records) == 0 {
		return nil, nil
	}

	body := features.CSVTable(records)
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/score/batch", bytes.NewBufferString(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/csv")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer httputil.DrainAndClose(resp.Body)

	data, err := httputil.ReadResponseBody(resp.Body, httputil.MaxResponseSize)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("inference service error %d: %s", resp.StatusCode, string(data))
	}

	var br batchResponse
	if err := json.Unmarshal(data, &br); err != nil {
		return nil, fmt.Errorf("unmarshal inference response: %w", err)
	}
	return normalize(records, br)
}

// normalize maps either response shape onto the input records.
func normalize(records []features.MovementFeatures, br batchResponse) ([]Result, error) {
	out := make([]Result, len(records))
	for i, r := range records {
		out[i].SessionID = r.SessionID
	}

	switch {
	case len(br.Results) > 0:
		if len(br.Results) != len(records) {
			return nil, fmt.Errorf("inference returned %d results for %d records", len(br.Results), len(records))
		}
		for i, rr := range br.Results {
			out[i].AnomalyScore = rr.AnomalyScore
			out[i].IsAnomaly = rr.IsAnomaly
		}

	default:
		// Index shape: flagged rows get score 1, the rest 0.
		for _, idx := range br.AnomalyIndices {
			if idx < 0 || idx >= len(records) {
				return nil, fmt.Errorf("inference returned out-of-range index %d", idx)
			}
			out[idx].AnomalyScore = 1
			out[idx].IsAnomaly = true
		}
	}
	return out, nil
}
