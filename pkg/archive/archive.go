// Package archive persists scored feature records in Postgres for offline
// analysis and batch inference. The archive is optional; the pipeline runs
// fully without it.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/asaha96/Playproof-sub001/pkg/features"
	"github.com/asaha96/Playproof-sub001/pkg/scoring"
)

const schema = `
CREATE TABLE IF NOT EXISTS movement_features (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL,
	window_id   INT NOT NULL,
	score       DOUBLE PRECISION NOT NULL,
	outcome     TEXT NOT NULL,
	features    JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS movement_features_session_idx ON movement_features (session_id);
CREATE INDEX IF NOT EXISTS movement_features_created_idx ON movement_features (created_at);
`

// Record is one archived window with its features and score.
type Record struct {
	ID        int64                     `json:"id"`
	SessionID string                    `json:"session_id"`
	WindowID  int                       `json:"window_id"`
	Score     float64                   `json:"score"`
	Outcome   scoring.Outcome           `json:"outcome"`
	Features  features.MovementFeatures `json:"features"`
	CreatedAt time.Time                 `json:"created_at"`
}

// FeatureArchive writes scored windows to Postgres.
type FeatureArchive struct {
	pool *pgxpool.Pool
}

// New connects to the database at databaseURL and verifies the connection.
func New(ctx context.Context, databaseURL string) (*FeatureArchive, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return &FeatureArchive{pool: pool}, nil
}

// EnsureSchema creates the archive tables if they do not exist.
func (a *FeatureArchive) EnsureSchema(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// SaveFeatures stores one scored window.
func (a *FeatureArchive) SaveFeatures(ctx context.Context, sessionID string, ws scoring.WindowScore) error {
	data, err := json.Marshal(ws.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	_, err = a.pool.Exec(ctx,
		`INSERT INTO movement_features (session_id, window_id, score, outcome, features) VALUES ($1, $2, $3, $4, $5)`,
		sessionID, ws.WindowID, ws.Score, string(ws.Outcome), data)
	if err != nil {
		return fmt.Errorf("save features: %w", err)
	}
	return nil
}

// ListFeatures returns archived records created at or after since, oldest
// first.
func (a *FeatureArchive) ListFeatures(ctx context.Context, since time.Time) ([]Record, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT id, session_id, window_id, score, outcome, features, created_at
		 FROM movement_features WHERE created_at >= $1 ORDER BY created_at`,
		since)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			outcome string
			data    []byte
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.WindowID, &r.Score, &outcome, &data, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Outcome = scoring.Outcome(outcome)
		if err := json.Unmarshal(data, &r.Features); err != nil {
			return nil, fmt.Errorf("unmarshal features for record %d: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (a *FeatureArchive) Close() {
	a.pool.Close()
}
