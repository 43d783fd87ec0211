// Package store persists call records, transcripts, and per-call metrics in
// Postgres. Schema changes ship as embedded goose migrations.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/voicebridge/pkg/call"
)

// NewCall describes the row inserted when a call starts.
type NewCall struct {
	WorkflowID         string
	RunID              string
	PhoneNumber        string
	Greeting           string
	SystemPrompt       string
	MaxDurationSeconds int
	Metadata           map[string]string
}

// CallUpdate carries the final disposition written when a call ends.
type CallUpdate struct {
	CallID          string
	Status          call.Status
	CallSid         string
	EndedAt         *time.Time
	DurationSeconds int
	FailureReason   string
}

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound reports a lookup for a call that does not exist.
var ErrNotFound = errors.New("store: call not found")

// Store wraps a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate applies pending schema migrations.
func Migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// CallRecord is one row of the calls table.
type CallRecord struct {
	ID                 string      `json:"id"`
	WorkflowID         string      `json:"workflow_id"`
	RunID              string      `json:"run_id"`
	CallSid            *string     `json:"call_sid,omitempty"`
	PhoneNumber        string      `json:"phone_number"`
	Status             call.Status `json:"status"`
	Greeting           string      `json:"greeting"`
	SystemPrompt       *string     `json:"system_prompt,omitempty"`
	MaxDurationSeconds int         `json:"max_duration_seconds"`
	FailureReason      *string     `json:"failure_reason,omitempty"`
	StartedAt          time.Time   `json:"started_at"`
	EndedAt            *time.Time  `json:"ended_at,omitempty"`
	DurationSeconds    *int        `json:"duration_seconds,omitempty"`
}

const callColumns = `id::text, workflow_id, run_id, call_sid, phone_number, status, greeting,
	system_prompt, max_duration_seconds, failure_reason, started_at, ended_at, duration_seconds`

func scanCall(row pgx.Row) (*CallRecord, error) {
	var rec CallRecord
	err := row.Scan(&rec.ID, &rec.WorkflowID, &rec.RunID, &rec.CallSid, &rec.PhoneNumber,
		&rec.Status, &rec.Greeting, &rec.SystemPrompt, &rec.MaxDurationSeconds,
		&rec.FailureReason, &rec.StartedAt, &rec.EndedAt, &rec.DurationSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan call: %w", err)
	}
	return &rec, nil
}

// CreateCall inserts the record for a new call and returns its id. Retried
// workflow attempts land on the existing row.
func (s *Store) CreateCall(ctx context.Context, p NewCall) (string, error) {
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO calls (workflow_id, run_id, phone_number, greeting, system_prompt, max_duration_seconds, metadata)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
		ON CONFLICT (workflow_id) DO UPDATE SET run_id = EXCLUDED.run_id, updated_at = now()
		RETURNING id::text`,
		p.WorkflowID, p.RunID, p.PhoneNumber, p.Greeting, p.SystemPrompt, p.MaxDurationSeconds, metadata,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert call: %w", err)
	}
	return id, nil
}

// UpdateCall writes the final disposition of a call.
func (s *Store) UpdateCall(ctx context.Context, p CallUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE calls
		SET status = $2,
		    call_sid = COALESCE(NULLIF($3, ''), call_sid),
		    ended_at = COALESCE($4, ended_at),
		    duration_seconds = $5,
		    failure_reason = NULLIF($6, ''),
		    updated_at = now()
		WHERE id = $1`,
		p.CallID, string(p.Status), p.CallSid, p.EndedAt, p.DurationSeconds, p.FailureReason)
	if err != nil {
		return fmt.Errorf("update call %s: %w", p.CallID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCallSid records the provider identifier as soon as it is known. The
// first sid wins; a missing row is not an error since provider callbacks can
// arrive before the record exists.
func (s *Store) SetCallSid(ctx context.Context, workflowID, callSid string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE calls
		SET call_sid = COALESCE(call_sid, $2), updated_at = now()
		WHERE workflow_id = $1`, workflowID, callSid)
	if err != nil {
		return fmt.Errorf("set call sid: %w", err)
	}
	return nil
}

// UpdateCallStatus mirrors a live status into the record without closing it
// out. The workflow's final UpdateCall stays authoritative; ended rows are
// left alone.
func (s *Store) UpdateCallStatus(ctx context.Context, workflowID string, status call.Status) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE calls
		SET status = $2, updated_at = now()
		WHERE workflow_id = $1 AND ended_at IS NULL`, workflowID, string(status))
	if err != nil {
		return fmt.Errorf("update call status: %w", err)
	}
	return nil
}

// GetCallByWorkflowID looks a call up by its workflow identity.
func (s *Store) GetCallByWorkflowID(ctx context.Context, workflowID string) (*CallRecord, error) {
	return scanCall(s.pool.QueryRow(ctx,
		`SELECT `+callColumns+` FROM calls WHERE workflow_id = $1`, workflowID))
}

// SaveTranscripts appends a batch of transcript segments.
func (s *Store) SaveTranscripts(ctx context.Context, callID string, segments []call.TranscriptSegment) (int, error) {
	if len(segments) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, seg := range segments {
		var confidence *float64
		if seg.Confidence > 0 {
			c := seg.Confidence
			confidence = &c
		}
		batch.Queue(`
			INSERT INTO transcripts (call_id, speaker, text, confidence, spoken_at)
			VALUES ($1, $2, $3, $4, $5)`,
			callID, string(seg.Speaker), seg.Text, confidence, seg.Timestamp)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range segments {
		if _, err := results.Exec(); err != nil {
			return 0, fmt.Errorf("insert transcript: %w", err)
		}
	}
	return len(segments), nil
}

// ListTranscripts returns a call's transcript in spoken order.
func (s *Store) ListTranscripts(ctx context.Context, callID string) ([]call.TranscriptSegment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT speaker, text, COALESCE(confidence, 0), spoken_at
		FROM transcripts WHERE call_id = $1 ORDER BY spoken_at, id`, callID)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	var out []call.TranscriptSegment
	for rows.Next() {
		var seg call.TranscriptSegment
		var speaker string
		if err := rows.Scan(&speaker, &seg.Text, &seg.Confidence, &seg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		seg.Speaker = call.Speaker(speaker)
		out = append(out, seg)
	}
	return out, rows.Err()
}

// UpsertMetrics stores the latest metrics snapshot for a call.
func (s *Store) UpsertMetrics(ctx context.Context, callID string, m call.MetricsSnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO call_metrics (call_id, frames_sent, frames_received, frames_dropped,
			drop_rate_pct, max_queue_depth, avg_queue_depth, ai_turn_count, user_turn_count, interruption_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (call_id) DO UPDATE SET
			frames_sent = EXCLUDED.frames_sent,
			frames_received = EXCLUDED.frames_received,
			frames_dropped = EXCLUDED.frames_dropped,
			drop_rate_pct = EXCLUDED.drop_rate_pct,
			max_queue_depth = EXCLUDED.max_queue_depth,
			avg_queue_depth = EXCLUDED.avg_queue_depth,
			ai_turn_count = EXCLUDED.ai_turn_count,
			user_turn_count = EXCLUDED.user_turn_count,
			interruption_count = EXCLUDED.interruption_count,
			updated_at = now()`,
		callID, m.FramesSent, m.FramesReceived, m.FramesDropped, m.DropRatePct,
		m.MaxQueueDepth, m.AvgQueueDepth, m.AITurnCount, m.UserTurnCount, m.InterruptionCount)
	if err != nil {
		return fmt.Errorf("upsert metrics for %s: %w", callID, err)
	}
	return nil
}
