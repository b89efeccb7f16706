// Package audit persists one row per dispatch outcome to the action_audit
// table.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/VaultSovereign/vmq-oracle/pkg/models"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
	Logger   zerolog.Logger
	// Timeout bounds a single insert made from Observe. Zero means 2s.
	Timeout time.Duration
}

type Record struct {
	RequestID  string
	ActionID   string
	UserID     string
	UserGroup  string
	Persona    string
	Decision   string
	Reason     string
	StatusCode int
	Params     json.RawMessage
	LatencyMS  float64
	CreatedAt  time.Time
}

func RecordFromOutcome(out models.Outcome) Record {
	return Record{
		RequestID:  out.RequestID,
		ActionID:   out.ActionID,
		UserID:     out.User.ID,
		UserGroup:  out.User.Group,
		Persona:    out.Persona,
		Decision:   out.Decision,
		Reason:     out.Reason,
		StatusCode: out.StatusCode,
		Params:     out.Params,
		LatencyMS:  out.LatencyMS,
		CreatedAt:  out.At.UTC(),
	}
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	if len(rec.Params) == 0 {
		rec.Params = json.RawMessage(`{}`)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO action_audit
		(request_id, action_id, user_id, user_group, persona, decision, reason, status_code, params, latency_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, rec.RequestID, rec.ActionID, rec.UserID, rec.UserGroup, rec.Persona, rec.Decision, rec.Reason, rec.StatusCode, rec.Params, rec.LatencyMS, rec.CreatedAt)
	return err
}

// Observe appends the outcome and logs a failed insert.
func (w *Writer) Observe(ctx context.Context, out models.Outcome) {
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := w.Append(ctx, RecordFromOutcome(out)); err != nil {
		w.Logger.Warn().Err(err).Str("request_id", out.RequestID).Str("action", out.ActionID).Msg("audit append failed")
	}
}

func (w *Writer) Get(ctx context.Context, requestID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT request_id, action_id, user_id, user_group, persona, decision, reason, status_code, params, latency_ms, created_at
		FROM action_audit WHERE request_id=$1
		ORDER BY created_at DESC LIMIT 1
	`, requestID)
	var params json.RawMessage
	if err := row.Scan(&rec.RequestID, &rec.ActionID, &rec.UserID, &rec.UserGroup, &rec.Persona, &rec.Decision, &rec.Reason, &rec.StatusCode, &params, &rec.LatencyMS, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.Params = params
	return rec, nil
}
