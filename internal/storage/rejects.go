package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RejectEntry is a payload the validator refused, kept for operator
// inspection.
type RejectEntry struct {
	Tenant           string
	Source           string
	RawPayload       string
	ValidationErrors []string
}

// RejectWriter persists rejected payloads to the logs_rejected table.
type RejectWriter struct {
	client *ClickHouseClient
}

// NewRejectWriter creates a RejectWriter.
func NewRejectWriter(client *ClickHouseClient) *RejectWriter {
	return &RejectWriter{client: client}
}

// Write stores a single rejected payload.
func (w *RejectWriter) Write(ctx context.Context, entry *RejectEntry) error {
	query := `
		INSERT INTO logs_rejected (
			reject_id, tenant, source, raw_payload, validation_errors
		) VALUES (?, ?, ?, ?, ?)
	`

	err := w.client.Exec(ctx, query,
		uuid.New(),
		entry.Tenant,
		entry.Source,
		entry.RawPayload,
		entry.ValidationErrors,
	)
	if err != nil {
		return WrapQueryError("Write", "logs_rejected", err)
	}
	return nil
}

// WriteReject stores a rejected payload from its flat parts. It adapts the
// writer to the ingest adapters' sink interface.
func (w *RejectWriter) WriteReject(ctx context.Context, tenant, source, payload string, errs []string) error {
	return w.Write(ctx, &RejectEntry{
		Tenant:           tenant,
		Source:           source,
		RawPayload:       payload,
		ValidationErrors: errs,
	})
}

// RejectedLog is a rejected payload read back for inspection.
type RejectedLog struct {
	RejectID         uuid.UUID
	RejectedAt       time.Time
	Tenant           string
	Source           string
	RawPayload       string
	ValidationErrors []string
}

// ListRecent returns a tenant's rejected payloads since the given time,
// newest first.
func (w *RejectWriter) ListRecent(ctx context.Context, tenant string, since time.Time, limit int) ([]RejectedLog, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT reject_id, rejected_at, tenant, source, raw_payload, validation_errors
		FROM logs_rejected
		WHERE tenant = ? AND rejected_at >= ?
		ORDER BY rejected_at DESC
		LIMIT ?
	`

	rows, err := w.client.Query(ctx, query, tenant, since, limit)
	if err != nil {
		return nil, WrapQueryError("ListRecent", "logs_rejected", err)
	}
	defer rows.Close()

	var rejected []RejectedLog
	for rows.Next() {
		var r RejectedLog
		if err := rows.Scan(
			&r.RejectID, &r.RejectedAt, &r.Tenant,
			&r.Source, &r.RawPayload, &r.ValidationErrors,
		); err != nil {
			return nil, WrapQueryError("ListRecent", "logs_rejected", err)
		}
		rejected = append(rejected, r)
	}
	return rejected, nil
}
