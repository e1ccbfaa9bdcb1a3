package storage

import (
	"context"
	"time"

	"github.com/fisheeesh/lms-sub000/internal/rules"
)

// AlertStore persists alerts raised by the rule engine.
type AlertStore struct {
	client *ClickHouseClient
}

// NewAlertStore creates an AlertStore.
func NewAlertStore(client *ClickHouseClient) *AlertStore {
	return &AlertStore{client: client}
}

// Create inserts a new alert.
func (s *AlertStore) Create(ctx context.Context, alert *rules.Alert) error {
	query := `
		INSERT INTO alerts (alert_id, tenant, rule_name, status, severity, log_id, triggered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	err := s.client.Exec(ctx, query,
		alert.ID,
		alert.Tenant,
		alert.RuleName,
		string(alert.Status),
		severityColumn(alert.Severity),
		alert.LogID,
		alert.TriggeredAt,
	)
	if err != nil {
		return WrapQueryError("Create", "alerts", err)
	}
	return nil
}

// RecentlyTriggered reports whether an alert for (tenant, rule) exists at
// or after since. This backs the engine's rate gate.
func (s *AlertStore) RecentlyTriggered(ctx context.Context, tenant, ruleName string, since time.Time) (bool, error) {
	query := `
		SELECT count()
		FROM alerts
		WHERE tenant = ? AND rule_name = ? AND triggered_at >= ?
	`

	var count uint64
	if err := s.client.QueryRow(ctx, query, tenant, ruleName, since).Scan(&count); err != nil {
		return false, WrapQueryError("RecentlyTriggered", "alerts", err)
	}
	return count > 0, nil
}

// UpdateStatus moves an alert through NEW -> ACK -> RESOLVED.
func (s *AlertStore) UpdateStatus(ctx context.Context, alertID string, status rules.AlertStatus) error {
	query := `
		ALTER TABLE alerts
		UPDATE status = ?
		WHERE alert_id = ?
	`
	if err := s.client.Exec(ctx, query, string(status), alertID); err != nil {
		return WrapQueryError("UpdateStatus", "alerts", err)
	}
	return nil
}

// ListRecent returns a tenant's alerts triggered at or after since, newest
// first.
func (s *AlertStore) ListRecent(ctx context.Context, tenant string, since time.Time, limit int) ([]*rules.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT alert_id, tenant, rule_name, status, severity, log_id, triggered_at
		FROM alerts
		WHERE tenant = ? AND triggered_at >= ?
		ORDER BY triggered_at DESC
		LIMIT ?
	`

	rows, err := s.client.Query(ctx, query, tenant, since, limit)
	if err != nil {
		return nil, WrapQueryError("ListRecent", "alerts", err)
	}
	defer rows.Close()

	var alerts []*rules.Alert
	for rows.Next() {
		var (
			alert    rules.Alert
			status   string
			severity *uint8
		)
		if err := rows.Scan(
			&alert.ID, &alert.Tenant, &alert.RuleName, &status,
			&severity, &alert.LogID, &alert.TriggeredAt,
		); err != nil {
			return nil, WrapQueryError("ListRecent", "alerts", err)
		}
		alert.Status = rules.AlertStatus(status)
		if severity != nil {
			v := int(*severity)
			alert.Severity = &v
		}
		alerts = append(alerts, &alert)
	}
	return alerts, nil
}
