package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fisheeesh/lms-sub000/internal/schema"
)

// LogStore queries the canonical log table. Inserts go through the
// BatchWriter; this type covers reads and the retention delete.
type LogStore struct {
	client *ClickHouseClient
}

// NewLogStore creates a LogStore.
func NewLogStore(client *ClickHouseClient) *LogStore {
	return &LogStore{client: client}
}

// LogFilter narrows a log query. Zero values mean "any".
type LogFilter struct {
	Tenant      string
	Source      schema.Source
	MinSeverity *int
	From        time.Time
	To          time.Time
	User        string
	Host        string
	Limit       int
}

// CountSince counts a tenant's logs at or above a severity since the given
// time. This is the rule engine's evaluation-window query.
func (s *LogStore) CountSince(ctx context.Context, tenant string, minSeverity int, since time.Time) (uint64, error) {
	query := `
		SELECT count()
		FROM logs
		WHERE tenant = ? AND severity >= ? AND ts >= ?
	`

	// The column is UInt8; a negative threshold must not wrap around.
	if minSeverity < 0 {
		minSeverity = 0
	}

	var count uint64
	if err := s.client.QueryRow(ctx, query, tenant, uint8(minSeverity), since).Scan(&count); err != nil {
		return 0, WrapQueryError("CountSince", "logs", err)
	}
	return count, nil
}

// FindByFilter returns logs matching the filter, newest first.
func (s *LogStore) FindByFilter(ctx context.Context, filter LogFilter) ([]*schema.Log, error) {
	var conds []string
	var args []any

	if filter.Tenant != "" {
		conds = append(conds, "tenant = ?")
		args = append(args, filter.Tenant)
	}
	if filter.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, string(filter.Source))
	}
	if filter.MinSeverity != nil {
		conds = append(conds, "severity >= ?")
		args = append(args, uint8(*filter.MinSeverity))
	}
	if !filter.From.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		conds = append(conds, "ts < ?")
		args = append(args, filter.To)
	}
	if filter.User != "" {
		conds = append(conds, "user = ?")
		args = append(args, filter.User)
	}
	if filter.Host != "" {
		conds = append(conds, "host = ?")
		args = append(args, filter.Host)
	}

	query := `
		SELECT
			log_id, tenant, source, ts, received_at,
			event_type, event_subtype, severity, action,
			user, host, process,
			src_ip, src_port, dst_ip, dst_port, protocol,
			url, http_method, status_code,
			rule_name, rule_id, ip, reason,
			cloud_account_id, cloud_region, cloud_service,
			raw, tags
		FROM logs
	`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := s.client.Query(ctx, query, args...)
	if err != nil {
		return nil, WrapQueryError("FindByFilter", "logs", err)
	}
	defer rows.Close()

	var logs []*schema.Log
	for rows.Next() {
		log, err := scanLog(rows)
		if err != nil {
			return nil, WrapQueryError("FindByFilter", "logs", err)
		}
		logs = append(logs, log)
	}
	return logs, nil
}

// rowScanner is satisfied by driver.Rows and driver.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanLog(row rowScanner) (*schema.Log, error) {
	var (
		log      schema.Log
		source   string
		action   string
		severity *uint8
		srcPort  *uint16
		dstPort  *uint16
		raw      string
	)

	err := row.Scan(
		&log.LogID, &log.Tenant, &source, &log.TS, &log.ReceivedAt,
		&log.EventType, &log.EventSubtype, &severity, &action,
		&log.User, &log.Host, &log.Process,
		&log.SrcIP, &srcPort, &log.DstIP, &dstPort, &log.Protocol,
		&log.URL, &log.HTTPMethod, &log.StatusCode,
		&log.RuleName, &log.RuleID, &log.IP, &log.Reason,
		&log.CloudAccount, &log.CloudRegion, &log.CloudService,
		&raw, &log.Tags,
	)
	if err != nil {
		return nil, err
	}

	log.Source = schema.Source(source)
	log.Action = schema.Action(action)
	log.Raw = json.RawMessage(raw)
	if severity != nil {
		v := int(*severity)
		log.Severity = &v
	}
	if srcPort != nil {
		v := int(*srcPort)
		log.SrcPort = &v
	}
	if dstPort != nil {
		v := int(*dstPort)
		log.DstPort = &v
	}
	return &log, nil
}

// ExpiredLog is a row past the retention cutoff, carried to the archiver
// before deletion.
type ExpiredLog struct {
	LogID  uuid.UUID
	Tenant string
	Source string
	TS     time.Time
	Raw    string
}

// SelectExpired returns logs older than the cutoff, oldest first, up to
// limit rows starting at offset. The sweeper pages through expired rows
// with it before deleting any.
func (s *LogStore) SelectExpired(ctx context.Context, cutoff time.Time, limit, offset int) ([]ExpiredLog, error) {
	query := `
		SELECT log_id, tenant, source, ts, raw
		FROM logs
		WHERE ts < ?
		ORDER BY ts ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.client.Query(ctx, query, cutoff, limit, offset)
	if err != nil {
		return nil, WrapQueryError("SelectExpired", "logs", err)
	}
	defer rows.Close()

	var expired []ExpiredLog
	for rows.Next() {
		var e ExpiredLog
		if err := rows.Scan(&e.LogID, &e.Tenant, &e.Source, &e.TS, &e.Raw); err != nil {
			return nil, WrapQueryError("SelectExpired", "logs", err)
		}
		expired = append(expired, e)
	}
	return expired, nil
}

// CountOlderThan counts logs past the cutoff. The sweeper uses this to
// decide whether a delete will do anything.
func (s *LogStore) CountOlderThan(ctx context.Context, cutoff time.Time) (uint64, error) {
	var count uint64
	if err := s.client.QueryRow(ctx, "SELECT count() FROM logs WHERE ts < ?", cutoff).Scan(&count); err != nil {
		return 0, WrapQueryError("CountOlderThan", "logs", err)
	}
	return count, nil
}

// DeleteOlderThan removes logs past the cutoff and returns how many rows
// were affected. Running it again with the same cutoff deletes nothing.
func (s *LogStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (uint64, error) {
	count, err := s.CountOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	if err := s.client.Exec(ctx, "DELETE FROM logs WHERE ts < ?", cutoff); err != nil {
		return 0, WrapQueryError("DeleteOlderThan", "logs", err)
	}
	return count, nil
}
