// Package normalize converts raw source payloads into canonical logs.
//
// Normalize is total: any payload, however malformed, yields a canonical
// log carrying at least tenant, source, timestamp, and the verbatim raw
// payload. Fields that cannot be derived are simply left absent.
package normalize

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fisheeesh/lms-sub000/internal/normalize/syslogkv"
	"github.com/fisheeesh/lms-sub000/internal/schema"
)

// Config holds configuration for the normalizer.
type Config struct {
	// DefaultTenant is used when an adapter cannot attribute a payload.
	DefaultTenant string

	// MaxAge and MaxFuture bound how far the parsed event time may drift
	// from ingestion time. A timestamp outside the window falls back to
	// ReceivedAt; the parsed value stays available in Raw. Zero disables
	// the corresponding bound.
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultConfig returns the default normalizer configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTenant: "default",
		MaxAge:        30 * 24 * time.Hour,
		MaxFuture:     5 * time.Minute,
	}
}

// Normalizer maps (tenant, source, payload) to a canonical log.
type Normalizer struct {
	config Config
	syslog *syslogkv.Parser
	now    func() time.Time
}

// New creates a Normalizer.
func New(cfg Config) *Normalizer {
	if cfg.DefaultTenant == "" {
		cfg.DefaultTenant = "default"
	}
	return &Normalizer{
		config: cfg,
		syslog: syslogkv.NewParser(syslogkv.DefaultParserConfig()),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Normalize converts a raw payload into a canonical log. It never fails:
// unparseable structure degrades to absent fields with the original payload
// preserved in Raw.
func (n *Normalizer) Normalize(tenant string, source schema.Source, payload []byte) *schema.Log {
	if tenant == "" {
		tenant = n.config.DefaultTenant
	}

	log := &schema.Log{
		LogID:      uuid.New(),
		Tenant:     tenant,
		Source:     source,
		TS:         n.now(),
		ReceivedAt: n.now(),
		Raw:        schema.WrapRaw(payload),
		Tags:       []string{strings.ToLower(string(source))},
	}

	fields := decodeObject(payload)

	switch source {
	case schema.SourceAPI:
		n.mapAPI(log, fields)
	case schema.SourceFirewall, schema.SourceNetwork:
		if fields == nil {
			n.mapSyslogLine(log, string(payload))
		} else {
			n.mapFirewallObject(log, fields)
		}
	case schema.SourceAWS:
		n.mapAWS(log, fields)
	case schema.SourceM365:
		n.mapM365(log, fields)
	case schema.SourceAD:
		n.mapAD(log, fields)
	case schema.SourceCrowdStrike:
		n.mapCrowdStrike(log, fields)
	}

	n.clampTimestamp(log)

	return log
}

// clampTimestamp falls back to ingestion time when the mapped event time
// is implausibly old or in the future. Syslog lines without a year and
// devices with skewed clocks otherwise produce timestamps no retention
// or rule window can make sense of.
func (n *Normalizer) clampTimestamp(log *schema.Log) {
	if n.config.MaxAge > 0 && log.TS.Before(log.ReceivedAt.Add(-n.config.MaxAge)) {
		log.TS = log.ReceivedAt
		return
	}
	if n.config.MaxFuture > 0 && log.TS.After(log.ReceivedAt.Add(n.config.MaxFuture)) {
		log.TS = log.ReceivedAt
	}
}

// mapAPI handles application events posted by instrumented services.
func (n *Normalizer) mapAPI(log *schema.Log, fields map[string]any) {
	log.EventType = "application"
	if fields == nil {
		return
	}

	n.applyTimestamp(log, fields, "ts")
	if et := getString(fields, "event_type"); et != "" {
		log.EventType = et
	}
	log.Action = schema.MatchAction(getString(fields, "action"))
	log.Severity = schema.ClampSeverity(fields["severity"])
	log.User = getString(fields, "user")
	log.Reason = getString(fields, "reason")

	log.IP = getString(fields, "ip")
	if log.IP == "" {
		log.IP = getString(fields, "src_ip")
	}
}

// mapSyslogLine handles raw firewall/network syslog text.
func (n *Normalizer) mapSyslogLine(log *schema.Log, line string) {
	msg := n.syslog.Parse(line)

	log.EventType = "system"
	log.EventSubtype = "syslog"
	log.Host = msg.Host

	if ts, ok := parseSyslogTime(msg.Timestamp, n.now()); ok {
		log.TS = ts
	}

	log.SrcIP = firstKV(msg.KV, "src", "src_ip")
	log.DstIP = firstKV(msg.KV, "dst", "dst_ip")
	log.SrcPort = parsePort(firstKV(msg.KV, "spt", "src_port"))
	log.DstPort = parsePort(firstKV(msg.KV, "dpt", "dst_port"))
	log.Protocol = firstKV(msg.KV, "proto", "protocol")
	log.RuleName = firstKV(msg.KV, "policy", "rule")
	log.Severity = schema.ClampSeverity(msg.KV["severity"])

	log.Action = schema.MatchAction(msg.KV["action"])
	if log.Action == "" {
		log.Action = schema.ActionAlert
	}

	log.Reason = msg.KV["msg"]
	if log.Reason == "" {
		log.Reason = "syslog"
	}
}

// mapFirewallObject handles structured firewall/network payloads.
func (n *Normalizer) mapFirewallObject(log *schema.Log, fields map[string]any) {
	log.EventType = "system"

	n.applyTimestamp(log, fields, "ts")
	log.SrcIP = getString(fields, "src_ip")
	log.DstIP = getString(fields, "dst_ip")
	log.SrcPort = parsePort(getString(fields, "src_port"))
	log.DstPort = parsePort(getString(fields, "dst_port"))
	log.Protocol = getString(fields, "protocol")
	log.Action = schema.MatchAction(getString(fields, "action"))
	log.Severity = schema.ClampSeverity(fields["severity"])
	log.RuleName = getString(fields, "rule_name")
	log.RuleID = getString(fields, "rule_id")
	log.Reason = getString(fields, "reason")
}

// mapAWS handles CloudTrail-style audit payloads.
func (n *Normalizer) mapAWS(log *schema.Log, fields map[string]any) {
	log.EventType = "audit"
	if fields == nil {
		return
	}

	n.applyTimestamp(log, fields, "eventTime")
	if et := getString(fields, "event_type"); et != "" {
		log.EventType = et
	}
	log.StatusCode = getString(fields, "status")
	log.Process = getString(fields, "workload")
	log.Severity = schema.ClampSeverity(fields["severity"])
	log.User = getString(fields, "user")
	log.Host = getString(fields, "host")
	log.Action = schema.MatchAction(getString(fields, "eventName"))

	if cloud, ok := fields["cloud"].(map[string]any); ok {
		log.CloudService = getString(cloud, "service")
		log.CloudAccount = getString(cloud, "account_id")
		log.CloudRegion = getString(cloud, "region")
	}
}

// mapM365 handles Microsoft 365 unified audit payloads.
func (n *Normalizer) mapM365(log *schema.Log, fields map[string]any) {
	log.EventType = "audit"
	if fields == nil {
		return
	}

	n.applyTimestamp(log, fields, "CreationTime")
	if et := getString(fields, "event_type"); et != "" {
		log.EventType = et
	}
	log.StatusCode = getString(fields, "status")
	log.Process = getString(fields, "workload")
	log.Severity = schema.ClampSeverity(fields["severity"])
	log.Action = schema.MatchAction(getString(fields, "Operation"))

	log.User = getString(fields, "user")
	if log.User == "" {
		log.User = getString(fields, "UserId")
	}
}

// mapAD handles Windows / Active Directory security payloads.
func (n *Normalizer) mapAD(log *schema.Log, fields map[string]any) {
	log.EventType = "authentication"
	log.Action = schema.ActionAlert
	if fields == nil {
		return
	}

	n.applyTimestamp(log, fields, "TimeCreated")
	if et := getString(fields, "event_type"); et != "" {
		log.EventType = et
	}
	log.Severity = schema.ClampSeverity(fields["severity"])
	log.User = getString(fields, "user")
	log.Host = getString(fields, "host")

	// 4624: successful interactive logon.
	eventID := getString(fields, "EventID")
	if eventID == "" {
		eventID = getString(fields, "eventId")
	}
	if eventID == "4624" {
		log.Action = schema.ActionLogin
	}
}

// mapCrowdStrike handles EDR detection payloads.
func (n *Normalizer) mapCrowdStrike(log *schema.Log, fields map[string]any) {
	log.EventType = "alert"
	log.Action = schema.ActionAlert
	if fields == nil {
		return
	}

	if !n.applyTimestamp(log, fields, "@timestamp") {
		n.applyTimestamp(log, fields, "timestamp")
	}
	if et := getString(fields, "event_type"); et != "" {
		log.EventType = et
	}
	log.Severity = schema.ClampSeverity(fields["severity"])
	log.User = getString(fields, "user")
	log.Host = getString(fields, "host")
	log.Process = getString(fields, "process")
	log.Reason = getString(fields, "reason")

	verb := getString(fields, "event_action")
	if verb == "" {
		verb = getString(fields, "behavior")
	}
	if action := schema.MatchAction(verb); action != "" {
		log.Action = action
	}
}

// applyTimestamp sets log.TS from the named field when it parses, and
// reports whether it did. The ingestion-time fallback stays otherwise.
func (n *Normalizer) applyTimestamp(log *schema.Log, fields map[string]any, key string) bool {
	s := getString(fields, key)
	if s == "" {
		return false
	}
	ts, ok := parseTimestamp(s)
	if !ok {
		return false
	}
	log.TS = ts
	return true
}
