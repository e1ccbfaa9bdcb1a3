// Package schema defines the canonical log schema for the pipeline.
// Every payload, regardless of origin, is normalized to this structure
// before storage and rule evaluation.
package schema

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source identifies the kind of system a payload came from.
type Source string

const (
	SourceAPI         Source = "API"
	SourceFirewall    Source = "FIREWALL"
	SourceNetwork     Source = "NETWORK"
	SourceAWS         Source = "AWS"
	SourceM365        Source = "M365"
	SourceAD          Source = "AD"
	SourceCrowdStrike Source = "CROWDSTRIKE"
)

// IsValid checks if the source is a known value.
func (s Source) IsValid() bool {
	switch s {
	case SourceAPI, SourceFirewall, SourceNetwork, SourceAWS, SourceM365, SourceAD, SourceCrowdStrike:
		return true
	}
	return false
}

// ParseSource maps a string to a Source, case-insensitively.
func ParseSource(s string) (Source, bool) {
	src := Source(strings.ToUpper(strings.TrimSpace(s)))
	return src, src.IsValid()
}

// Action is the normalized verb of a log.
type Action string

const (
	ActionAllow  Action = "ALLOW"
	ActionDeny   Action = "DENY"
	ActionCreate Action = "CREATE"
	ActionDelete Action = "DELETE"
	ActionLogin  Action = "LOGIN"
	ActionLogout Action = "LOGOUT"
	ActionAlert  Action = "ALERT"
)

// IsValid checks if the action is a known value.
func (a Action) IsValid() bool {
	switch a {
	case ActionAllow, ActionDeny, ActionCreate, ActionDelete, ActionLogin, ActionLogout, ActionAlert:
		return true
	}
	return false
}

// Log is the canonical log record.
// Created once by the normalizer and immutable afterwards; deleted only by
// the retention sweeper.
type Log struct {
	// Required fields
	LogID  uuid.UUID `json:"log_id" validate:"required"`
	Tenant string    `json:"tenant" validate:"required,max=256"`
	Source Source    `json:"source" validate:"required"`
	TS     time.Time `json:"ts" validate:"required"`

	// Optional normalized fields; absent means the source payload did not
	// carry the information in a parseable form.
	EventType    string  `json:"event_type,omitempty"`
	EventSubtype string  `json:"event_subtype,omitempty"`
	Severity     *int    `json:"severity,omitempty"`
	Action       Action  `json:"action,omitempty"`
	User         string  `json:"user,omitempty"`
	Host         string  `json:"host,omitempty"`
	Process      string  `json:"process,omitempty"`
	SrcIP        string  `json:"src_ip,omitempty"`
	SrcPort      *int    `json:"src_port,omitempty"`
	DstIP        string  `json:"dst_ip,omitempty"`
	DstPort      *int    `json:"dst_port,omitempty"`
	Protocol     string  `json:"protocol,omitempty"`
	URL          string  `json:"url,omitempty"`
	HTTPMethod   string  `json:"http_method,omitempty"`
	StatusCode   string  `json:"status_code,omitempty"`
	RuleName     string  `json:"rule_name,omitempty"`
	RuleID       string  `json:"rule_id,omitempty"`
	IP           string  `json:"ip,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	CloudAccount string  `json:"cloud_account_id,omitempty"`
	CloudRegion  string  `json:"cloud_region,omitempty"`
	CloudService string  `json:"cloud_service,omitempty"`

	// Raw preserves the original payload verbatim. Non-JSON payloads are
	// wrapped as {"value": "<payload>"} so nothing is ever lost.
	Raw json.RawMessage `json:"raw,omitempty"`

	// Tags always contains at least the lowercase source name.
	Tags []string `json:"tags,omitempty"`

	// Internal fields set by the system
	ReceivedAt time.Time `json:"received_at"`
}

// WrapRaw returns payload unchanged when it already is valid JSON, and
// otherwise wraps it as a {"value": ...} object.
func WrapRaw(payload []byte) json.RawMessage {
	if json.Valid(payload) && len(payload) > 0 {
		raw := make(json.RawMessage, len(payload))
		copy(raw, payload)
		return raw
	}
	wrapped, err := json.Marshal(map[string]string{"value": string(payload)})
	if err != nil {
		return json.RawMessage(`{"value":""}`)
	}
	return wrapped
}

// ClampSeverity coerces a numeric-like value into the [0,10] severity range.
// Returns nil for absent, non-numeric, or non-finite input; the record is
// never rejected because of a bad severity.
func ClampSeverity(v any) *int {
	var f float64
	switch n := v.(type) {
	case nil:
		return nil
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint8:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}

	sev := int(f)
	if sev < 0 {
		sev = 0
	}
	if sev > 10 {
		sev = 10
	}
	return &sev
}

// MatchAction fuzzy-matches an arbitrary verb string against the canonical
// action set. The empty Action is returned when nothing matches.
func MatchAction(s string) Action {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return ""
	}
	switch {
	case strings.Contains(v, "logout") || strings.Contains(v, "logoff"):
		return ActionLogout
	case strings.Contains(v, "login") || strings.Contains(v, "logon"):
		return ActionLogin
	case strings.Contains(v, "allow") || strings.Contains(v, "permit") || strings.Contains(v, "accept"):
		return ActionAllow
	case strings.Contains(v, "deny") || strings.Contains(v, "block") || strings.Contains(v, "reject") || strings.Contains(v, "drop"):
		return ActionDeny
	case strings.Contains(v, "create"):
		return ActionCreate
	case strings.Contains(v, "delete") || strings.Contains(v, "remove"):
		return ActionDelete
	case strings.Contains(v, "alert") || strings.Contains(v, "detect"):
		return ActionAlert
	}
	return ""
}
