package export

import (
	"encoding/json"
	"strings"

	"github.com/fisheeesh/lms-sub000/internal/schema"
)

// sensitiveKeys are raw-payload field names whose values never leave the
// primary store. The ClickHouse copy keeps the payload verbatim; the
// mirrored stream gets a redacted one.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"access_token":  true,
	"refresh_token": true,
	"private_key":   true,
	"client_secret": true,
	"credentials":   true,
	"authorization": true,
	"session_id":    true,
	"cookie":        true,
}

// redactedValue replaces sensitive values in the mirrored stream.
const redactedValue = "[REDACTED]"

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	if sensitiveKeys[lower] {
		return true
	}
	for k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// redactLog returns a copy of the log whose raw payload has sensitive
// values masked. The original log is never modified. Payloads that do not
// parse as JSON objects pass through unchanged.
func redactLog(log *schema.Log) *schema.Log {
	if len(log.Raw) == 0 {
		return log
	}

	var decoded any
	if err := json.Unmarshal(log.Raw, &decoded); err != nil {
		return log
	}

	redacted, changed := redactValue(decoded)
	if !changed {
		return log
	}

	raw, err := json.Marshal(redacted)
	if err != nil {
		return log
	}

	clone := *log
	clone.Raw = raw
	return &clone
}

// redactValue walks a decoded JSON value, masking values under sensitive
// keys at any depth. Reports whether anything was masked.
func redactValue(v any) (any, bool) {
	switch val := v.(type) {
	case map[string]any:
		changed := false
		for key, inner := range val {
			if isSensitiveKey(key) {
				val[key] = redactedValue
				changed = true
				continue
			}
			replaced, c := redactValue(inner)
			if c {
				val[key] = replaced
				changed = true
			}
		}
		return val, changed
	case []any:
		changed := false
		for i, inner := range val {
			replaced, c := redactValue(inner)
			if c {
				val[i] = replaced
				changed = true
			}
		}
		return val, changed
	default:
		return v, false
	}
}
