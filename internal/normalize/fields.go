package normalize

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// decodeObject unmarshals payload into a generic map. Returns nil for
// anything that is not a JSON object, arrays and scalars included.
func decodeObject(payload []byte) map[string]any {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil
	}
	return fields
}

// getString reads a field as a string, stringifying numbers so that
// payloads carrying e.g. EventID as 4624 or "4624" behave identically.
func getString(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// firstKV returns the first non-empty value among the given keys.
func firstKV(kv map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := kv[k]; v != "" {
			return v
		}
	}
	return ""
}

// parsePort converts a decimal port string, discarding out-of-range values.
func parsePort(s string) *int {
	if s == "" {
		return nil
	}
	p, err := strconv.Atoi(s)
	if err != nil || p < 0 || p > 65535 {
		return nil
	}
	return &p
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTimestamp tries the timestamp formats seen across the supported
// sources. Unparseable input reports false so the caller keeps the
// ingestion-time fallback.
func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// parseSyslogTime parses the classic "Jan _2 15:04:05" prefix. The format
// carries no year, so the current one is assumed.
func parseSyslogTime(s string, now time.Time) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.Stamp, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts.AddDate(now.Year(), 0, 0).UTC(), true
}
