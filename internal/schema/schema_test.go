package schema

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestClampSeverity(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  *int
	}{
		{name: "in range", input: float64(7), want: intPtr(7)},
		{name: "zero", input: float64(0), want: intPtr(0)},
		{name: "above range", input: float64(42), want: intPtr(10)},
		{name: "below range", input: float64(-3), want: intPtr(0)},
		{name: "numeric string", input: "9", want: intPtr(9)},
		{name: "numeric string out of range", input: "11", want: intPtr(10)},
		{name: "json number", input: json.Number("4"), want: intPtr(4)},
		{name: "garbage string", input: "critical", want: nil},
		{name: "nil", input: nil, want: nil},
		{name: "NaN", input: math.NaN(), want: nil},
		{name: "positive infinity", input: math.Inf(1), want: nil},
		{name: "bool", input: true, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClampSeverity(tt.input)
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("ClampSeverity(%v) = %v, want %v", tt.input, got, tt.want)
			}
			if got != nil && *got != *tt.want {
				t.Errorf("ClampSeverity(%v) = %d, want %d", tt.input, *got, *tt.want)
			}
		})
	}
}

func TestMatchAction(t *testing.T) {
	tests := []struct {
		input string
		want  Action
	}{
		{"allow", ActionAllow},
		{"Allowed", ActionAllow},
		{"deny", ActionDeny},
		{"BLOCKED", ActionDeny},
		{"drop", ActionDeny},
		{"UserLoggedIn... login", ActionLogin},
		{"logon", ActionLogin},
		{"logout", ActionLogout},
		{"logoff", ActionLogout},
		{"create", ActionCreate},
		{"DeleteObject... delete", ActionDelete},
		{"detect", ActionAlert},
		{"alerted", ActionAlert},
		{"", ""},
		{"frobnicate", ""},
	}

	for _, tt := range tests {
		if got := MatchAction(tt.input); got != tt.want {
			t.Errorf("MatchAction(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestWrapRaw(t *testing.T) {
	t.Run("valid JSON preserved verbatim", func(t *testing.T) {
		in := []byte(`{"a":1,"b":[true,null]}`)
		got := WrapRaw(in)
		if string(got) != string(in) {
			t.Errorf("WrapRaw changed JSON payload: %s", got)
		}
	})

	t.Run("plain text wrapped", func(t *testing.T) {
		got := WrapRaw([]byte("<34>Oct 11 raw line"))
		var outer map[string]string
		if err := json.Unmarshal(got, &outer); err != nil {
			t.Fatalf("wrapped payload is not JSON: %v", err)
		}
		if outer["value"] != "<34>Oct 11 raw line" {
			t.Errorf("value = %q", outer["value"])
		}
	})

	t.Run("empty payload wrapped", func(t *testing.T) {
		got := WrapRaw(nil)
		if !json.Valid(got) {
			t.Errorf("wrapped empty payload is not JSON: %s", got)
		}
	})
}

func TestValidator(t *testing.T) {
	v := NewValidator()

	valid := func() *Log {
		return &Log{
			LogID:      uuid.New(),
			Tenant:     "acme",
			Source:     SourceFirewall,
			TS:         time.Now().UTC(),
			ReceivedAt: time.Now().UTC(),
		}
	}

	t.Run("valid log", func(t *testing.T) {
		if err := v.Validate(valid()); err != nil {
			t.Errorf("Validate() = %v, want nil", err)
		}
	})

	t.Run("missing tenant", func(t *testing.T) {
		log := valid()
		log.Tenant = ""
		if err := v.Validate(log); err == nil {
			t.Error("Validate() = nil, want error")
		}
	})

	t.Run("unknown source", func(t *testing.T) {
		log := valid()
		log.Source = "SNMP"
		if err := v.Validate(log); err == nil {
			t.Error("Validate() = nil, want error")
		}
	})

	t.Run("old timestamp accepted by default", func(t *testing.T) {
		log := valid()
		log.TS = time.Now().UTC().Add(-365 * 24 * time.Hour)
		if err := v.Validate(log); err != nil {
			t.Errorf("Validate() = %v, want nil", err)
		}
	})
}

func TestValidatorTimestampWindow(t *testing.T) {
	v := NewValidatorWithConfig(ValidatorConfig{
		MaxAge:    30 * 24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	})

	valid := func() *Log {
		return &Log{
			LogID:      uuid.New(),
			Tenant:     "acme",
			Source:     SourceFirewall,
			TS:         time.Now().UTC(),
			ReceivedAt: time.Now().UTC(),
		}
	}

	t.Run("in window", func(t *testing.T) {
		if err := v.Validate(valid()); err != nil {
			t.Errorf("Validate() = %v, want nil", err)
		}
	})

	t.Run("too old", func(t *testing.T) {
		log := valid()
		log.TS = time.Now().UTC().Add(-365 * 24 * time.Hour)
		if err := v.Validate(log); err == nil {
			t.Error("Validate() = nil, want error")
		}
	})

	t.Run("in future", func(t *testing.T) {
		log := valid()
		log.TS = time.Now().UTC().Add(time.Hour)
		if err := v.Validate(log); err == nil {
			t.Error("Validate() = nil, want error")
		}
	})
}

func TestParseSource(t *testing.T) {
	if src, ok := ParseSource("crowdstrike"); !ok || src != SourceCrowdStrike {
		t.Errorf("ParseSource(crowdstrike) = %q, %v", src, ok)
	}
	if _, ok := ParseSource("mainframe"); ok {
		t.Error("ParseSource(mainframe) should not be valid")
	}
}

func intPtr(v int) *int { return &v }
