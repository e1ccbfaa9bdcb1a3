package rules

import (
	"time"

	"github.com/google/uuid"
)

// AlertStatus tracks the triage lifecycle of an alert.
type AlertStatus string

const (
	AlertStatusNew      AlertStatus = "NEW"
	AlertStatusAck      AlertStatus = "ACK"
	AlertStatusResolved AlertStatus = "RESOLVED"
)

// Alert is raised by the engine when a rule's condition passes the rate
// gate. Status transitions after creation are an administrative concern.
type Alert struct {
	ID          string      `json:"id"`
	Tenant      string      `json:"tenant"`
	RuleName    string      `json:"rule_name"`
	Status      AlertStatus `json:"status"`
	Severity    *int        `json:"severity,omitempty"`
	LogID       string      `json:"log_id,omitempty"`
	TriggeredAt time.Time   `json:"triggered_at"`
}

// NewAlert creates an alert in the NEW state with a fresh ID.
func NewAlert(tenant, ruleName string, severity *int, logID string, at time.Time) *Alert {
	return &Alert{
		ID:          uuid.NewString(),
		Tenant:      tenant,
		RuleName:    ruleName,
		Status:      AlertStatusNew,
		Severity:    severity,
		LogID:       logID,
		TriggeredAt: at,
	}
}
