// Package notify implements the durable notification job queue and the
// email dispatcher that drains it.
package notify

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job names understood by the queue consumers.
const (
	JobSendAlertEmail     = "send-alert-email"
	JobInvalidateLogCache = "invalidate-log-cache"
)

// Job is one unit of deferred work. JobID is deterministic per logical
// action so re-enqueueing the same action is a no-op.
type Job struct {
	JobID      string          `json:"job_id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// EmailPayload is the payload of a send-alert-email job.
type EmailPayload struct {
	To        string `json:"to"`
	AlertID   string `json:"alertId"`
	Tenant    string `json:"tenant"`
	RuleName  string `json:"ruleName"`
	Severity  *int   `json:"severity,omitempty"`
	LogID     string `json:"logId,omitempty"`
	Source    string `json:"source,omitempty"`
	EventType string `json:"eventType,omitempty"`
}

// NewAlertEmailJob builds the notification job for an alert. The job ID is
// derived from the alert ID, so one alert yields at most one email job no
// matter how many times the engine fires.
func NewAlertEmailJob(p EmailPayload) (*Job, error) {
	if p.AlertID == "" {
		return nil, fmt.Errorf("notify: alert id is required")
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("notify: marshal payload: %w", err)
	}

	return &Job{
		JobID:      fmt.Sprintf("alert:%s:email", p.AlertID),
		Name:       JobSendAlertEmail,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// CachePayload is the payload of an invalidate-log-cache job.
type CachePayload struct {
	Pattern string `json:"pattern"`
}

// NewCacheInvalidationJob builds a cache invalidation job. The sweep time
// keys the job so each retention pass enqueues at most once.
func NewCacheInvalidationJob(pattern string, sweepAt time.Time) (*Job, error) {
	payload, err := json.Marshal(CachePayload{Pattern: pattern})
	if err != nil {
		return nil, fmt.Errorf("notify: marshal payload: %w", err)
	}

	return &Job{
		JobID:      fmt.Sprintf("retention:%d:invalidate", sweepAt.Unix()),
		Name:       JobInvalidateLogCache,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}
