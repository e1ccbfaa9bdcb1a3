package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fisheeesh/lms-sub000/internal/notify"
	"github.com/fisheeesh/lms-sub000/internal/schema"
)

// RuleSource supplies the enabled rules for a tenant.
type RuleSource interface {
	EnabledForTenant(ctx context.Context, tenant string) ([]*Rule, error)
}

// LogCounter counts stored logs at or above a severity since a point in
// time. Backs volume rules (MinCount > 1).
type LogCounter interface {
	CountSince(ctx context.Context, tenant string, minSeverity int, since time.Time) (uint64, error)
}

// AlertSink persists alerts and answers the rate-gate query.
type AlertSink interface {
	Create(ctx context.Context, alert *Alert) error
	RecentlyTriggered(ctx context.Context, tenant, ruleName string, since time.Time) (bool, error)
}

// Enqueuer admits a job to the notification queue. The boolean reports
// whether the job was newly enqueued (false means a job with the same ID
// already exists).
type Enqueuer interface {
	Enqueue(ctx context.Context, job *notify.Job) (bool, error)
}

// EngineConfig holds engine settings.
type EngineConfig struct {
	// NotifyTo is the recipient for alert emails.
	NotifyTo string `yaml:"notify_to"`
}

// DefaultEngineConfig returns sensible engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		NotifyTo: "soc@localhost",
	}
}

// EngineMetrics tracks evaluation statistics.
type EngineMetrics struct {
	Evaluated  uint64 `json:"evaluated"`
	Fired      uint64 `json:"fired"`
	Suppressed uint64 `json:"suppressed"`
	Errors     uint64 `json:"errors"`
}

// Engine evaluates enabled rules against newly persisted logs.
type Engine struct {
	config  EngineConfig
	rules   RuleSource
	counter LogCounter
	alerts  AlertSink
	queue   Enqueuer
	logger  *slog.Logger
	now     func() time.Time

	evaluated  uint64
	fired      uint64
	suppressed uint64
	errors     uint64
}

// NewEngine creates an Engine. counter may be nil when no volume rules
// are configured; a volume rule evaluated without a counter is skipped
// with a warning.
func NewEngine(config EngineConfig, rules RuleSource, counter LogCounter, alerts AlertSink, queue Enqueuer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		config:  config,
		rules:   rules,
		counter: counter,
		alerts:  alerts,
		queue:   queue,
		logger:  logger,
		now:     time.Now,
	}
}

// Evaluate runs every enabled rule for the log's tenant and returns the
// alerts raised. Rules are independent: a failure evaluating one rule is
// logged and does not stop the others.
func (e *Engine) Evaluate(ctx context.Context, log *schema.Log) ([]*Alert, error) {
	atomic.AddUint64(&e.evaluated, 1)

	tenantRules, err := e.rules.EnabledForTenant(ctx, log.Tenant)
	if err != nil {
		atomic.AddUint64(&e.errors, 1)
		return nil, fmt.Errorf("load rules for tenant %s: %w", log.Tenant, err)
	}
	if len(tenantRules) == 0 {
		return nil, nil
	}

	var raised []*Alert
	for _, rule := range tenantRules {
		alert, err := e.evaluateRule(ctx, rule, log)
		if err != nil {
			atomic.AddUint64(&e.errors, 1)
			e.logger.Error("rule evaluation failed",
				"tenant", log.Tenant,
				"rule", rule.Name,
				"error", err)
			continue
		}
		if alert != nil {
			raised = append(raised, alert)
		}
	}
	return raised, nil
}

func (e *Engine) evaluateRule(ctx context.Context, rule *Rule, log *schema.Log) (*Alert, error) {
	if rule.Threshold == nil {
		e.logger.Warn("rule has no threshold and can never fire",
			"tenant", rule.Tenant,
			"rule", rule.Name)
		return nil, nil
	}

	matched, err := e.conditionMet(ctx, rule, log)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, nil
	}

	now := e.now()

	// Rate gate: one alert per (tenant, rule) per gate window.
	if gate := rule.EffectiveGate(); gate > 0 {
		recent, err := e.alerts.RecentlyTriggered(ctx, rule.Tenant, rule.Name, now.Add(-gate))
		if err != nil {
			return nil, fmt.Errorf("rate gate check: %w", err)
		}
		if recent {
			atomic.AddUint64(&e.suppressed, 1)
			e.logger.Debug("alert suppressed by rate gate",
				"tenant", rule.Tenant,
				"rule", rule.Name)
			return nil, nil
		}
	}

	alert := NewAlert(rule.Tenant, rule.Name, log.Severity, log.LogID.String(), now)
	if err := e.alerts.Create(ctx, alert); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	atomic.AddUint64(&e.fired, 1)

	if err := e.enqueueNotification(ctx, alert, log); err != nil {
		// The alert stands even when the notification cannot be
		// enqueued; delivery failure never re-raises an alert and
		// enqueue failure never undoes one.
		e.logger.Error("failed to enqueue alert notification",
			"tenant", alert.Tenant,
			"rule", alert.RuleName,
			"alert_id", alert.ID,
			"error", err)
	}

	e.logger.Info("alert raised",
		"tenant", alert.Tenant,
		"rule", alert.RuleName,
		"alert_id", alert.ID,
		"log_id", alert.LogID)
	return alert, nil
}

// conditionMet applies the severity-threshold condition, optionally
// widened to a rolling count window when MinCount asks for more than a
// single qualifying log.
func (e *Engine) conditionMet(ctx context.Context, rule *Rule, log *schema.Log) (bool, error) {
	if log.Severity == nil || *log.Severity < *rule.Threshold {
		return false, nil
	}
	if rule.MinCount <= 1 {
		return true, nil
	}

	if e.counter == nil {
		e.logger.Warn("volume rule configured without a log counter",
			"tenant", rule.Tenant,
			"rule", rule.Name)
		return false, nil
	}
	if rule.WindowSeconds <= 0 {
		e.logger.Warn("volume rule has no window",
			"tenant", rule.Tenant,
			"rule", rule.Name)
		return false, nil
	}

	since := e.now().Add(-time.Duration(rule.WindowSeconds) * time.Second)
	count, err := e.counter.CountSince(ctx, rule.Tenant, *rule.Threshold, since)
	if err != nil {
		return false, fmt.Errorf("count window: %w", err)
	}
	return count >= uint64(rule.MinCount), nil
}

func (e *Engine) enqueueNotification(ctx context.Context, alert *Alert, log *schema.Log) error {
	if e.queue == nil {
		return nil
	}

	job, err := notify.NewAlertEmailJob(notify.EmailPayload{
		To:        e.config.NotifyTo,
		AlertID:   alert.ID,
		Tenant:    alert.Tenant,
		RuleName:  alert.RuleName,
		Severity:  alert.Severity,
		LogID:     alert.LogID,
		Source:    string(log.Source),
		EventType: log.EventType,
	})
	if err != nil {
		return err
	}

	enqueued, err := e.queue.Enqueue(ctx, job)
	if err != nil {
		return err
	}
	if !enqueued {
		e.logger.Debug("notification already enqueued",
			"job_id", job.JobID)
	}
	return nil
}

// Metrics returns a snapshot of evaluation counters.
func (e *Engine) Metrics() EngineMetrics {
	return EngineMetrics{
		Evaluated:  atomic.LoadUint64(&e.evaluated),
		Fired:      atomic.LoadUint64(&e.fired),
		Suppressed: atomic.LoadUint64(&e.suppressed),
		Errors:     atomic.LoadUint64(&e.errors),
	}
}
