package internal_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fisheeesh/lms-sub000/internal/ingest"
	"github.com/fisheeesh/lms-sub000/internal/normalize"
	"github.com/fisheeesh/lms-sub000/internal/notify"
	"github.com/fisheeesh/lms-sub000/internal/pipeline"
	"github.com/fisheeesh/lms-sub000/internal/queue"
	"github.com/fisheeesh/lms-sub000/internal/rules"
	"github.com/fisheeesh/lms-sub000/internal/schema"
)

// captureWriter stands in for the batch writer.
type captureWriter struct {
	mu   sync.Mutex
	logs []*schema.Log
}

func (w *captureWriter) Write(log *schema.Log) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logs = append(w.logs, log)
	return nil
}

func (w *captureWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.logs)
}

// captureSink stands in for the alert store.
type captureSink struct {
	mu     sync.Mutex
	alerts []*rules.Alert
}

func (s *captureSink) Create(_ context.Context, alert *rules.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *captureSink) RecentlyTriggered(_ context.Context, tenant, ruleName string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.Tenant == tenant && a.RuleName == ruleName && !a.TriggeredAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

// captureEnqueuer stands in for the Redis-backed job queue.
type captureEnqueuer struct {
	mu   sync.Mutex
	jobs map[string]*notify.Job
}

func (e *captureEnqueuer) Enqueue(_ context.Context, job *notify.Job) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.jobs == nil {
		e.jobs = make(map[string]*notify.Job)
	}
	if _, dup := e.jobs[job.JobID]; dup {
		return false, nil
	}
	e.jobs[job.JobID] = job
	return true, nil
}

func (e *captureEnqueuer) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intPtr(v int) *int { return &v }

// End to end over HTTP: submitted logs are normalized, persisted, and a
// matching rule raises exactly one alert with one notification job, the
// burst suppressed by the rate gate.
func TestHTTPIngestToAlert(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logQueue := queue.NewRingBuffer(1000)
	normalizer := normalize.New(normalize.DefaultConfig())
	validator := schema.NewValidator()

	writer := &captureWriter{}
	sink := &captureSink{}
	enqueuer := &captureEnqueuer{}

	source := rules.NewStaticSource([]*rules.Rule{{
		ID:            "sev-high",
		Tenant:        "acme",
		Name:          "High severity",
		Enabled:       true,
		Threshold:     intPtr(5),
		WindowSeconds: 60,
	}})
	engine := rules.NewEngine(rules.EngineConfig{NotifyTo: "soc@example.com"},
		source, nil, sink, enqueuer, quietLogger())

	// One worker keeps evaluation sequential so the gate assertion below
	// is deterministic.
	pipe := pipeline.New(pipeline.Config{Workers: 1, ShutdownWait: 5 * time.Second},
		logQueue, writer, engine, nil, quietLogger())
	pipe.Start(ctx)

	handler := ingest.NewHandler(normalizer, validator, logQueue)
	server := httptest.NewServer(http.HandlerFunc(handler.HandleLogs))
	defer server.Close()

	body := `{
		"tenant": "acme",
		"source": "FIREWALL",
		"logs": [
			{"action": "deny", "severity": 8, "src_ip": "10.0.0.1"},
			{"action": "deny", "severity": 9, "src_ip": "10.0.0.2"},
			{"action": "allow", "severity": 2, "src_ip": "10.0.0.3"}
		]
	}`
	resp, err := http.Post(server.URL, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, data)
	}

	var ingestResp ingest.IngestResponse
	if err := json.NewDecoder(resp.Body).Decode(&ingestResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if ingestResp.Accepted != 3 {
		t.Fatalf("accepted = %d, want 3", ingestResp.Accepted)
	}

	waitFor(t, 3*time.Second, func() bool { return writer.count() == 3 })

	// Two logs exceed the threshold, but the gate admits only the first.
	waitFor(t, 3*time.Second, func() bool { return sink.count() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := sink.count(); got != 1 {
		t.Errorf("alerts = %d, want 1 (burst suppressed)", got)
	}
	if got := enqueuer.count(); got != 1 {
		t.Errorf("notification jobs = %d, want 1", got)
	}

	logQueue.Close()
	pipe.Stop()
}

// Syslog over UDP: a raw KV line lands in the store with parsed fields.
func TestUDPSyslogIngest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logQueue := queue.NewRingBuffer(100)
	normalizer := normalize.New(normalize.DefaultConfig())
	validator := schema.NewValidator()
	writer := &captureWriter{}

	cfg := ingest.DefaultSyslogConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.Tenant = "acme"
	cfg.Workers = 2

	udp := ingest.NewUDPServer(cfg, normalizer, validator, logQueue)
	if err := udp.Start(ctx); err != nil {
		t.Fatalf("start udp server: %v", err)
	}
	defer udp.Stop()

	pipe := pipeline.New(pipeline.Config{Workers: 1, ShutdownWait: 5 * time.Second},
		logQueue, writer, nil, nil, quietLogger())
	pipe.Start(ctx)

	conn, err := net.Dial("udp", udp.Addr().String())
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer conn.Close()

	line := fmt.Sprintf("<134>%s fw01 kernel: action=deny src=10.0.0.1 dst=192.168.1.5 dpt=443 proto=tcp severity=7",
		time.Now().Format("Jan  2 15:04:05"))
	if _, err := conn.Write([]byte(line)); err != nil {
		t.Fatalf("write datagram: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return writer.count() == 1 })

	writer.mu.Lock()
	log := writer.logs[0]
	writer.mu.Unlock()

	if log.Tenant != "acme" {
		t.Errorf("tenant = %q, want acme", log.Tenant)
	}
	if log.Source != schema.SourceFirewall {
		t.Errorf("source = %q, want FIREWALL", log.Source)
	}
	if log.SrcIP != "10.0.0.1" {
		t.Errorf("src_ip = %q, want 10.0.0.1", log.SrcIP)
	}
	if log.Action != schema.ActionDeny {
		t.Errorf("action = %q, want DENY", log.Action)
	}
	if log.Severity == nil || *log.Severity != 7 {
		t.Errorf("severity = %v, want 7", log.Severity)
	}

	logQueue.Close()
	pipe.Stop()
}

// A full queue rejects HTTP submissions instead of blocking the listener.
func TestQueueBackpressure(t *testing.T) {
	logQueue := queue.NewRingBuffer(1)
	normalizer := normalize.New(normalize.DefaultConfig())
	validator := schema.NewValidator()

	handler := ingest.NewHandler(normalizer, validator, logQueue)
	server := httptest.NewServer(http.HandlerFunc(handler.HandleLogs))
	defer server.Close()

	body := `{
		"tenant": "acme",
		"source": "FIREWALL",
		"logs": [
			{"action": "deny", "severity": 3},
			{"action": "deny", "severity": 3},
			{"action": "deny", "severity": 3}
		]
	}`
	resp, err := http.Post(server.URL, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var ingestResp ingest.IngestResponse
	if err := json.NewDecoder(resp.Body).Decode(&ingestResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if ingestResp.Accepted != 1 {
		t.Errorf("accepted = %d, want 1", ingestResp.Accepted)
	}
	if ingestResp.Rejected != 2 {
		t.Errorf("rejected = %d, want 2", ingestResp.Rejected)
	}
	if resp.StatusCode != http.StatusMultiStatus {
		t.Errorf("status = %d, want 207", resp.StatusCode)
	}
}
