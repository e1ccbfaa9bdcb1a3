package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fisheeesh/lms-sub000/internal/normalize"
	"github.com/fisheeesh/lms-sub000/internal/queue"
	"github.com/fisheeesh/lms-sub000/internal/schema"
)

func newTestHandler(queueSize int) (*Handler, *queue.RingBuffer) {
	q := queue.NewRingBuffer(queueSize)
	h := NewHandler(normalize.New(normalize.DefaultConfig()), schema.NewValidator(), q)
	return h, q
}

func postLogs(t *testing.T, h *Handler, body string, headers map[string]string) (*httptest.ResponseRecorder, IngestResponse) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/v1/logs", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.HandleLogs(rec, req)

	var resp IngestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response unmarshal: %v (body %s)", err, rec.Body.String())
	}
	return rec, resp
}

func TestHandleLogsAccepts(t *testing.T) {
	h, q := newTestHandler(16)

	body := `{"tenant":"acme","source":"AD","logs":[{"EventID":"4624","user":"alice","host":"DC1","severity":3}]}`
	rec, resp := postLogs(t, h, body, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if !resp.Success || resp.Accepted != 1 || resp.Rejected != 0 {
		t.Fatalf("resp = %+v, want 1 accepted", resp)
	}

	log, err := q.Pop()
	if err != nil {
		t.Fatalf("queue Pop: %v", err)
	}
	if log.Tenant != "acme" || log.Source != schema.SourceAD {
		t.Errorf("queued log tenant/source = %q/%q", log.Tenant, log.Source)
	}
	if log.Action != schema.ActionLogin {
		t.Errorf("action = %q, want LOGIN", log.Action)
	}
	if log.User != "alice" {
		t.Errorf("user = %q, want alice", log.User)
	}
}

func TestHandleLogsPerItemSource(t *testing.T) {
	h, q := newTestHandler(16)

	body := `{"tenant":"acme","source":"API","logs":[{"source":"CROWDSTRIKE","severity":9},{"action":"login"}]}`
	rec, resp := postLogs(t, h, body, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp.Accepted != 2 {
		t.Fatalf("accepted = %d, want 2", resp.Accepted)
	}

	first, _ := q.Pop()
	second, _ := q.Pop()
	if first.Source != schema.SourceCrowdStrike {
		t.Errorf("first source = %q, want CROWDSTRIKE override", first.Source)
	}
	if second.Source != schema.SourceAPI {
		t.Errorf("second source = %q, want API request default", second.Source)
	}
}

func TestHandleLogsTenantHeader(t *testing.T) {
	h, q := newTestHandler(16)

	body := `{"source":"API","logs":[{"severity":1}]}`
	_, resp := postLogs(t, h, body, map[string]string{"X-Tenant-ID": "globex"})

	if resp.Accepted != 1 {
		t.Fatalf("accepted = %d, want 1", resp.Accepted)
	}
	log, _ := q.Pop()
	if log.Tenant != "globex" {
		t.Errorf("tenant = %q, want globex from header", log.Tenant)
	}
}

func TestHandleLogsUnknownSource(t *testing.T) {
	h, _ := newTestHandler(16)

	body := `{"tenant":"acme","source":"NOPE","logs":[{"severity":1}]}`
	rec, resp := postLogs(t, h, body, nil)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if resp.Rejected != 1 || resp.Accepted != 0 {
		t.Errorf("resp = %+v, want 1 rejected", resp)
	}
	if len(resp.Errors) != 1 || !strings.Contains(resp.Errors[0], "unknown source") {
		t.Errorf("errors = %v, want unknown source", resp.Errors)
	}
}

func TestHandleLogsPartialBatch(t *testing.T) {
	h, _ := newTestHandler(16)

	body := `{"tenant":"acme","logs":[{"source":"API","severity":1},{"severity":2}]}`
	rec, resp := postLogs(t, h, body, nil)

	if rec.Code != http.StatusMultiStatus {
		t.Errorf("status = %d, want 207 for partial success", rec.Code)
	}
	if resp.Accepted != 1 || resp.Rejected != 1 {
		t.Errorf("resp = %+v, want 1 accepted 1 rejected", resp)
	}
}

func TestHandleLogsEmptyBatch(t *testing.T) {
	h, _ := newTestHandler(16)

	rec, _ := postLogs(t, h, `{"tenant":"acme","source":"API","logs":[]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for empty batch", rec.Code)
	}
}

func TestHandleLogsInvalidJSON(t *testing.T) {
	h, _ := newTestHandler(16)

	req := httptest.NewRequest(http.MethodPost, "/v1/logs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.HandleLogs(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleLogsBatchLimit(t *testing.T) {
	h, _ := newTestHandler(16)
	h.WithMaxBatch(2)

	body := `{"tenant":"acme","source":"API","logs":[{},{},{}]}`
	rec, _ := postLogs(t, h, body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 when over batch limit", rec.Code)
	}
}

func TestHandleLogsQueueFull(t *testing.T) {
	h, q := newTestHandler(1)

	body := `{"tenant":"acme","source":"API","logs":[{"severity":1},{"severity":2}]}`
	rec, resp := postLogs(t, h, body, nil)

	if rec.Code != http.StatusMultiStatus {
		t.Errorf("status = %d, want 207", rec.Code)
	}
	if resp.Accepted != 1 || resp.Rejected != 1 {
		t.Errorf("resp = %+v, want 1 accepted 1 rejected", resp)
	}
	if q.Len() != 1 {
		t.Errorf("queue len = %d, want 1", q.Len())
	}
}

func TestHandleLogsRawPreserved(t *testing.T) {
	h, q := newTestHandler(16)

	item := `{"source":"AWS","eventTime":"2026-01-05T00:00:00Z","custom_field":{"nested":true}}`
	body := `{"tenant":"acme","logs":[` + item + `]}`
	if _, resp := postLogs(t, h, body, nil); resp.Accepted != 1 {
		t.Fatalf("accepted = %d, want 1", resp.Accepted)
	}

	log, _ := q.Pop()
	if string(log.Raw) != item {
		t.Errorf("raw = %s, want verbatim item payload", log.Raw)
	}
}

func TestHealthCheck(t *testing.T) {
	h, _ := newTestHandler(16)

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestHandler(16)

	body := `{"tenant":"acme","source":"API","logs":[{"severity":1}]}`
	postLogs(t, h, body, nil)

	rec := httptest.NewRecorder()
	h.Metrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	out := rec.Body.String()
	if !strings.Contains(out, "lms_logs_total 1") {
		t.Errorf("metrics output missing lms_logs_total:\n%s", out)
	}
	if !strings.Contains(out, "lms_queue_depth 1") {
		t.Errorf("metrics output missing queue depth:\n%s", out)
	}
}

type fakeRejectSink struct {
	tenants  []string
	payloads []string
	errs     [][]string
	failWith error
}

func (f *fakeRejectSink) WriteReject(_ context.Context, tenant, _, payload string, errs []string) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.tenants = append(f.tenants, tenant)
	f.payloads = append(f.payloads, payload)
	f.errs = append(f.errs, errs)
	return nil
}

func TestHandleLogsRecordsRejects(t *testing.T) {
	h, _ := newTestHandler(16)
	sink := &fakeRejectSink{}
	h = h.WithRejectSink(sink)

	// A tenant over the schema limit fails validation for that item.
	longTenant := strings.Repeat("x", 300)
	body := fmt.Sprintf(`{"tenant":"acme","source":"FIREWALL","logs":[{"tenant":%q,"action":"deny"}]}`, longTenant)
	rec, resp := postLogs(t, h, body, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
	}
	if resp.Rejected != 1 {
		t.Fatalf("rejected = %d, want 1", resp.Rejected)
	}

	if len(sink.tenants) != 1 {
		t.Fatalf("sink recorded %d rejects, want 1", len(sink.tenants))
	}
	if sink.tenants[0] != longTenant {
		t.Errorf("reject tenant = %q, want the offending tenant", sink.tenants[0])
	}
	if !strings.Contains(sink.payloads[0], `"action":"deny"`) {
		t.Errorf("reject payload = %q, want original item", sink.payloads[0])
	}
	if len(sink.errs[0]) == 0 {
		t.Error("reject recorded without validation errors")
	}
}

func TestHandleLogsRejectSinkFailureIsBestEffort(t *testing.T) {
	h, _ := newTestHandler(16)
	h = h.WithRejectSink(&fakeRejectSink{failWith: errors.New("clickhouse down")})

	body := fmt.Sprintf(`{"tenant":"acme","source":"FIREWALL","logs":[{"tenant":%q},{"action":"deny","severity":3}]}`, strings.Repeat("x", 300))
	rec, resp := postLogs(t, h, body, nil)

	// The sink failing must not change the ingest outcome.
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("status = %d, want 207 (body %s)", rec.Code, rec.Body.String())
	}
	if resp.Accepted != 1 || resp.Rejected != 1 {
		t.Fatalf("resp = %+v, want 1 accepted 1 rejected", resp)
	}
}
