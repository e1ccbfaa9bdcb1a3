package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fisheeesh/lms-sub000/internal/normalize"
	"github.com/fisheeesh/lms-sub000/internal/queue"
	"github.com/fisheeesh/lms-sub000/internal/schema"
)

// Handler accepts structured log payloads over HTTP. Each submitted item
// is kept as raw JSON so the normalizer sees the payload byte for byte.
type Handler struct {
	normalizer    *normalize.Normalizer
	validator     *schema.Validator
	queue         *queue.RingBuffer
	rejects       RejectSink
	maxPayload    int
	maxBatch      int
	defaultTenant string
	startTime     time.Time
	logsTotal     uint64
}

// NewHandler creates an ingest Handler.
func NewHandler(n *normalize.Normalizer, validator *schema.Validator, q *queue.RingBuffer) *Handler {
	return &Handler{
		normalizer:    n,
		validator:     validator,
		queue:         q,
		maxPayload:    10 * 1024 * 1024,
		maxBatch:      1000,
		defaultTenant: "default",
		startTime:     time.Now(),
	}
}

// WithMaxPayload sets the maximum request body size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// WithMaxBatch sets the maximum number of logs per request.
func (h *Handler) WithMaxBatch(size int) *Handler {
	h.maxBatch = size
	return h
}

// WithDefaultTenant sets the tenant used when neither the request body nor
// the X-Tenant-ID header names one.
func (h *Handler) WithDefaultTenant(tenant string) *Handler {
	h.defaultTenant = tenant
	return h
}

// WithRejectSink records validator-refused payloads to the sink.
func (h *Handler) WithRejectSink(sink RejectSink) *Handler {
	h.rejects = sink
	return h
}

// IngestRequest is the request body for POST /v1/logs. Source and Tenant
// set request-level defaults; individual items may carry their own
// "source" field which takes precedence.
type IngestRequest struct {
	Tenant string            `json:"tenant,omitempty"`
	Source string            `json:"source,omitempty"`
	Logs   []json.RawMessage `json:"logs"`
}

// IngestResponse is the response for POST /v1/logs.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// itemEnvelope is the peek used to pull per-item attribution out of a raw
// payload without disturbing it.
type itemEnvelope struct {
	Tenant string `json:"tenant"`
	Source string `json:"source"`
}

// HandleLogs handles POST /v1/logs.
func (h *Handler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if err.Error() == "http: request body too large" {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
		return
	}

	if len(req.Logs) == 0 {
		respondError(w, http.StatusBadRequest, "no logs provided", requestID)
		return
	}
	if len(req.Logs) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	tenant := req.Tenant
	if tenant == "" {
		tenant = r.Header.Get("X-Tenant-ID")
	}
	if tenant == "" {
		tenant = h.defaultTenant
	}

	var accepted, rejected int
	var errs []string

	for i, raw := range req.Logs {
		itemTenant, source, err := h.attribute(tenant, req.Source, raw)
		if err != nil {
			rejected++
			errs = append(errs, fmt.Sprintf("log[%d]: %s", i, err.Error()))
			continue
		}

		log := h.normalizer.Normalize(itemTenant, source, raw)

		if err := h.validator.Validate(log); err != nil {
			rejected++
			errs = append(errs, fmt.Sprintf("log[%d]: %s", i, err.Error()))
			if h.rejects != nil {
				if rerr := h.rejects.WriteReject(r.Context(), itemTenant, string(source), string(raw), []string{err.Error()}); rerr != nil {
					slog.Debug("failed to record rejected payload", "error", rerr)
				}
			}
			continue
		}

		if err := h.queue.Push(log); err != nil {
			rejected++
			if err == queue.ErrFull {
				errs = append(errs, fmt.Sprintf("log[%d]: queue full", i))
			} else {
				errs = append(errs, fmt.Sprintf("log[%d]: %s", i, err.Error()))
			}
			continue
		}

		accepted++
		atomic.AddUint64(&h.logsTotal, 1)
	}

	resp := IngestResponse{
		Success:   rejected == 0,
		Accepted:  accepted,
		Rejected:  rejected,
		RequestID: requestID,
	}
	if len(errs) > 0 {
		resp.Errors = errs
	}

	status := http.StatusOK
	if accepted == 0 && rejected > 0 {
		status = http.StatusBadRequest
	} else if rejected > 0 {
		status = http.StatusMultiStatus
	}

	respondJSON(w, status, resp)
}

// attribute resolves the tenant and source for one raw item. Per-item
// fields win over request-level defaults.
func (h *Handler) attribute(tenant, source string, raw json.RawMessage) (string, schema.Source, error) {
	var env itemEnvelope
	// Peek errors are fine, the item may be any JSON value.
	_ = json.Unmarshal(raw, &env)

	if env.Tenant != "" {
		tenant = env.Tenant
	}
	if env.Source != "" {
		source = env.Source
	}

	src, ok := schema.ParseSource(source)
	if !ok {
		return "", "", fmt.Errorf("unknown source %q", source)
	}
	return tenant, src, nil
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	metrics := h.queue.Metrics()

	status := "healthy"
	if metrics.Depth > int(float64(metrics.Capacity)*0.9) {
		status = "degraded"
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"queue_depth":    metrics.Depth,
		"queue_capacity": metrics.Capacity,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

// Metrics handles GET /metrics in Prometheus text format.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics := h.queue.Metrics()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP lms_logs_total Total number of logs ingested\n")
	fmt.Fprintf(w, "# TYPE lms_logs_total counter\n")
	fmt.Fprintf(w, "lms_logs_total %d\n\n", atomic.LoadUint64(&h.logsTotal))

	fmt.Fprintf(w, "# HELP lms_queue_pushed_total Total logs pushed to the buffer\n")
	fmt.Fprintf(w, "# TYPE lms_queue_pushed_total counter\n")
	fmt.Fprintf(w, "lms_queue_pushed_total %d\n\n", metrics.Pushed)

	fmt.Fprintf(w, "# HELP lms_queue_popped_total Total logs popped from the buffer\n")
	fmt.Fprintf(w, "# TYPE lms_queue_popped_total counter\n")
	fmt.Fprintf(w, "lms_queue_popped_total %d\n\n", metrics.Popped)

	fmt.Fprintf(w, "# HELP lms_queue_dropped_total Total logs dropped due to a full buffer\n")
	fmt.Fprintf(w, "# TYPE lms_queue_dropped_total counter\n")
	fmt.Fprintf(w, "lms_queue_dropped_total %d\n\n", metrics.Dropped)

	fmt.Fprintf(w, "# HELP lms_queue_depth Current buffer depth\n")
	fmt.Fprintf(w, "# TYPE lms_queue_depth gauge\n")
	fmt.Fprintf(w, "lms_queue_depth %d\n\n", metrics.Depth)

	fmt.Fprintf(w, "# HELP lms_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE lms_uptime_seconds gauge\n")
	fmt.Fprintf(w, "lms_uptime_seconds %d\n", int(time.Since(h.startTime).Seconds()))
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	respondJSON(w, status, map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	})
}
