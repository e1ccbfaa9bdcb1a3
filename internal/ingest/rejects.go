package ingest

import "context"

// RejectSink records payloads the validator refused, so operators can
// inspect what a source is sending. Recording is best effort: a sink
// failure never changes the ingest response.
type RejectSink interface {
	WriteReject(ctx context.Context, tenant, source, payload string, errs []string) error
}
