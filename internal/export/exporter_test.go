package export

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/fisheeesh/lms-sub000/internal/schema"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func exportLog(tenant string) *schema.Log {
	sev := 4
	return &schema.Log{
		LogID:      uuid.New(),
		Tenant:     tenant,
		Source:     schema.SourceFirewall,
		TS:         time.Now().UTC(),
		ReceivedAt: time.Now().UTC(),
		EventType:  "system",
		Severity:   &sev,
		Raw:        schema.WrapRaw([]byte("raw line")),
		Tags:       []string{"firewall"},
	}
}

func newTestExporter(writer messageWriter) *Exporter {
	return &Exporter{config: DefaultConfig(), writer: writer}
}

func TestExportKeysByTenant(t *testing.T) {
	writer := &fakeWriter{}
	exporter := newTestExporter(writer)

	log := exportLog("acme")
	if err := exporter.Export(context.Background(), log); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	if len(writer.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(writer.messages))
	}
	msg := writer.messages[0]
	if string(msg.Key) != "acme" {
		t.Errorf("key = %q, want acme", msg.Key)
	}

	var decoded schema.Log
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("unmarshal value: %v", err)
	}
	if decoded.LogID != log.LogID || decoded.Tenant != "acme" {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Severity == nil || *decoded.Severity != 4 {
		t.Errorf("severity = %v, want 4", decoded.Severity)
	}

	if got := exporter.Metrics().Exported; got != 1 {
		t.Errorf("exported = %d, want 1", got)
	}
}

func TestExportWriteFailure(t *testing.T) {
	exporter := newTestExporter(&fakeWriter{err: errors.New("broker down")})

	if err := exporter.Export(context.Background(), exportLog("acme")); err == nil {
		t.Fatal("Export() expected error")
	}
	if got := exporter.Metrics().Failed; got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
}

func TestExportBatch(t *testing.T) {
	writer := &fakeWriter{}
	exporter := newTestExporter(writer)

	logs := []*schema.Log{exportLog("acme"), exportLog("globex"), exportLog("acme")}
	if err := exporter.ExportBatch(context.Background(), logs); err != nil {
		t.Fatalf("ExportBatch() error = %v", err)
	}
	if len(writer.messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(writer.messages))
	}
	if got := exporter.Metrics().Exported; got != 3 {
		t.Errorf("exported = %d, want 3", got)
	}
}

func TestExportBatchEmpty(t *testing.T) {
	writer := &fakeWriter{}
	exporter := newTestExporter(writer)

	if err := exporter.ExportBatch(context.Background(), nil); err != nil {
		t.Fatalf("ExportBatch(nil) error = %v", err)
	}
	if len(writer.messages) != 0 {
		t.Errorf("messages = %d, want 0", len(writer.messages))
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"disabled skips checks", func(c *Config) { c.Enabled = false; c.Brokers = nil }, false},
		{"enabled valid", func(c *Config) { c.Enabled = true }, false},
		{"enabled no brokers", func(c *Config) { c.Enabled = true; c.Brokers = nil }, true},
		{"enabled no topic", func(c *Config) { c.Enabled = true; c.Topic = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(&config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExporterClose(t *testing.T) {
	writer := &fakeWriter{}
	exporter := newTestExporter(writer)
	if err := exporter.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !writer.closed {
		t.Error("writer not closed")
	}
}
