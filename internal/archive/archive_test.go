package archive

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/fisheeesh/lms-sub000/internal/storage"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, input)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestArchiver(putter objectPutter) *S3Archiver {
	cfg := DefaultConfig()
	cfg.Enabled = true
	return &S3Archiver{
		config: cfg,
		client: putter,
		logger: discardLogger(),
		now:    func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) },
	}
}

func expiredBatch(n int) []storage.ExpiredLog {
	logs := make([]storage.ExpiredLog, n)
	for i := range logs {
		logs[i] = storage.ExpiredLog{
			LogID:  uuid.New(),
			Tenant: "acme",
			Source: "FIREWALL",
			TS:     time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
			Raw:    `{"value":"<34>Oct 11 22:14:15 fw1 action=deny"}`,
		}
	}
	return logs
}

func TestArchiveUploadsGzipNDJSON(t *testing.T) {
	putter := &fakePutter{}
	archiver := newTestArchiver(putter)

	batch := expiredBatch(3)
	if err := archiver.Archive(context.Background(), batch); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	if len(putter.inputs) != 1 {
		t.Fatalf("uploads = %d, want 1", len(putter.inputs))
	}
	input := putter.inputs[0]
	if *input.Bucket != "lms-log-archive" {
		t.Errorf("bucket = %q", *input.Bucket)
	}
	if !strings.HasPrefix(*input.Key, "logs/2026/03/15/") || !strings.HasSuffix(*input.Key, ".ndjson.gz") {
		t.Errorf("key = %q", *input.Key)
	}
	if input.Metadata["record-count"] != "3" {
		t.Errorf("record-count = %q, want 3", input.Metadata["record-count"])
	}

	gz, err := gzip.NewReader(strings.NewReader(string(putter.bodies[0])))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer gz.Close()

	var lines int
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		var record archiveRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		if record.Tenant != "acme" || record.Source != "FIREWALL" {
			t.Errorf("record = %+v", record)
		}
		if record.LogID != batch[lines].LogID.String() {
			t.Errorf("line %d log id = %q, want %q", lines, record.LogID, batch[lines].LogID)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("ndjson lines = %d, want 3", lines)
	}

	metrics := archiver.Metrics()
	if metrics.Records != 3 || metrics.Objects != 1 {
		t.Errorf("metrics = %+v", metrics)
	}
}

func TestArchiveEmptyBatch(t *testing.T) {
	putter := &fakePutter{}
	archiver := newTestArchiver(putter)

	if err := archiver.Archive(context.Background(), nil); err != nil {
		t.Fatalf("Archive(nil) error = %v", err)
	}
	if len(putter.inputs) != 0 {
		t.Errorf("uploads = %d, want 0", len(putter.inputs))
	}
}

func TestArchiveUploadFailure(t *testing.T) {
	archiver := newTestArchiver(&fakePutter{err: errors.New("access denied")})

	if err := archiver.Archive(context.Background(), expiredBatch(1)); err == nil {
		t.Fatal("Archive() expected error")
	}
	if got := archiver.Metrics().Errors; got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"disabled skips checks", func(c *Config) { c.Enabled = false; c.Bucket = "" }, false},
		{"enabled valid", func(c *Config) { c.Enabled = true }, false},
		{"enabled no bucket", func(c *Config) { c.Enabled = true; c.Bucket = "" }, true},
		{"enabled no region", func(c *Config) { c.Enabled = true; c.Region = "" }, true},
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
