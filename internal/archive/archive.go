// Package archive writes expired logs to S3 as gzip-compressed NDJSON
// before the retention sweeper deletes them.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/fisheeesh/lms-sub000/internal/storage"
)

// Config holds S3 archive settings.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Region  string `yaml:"region"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`

	// Endpoint overrides the S3 endpoint for MinIO/LocalStack.
	Endpoint     string `yaml:"endpoint,omitempty"`
	UsePathStyle bool   `yaml:"use_path_style"`

	// Static credentials; IAM/instance credentials are used when empty.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty"`

	StorageClass     string        `yaml:"storage_class"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	Timeout          time.Duration `yaml:"timeout"`
}

// DefaultConfig returns default archive settings.
func DefaultConfig() Config {
	return Config{
		Enabled:          false,
		Region:           "us-east-1",
		Bucket:           "lms-log-archive",
		Prefix:           "logs/",
		StorageClass:     "GLACIER_IR",
		RetryMaxAttempts: 3,
		Timeout:          5 * time.Minute,
	}
}

// Validate checks archive settings.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Region == "" {
		return errors.New("archive: region is required")
	}
	if c.Bucket == "" {
		return errors.New("archive: bucket is required")
	}
	return nil
}

func (c Config) storageClass() types.StorageClass {
	switch strings.ToUpper(c.StorageClass) {
	case "STANDARD":
		return types.StorageClassStandard
	case "STANDARD_IA":
		return types.StorageClassStandardIa
	case "INTELLIGENT_TIERING":
		return types.StorageClassIntelligentTiering
	case "GLACIER":
		return types.StorageClassGlacier
	case "GLACIER_IR":
		return types.StorageClassGlacierIr
	case "DEEP_ARCHIVE":
		return types.StorageClassDeepArchive
	default:
		return types.StorageClassStandard
	}
}

// objectPutter is the slice of the S3 client the archiver needs.
type objectPutter interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Metrics tracks archive outcomes.
type Metrics struct {
	Records uint64 `json:"records"`
	Objects uint64 `json:"objects"`
	Bytes   uint64 `json:"bytes"`
	Errors  uint64 `json:"errors"`
}

// S3Archiver uploads expired log batches as one gzip NDJSON object each.
type S3Archiver struct {
	config Config
	client objectPutter
	logger *slog.Logger
	now    func() time.Time

	records uint64
	objects uint64
	bytes   uint64
	errors  uint64
}

// NewS3Archiver creates an archiver backed by a real S3 client.
func NewS3Archiver(ctx context.Context, cfg Config, logger *slog.Logger) (*S3Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	logger.Info("s3 archiver initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"storage_class", cfg.StorageClass)

	return &S3Archiver{
		config: cfg,
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		logger: logger,
		now:    time.Now,
	}, nil
}

// archiveRecord is the NDJSON line format for one archived log.
type archiveRecord struct {
	LogID  string    `json:"log_id"`
	Tenant string    `json:"tenant"`
	Source string    `json:"source"`
	TS     time.Time `json:"ts"`
	Raw    string    `json:"raw"`
}

// Archive uploads one object holding the whole batch. A failed upload
// returns an error so the sweeper aborts instead of deleting unarchived
// logs.
func (a *S3Archiver) Archive(ctx context.Context, logs []storage.ExpiredLog) error {
	if len(logs) == 0 {
		return nil
	}

	if a.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
	}

	body, err := a.encode(logs)
	if err != nil {
		atomic.AddUint64(&a.errors, 1)
		return fmt.Errorf("archive: encode batch: %w", err)
	}

	key := a.objectKey()
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.config.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
		StorageClass:    a.config.storageClass(),
		Metadata: map[string]string{
			"record-count": strconv.Itoa(len(logs)),
		},
	})
	if err != nil {
		atomic.AddUint64(&a.errors, 1)
		return fmt.Errorf("archive: upload %s: %w", key, err)
	}

	atomic.AddUint64(&a.records, uint64(len(logs)))
	atomic.AddUint64(&a.objects, 1)
	atomic.AddUint64(&a.bytes, uint64(len(body)))
	a.logger.Info("archived expired logs",
		"key", key,
		"records", len(logs),
		"compressed_bytes", len(body))
	return nil
}

func (a *S3Archiver) encode(logs []storage.ExpiredLog) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)

	for _, log := range logs {
		record := archiveRecord{
			LogID:  log.LogID.String(),
			Tenant: log.Tenant,
			Source: log.Source,
			TS:     log.TS,
			Raw:    log.Raw,
		}
		if err := enc.Encode(record); err != nil {
			return nil, err
		}
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *S3Archiver) objectKey() string {
	now := a.now().UTC()
	return fmt.Sprintf("%s%s/%d-%s.ndjson.gz",
		a.config.Prefix,
		now.Format("2006/01/02"),
		now.UnixNano(),
		uuid.NewString())
}

// Metrics returns a snapshot of archive counters.
func (a *S3Archiver) Metrics() Metrics {
	return Metrics{
		Records: atomic.LoadUint64(&a.records),
		Objects: atomic.LoadUint64(&a.objects),
		Bytes:   atomic.LoadUint64(&a.bytes),
		Errors:  atomic.LoadUint64(&a.errors),
	}
}
