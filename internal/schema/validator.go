package schema

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validator checks canonical logs before they enter the pipeline.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator. MaxAge and
// MaxFuture are opt-in hard limits on the event time; zero disables them.
// Implausible timestamps are normally handled earlier, by the normalizer
// falling back to ingestion time, so rejection here is for deployments
// that would rather drop than reinterpret.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("log_source", func(fl validator.FieldLevel) bool {
		return Source(fl.Field().String()).IsValid()
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate validates a canonical log. Only tenant, source, and timestamp
// sanity are enforced; the normalizer already guarantees every other field
// degrades to absence rather than to a bad value.
func (v *Validator) Validate(log *Log) error {
	if err := v.validate.Struct(log); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if !log.Source.IsValid() {
		return fmt.Errorf("unknown source: %q", log.Source)
	}

	if log.Severity != nil && (*log.Severity < 0 || *log.Severity > 10) {
		return fmt.Errorf("severity out of range: %d", *log.Severity)
	}

	now := time.Now().UTC()
	if log.TS.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if v.maxAge > 0 && log.TS.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("timestamp too old: %v (max age: %v)", log.TS, v.maxAge)
	}
	if v.maxFuture > 0 && log.TS.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("timestamp in future: %v (max future: %v)", log.TS, v.maxFuture)
	}

	return nil
}
