package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/xpipe/xpipe/pkg/telemetry"
)

// Tag names understood by the default loader.
const (
	TagInclude = "!include"
	TagFrom    = "!from"
	TagEnv     = "!env"
	TagExpr    = "!expr"
)

// DefaultExprTimeout bounds the evaluation of a single !expr value.
const DefaultExprTimeout = 5 * time.Second

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	// ExprTimeout bounds each !expr evaluation. Zero selects DefaultExprTimeout.
	ExprTimeout time.Duration `validate:"gte=0"`

	// LookupEnv resolves !env values and the env dict of !expr. Defaults to
	// os.LookupEnv.
	LookupEnv func(string) (string, bool)

	// Metrics records loads and includes when set.
	Metrics *telemetry.Metrics

	// Tracer wraps loads in spans when set.
	Tracer *telemetry.Tracer

	// Events receives config.loaded and config.load_failed events when set.
	Events *telemetry.EventPublisher
}

// DefaultLoaderOptions returns the options used by the package-level helpers.
func DefaultLoaderOptions() LoaderOptions {
	return LoaderOptions{
		ExprTimeout: DefaultExprTimeout,
		LookupEnv:   os.LookupEnv,
	}
}

var optionsValidator = validator.New()

// Validate checks the options.
func (o LoaderOptions) Validate() error {
	if err := optionsValidator.Struct(o); err != nil {
		return fmt.Errorf("invalid loader options: %w", err)
	}
	return nil
}

// ValidationError represents a schema validation failure with location
// information.
type ValidationError struct {
	// File is the schema file that reported the error.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the dotted path to the offending configuration value.
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

func (e ValidationError) String() string {
	loc := e.Path
	if loc == "" {
		loc = "(root)"
	}
	return fmt.Sprintf("%s: %s", loc, e.Message)
}
