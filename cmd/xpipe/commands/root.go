package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/xpipe/xpipe/pkg/config"
	"github.com/xpipe/xpipe/pkg/telemetry"
	"github.com/xpipe/xpipe/pkg/tree"
	"gopkg.in/yaml.v3"
)

var (
	// Global flags
	jsonOutput   bool
	otlpEndpoint string
	environment  string
	logLevel     string
	logFormat    string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "xpipe",
		Short: "xpipe - hierarchical YAML configuration for pipelines",
		Long: `xpipe loads YAML configuration trees with includes, environment and
expression variables, and object definitions.

Features:
  - !include and !from composition of configuration files
  - !env and !expr variables resolved on access
  - Path lookups with parent and attribute navigation
  - CUE schema validation and OPA policy checks
  - Live reloading with Prometheus metrics`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "export traces to this OTLP gRPC endpoint")
	rootCmd.PersistentFlags().StringVar(&environment, "environment", "development", "deployment environment reported in telemetry and policies")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")

	rootCmd.AddCommand(newRenderCommand())
	rootCmd.AddCommand(newGetCommand())
	rootCmd.AddCommand(newMergeCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}

// app holds what every command needs to load configurations.
type app struct {
	tel    *telemetry.Telemetry
	loader *config.Loader
	logger zerolog.Logger
}

// newApp sets up telemetry and a loader wired to it. Metrics are collected
// only when metricsAddr is set.
func newApp(ctx context.Context, metricsAddr string) (*app, context.Context, error) {
	cfg := telemetry.DefaultConfig()
	cfg.Environment = environment
	cfg.Logging.Level = logLevel
	cfg.Logging.Format = logFormat
	cfg.Metrics.Enabled = metricsAddr != ""
	cfg.Metrics.ListenAddress = metricsAddr
	if otlpEndpoint != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = "otlp"
		cfg.Tracing.Endpoint = otlpEndpoint
	}

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	opts := config.DefaultLoaderOptions()
	opts.Metrics = tel.Metrics
	opts.Tracer = tel.Tracer
	opts.Events = tel.Events

	loader, err := config.NewLoader(tel.Logger.NewComponentLogger("loader").Zerolog(), opts)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, nil, err
	}

	return &app{tel: tel, loader: loader, logger: tel.Logger.Zerolog()}, tel.WithContext(ctx), nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func (a *app) close() {
	if err := a.tel.Shutdown(context.Background()); err != nil {
		a.logger.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
}

// load loads every path and merges the results in order.
func (a *app) load(ctx context.Context, paths []string) (*tree.Mapping, error) {
	roots := make([]*tree.Mapping, 0, len(paths))
	for _, path := range paths {
		root, err := a.loader.Load(ctx, path)
		if err != nil {
			return nil, err
		}
		roots = append(roots, root)
	}
	if len(roots) == 1 {
		return roots[0], nil
	}
	return config.Merge(roots...), nil
}

// writeNode prints n as JSON with --json, as plain resolved YAML when resolve
// is set, and with its tags and includes kept otherwise.
func writeNode(w io.Writer, n tree.Node, resolve bool) error {
	if jsonOutput || resolve {
		v, err := config.ToMap(n)
		if err != nil {
			return err
		}
		if jsonOutput {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		}
		out, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode YAML: %w", err)
		}
		_, err = w.Write(out)
		return err
	}

	out, err := config.ToYAML(n)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out)
	return err
}
