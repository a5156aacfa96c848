package commands

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/xpipe/xpipe/pkg/config"
	"github.com/xpipe/xpipe/pkg/policy"
	"github.com/xpipe/xpipe/pkg/tree"
)

func newWatchCommand() *cobra.Command {
	var (
		metricsAddr string
		debounce    time.Duration
		policies    []string
	)

	cmd := &cobra.Command{
		Use:   "watch <file>",
		Short: "Print a configuration every time it or one of its includes changes",
		Long: `Watch a configuration file and every file it includes, printing the
resolved configuration after each change. New includes are picked up on
reload.

With --policy the configuration is checked after every reload and policy
files are reloaded when they change. With --metrics-addr load, reload and
validation metrics are served for Prometheus.`,
		Example: `  # Watch a configuration
  xpipe watch train.yaml

  # Serve metrics while watching
  xpipe watch --metrics-addr :9090 train.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := newApp(cmd.Context(), metricsAddr)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			eng, err := newPolicyEngine(ctx, a, policies, nil)
			if err != nil {
				return err
			}
			if len(policies) > 0 {
				pl := policy.NewLoader(a.logger)
				if err := pl.Watch(ctx, policies, func(loaded []policy.Policy) error {
					return eng.ReplacePolicies(ctx, loaded)
				}); err != nil {
					return err
				}
				defer func() { _ = pl.StopWatching() }()
			}

			out := &lockedWriter{w: cmd.OutOrStdout()}
			path := args[0]
			show := func(root *tree.Mapping) {
				if err := out.print(func(w io.Writer) error {
					if err := writeNode(w, root, true); err != nil {
						return err
					}
					result, err := eng.Evaluate(ctx, root, &policy.Context{Source: path, Environment: environment})
					if err != nil {
						return err
					}
					writeViolations(w, result)
					_, err = fmt.Fprintln(w, "---")
					return err
				}); err != nil {
					a.logger.Error().Err(err).Str("path", path).Msg("Failed to print configuration")
				}
			}

			w, err := config.NewWatcher(a.loader, config.WatcherOptions{Debounce: debounce, Events: a.tel.Events})
			if err != nil {
				return err
			}
			defer func() { _ = w.Close() }()

			root, err := w.Watch(ctx, path, func(root *tree.Mapping, err error) {
				if err != nil {
					return
				}
				show(root)
			})
			if err != nil {
				return err
			}
			a.logger.Debug().Strs("files", w.Sources()).Msg("Watching configuration files")
			show(root)

			srv, err := a.tel.StartMetricsServer()
			if err != nil {
				return err
			}
			if srv != nil {
				a.logger.Info().Str("addr", metricsAddr).Msg("Serving metrics")
				defer func() {
					shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
					defer done()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			<-ctx.Done()
			a.logger.Info().Str("path", path).Msg("Stopped watching")
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&debounce, "debounce", config.DefaultDebounce, "wait this long after the last change before reloading")
	cmd.Flags().StringSliceVar(&policies, "policy", nil, "policy file or directory (repeatable)")

	return cmd
}

// lockedWriter serializes output from reloads.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) print(fn func(io.Writer) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(l.w)
}
