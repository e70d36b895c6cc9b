package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/feedlog/internal/envelope"
)

// MetricsOptions holds flags for the metrics command.
type MetricsOptions struct {
	*RootOptions
	Addr string
}

// NewMetricsCommand creates the metrics command.
func NewMetricsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MetricsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve Prometheus metrics and log new entries",
		Long: `Open the store and serve Prometheus metrics on /metrics until
interrupted. Entries written by this process are logged as they land.

Example:
  feedlog metrics --addr :9464`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMetrics(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default metrics.addr)")
	return cmd
}

func runMetrics(opts *MetricsOptions, cmd *cobra.Command) error {
	addr := opts.Addr
	if addr == "" {
		addr = opts.Config.Metrics.Addr
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, opts.RootOptions, func(a *app) error {
		cancel := a.log.Subscribe(func(env *envelope.Envelope) {
			slog.Info("entry written",
				"author", env.Value.Author,
				"sequence", env.Value.Sequence,
				"key", env.Key,
			)
		})
		defer cancel()

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.ListenAndServe()
		}()
		slog.Info("metrics server started", "addr", addr)
		fmt.Fprintf(cmd.OutOrStdout(), "Serving metrics on %s/metrics. Press Ctrl-C to stop.\n", addr)

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return WrapExitError(ExitCommandError, "metrics server failed", err)
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return WrapExitError(ExitCommandError, "metrics server shutdown failed", err)
		}
		slog.Info("metrics server stopped")
		return nil
	})
}
