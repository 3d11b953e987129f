// Package procutil holds the process-lifecycle wiring every component
// binary repeats: building a zap logger from the configured level,
// registering Prometheus metrics behind an HTTP /metrics endpoint, and
// the signal-driven shutdown context bureau-daemon's main() establishes
// before touching any network resource.
package procutil

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rocketbitz/tf-pipeline/transport"
)

// NewLogger builds a *zap.SugaredLogger at the given level ("debug",
// "info", "warn", "error"; anything else falls back to "info"). The
// returned logger satisfies both transport.Logger (Debugf) and
// transport.StructuredLogger (Debugw) without an adapter.
func NewLogger(level string) (*zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("procutil: build logger: %w", err)
	}
	return logger.Sugar(), nil
}

var (
	_ transport.Logger           = (*zap.SugaredLogger)(nil)
	_ transport.StructuredLogger = (*zap.SugaredLogger)(nil)
)

// ServeMetrics starts an HTTP server exposing the default Prometheus
// registry's /metrics endpoint on addr, returning once ctx is cancelled.
// A cmd binary runs this in its own goroutine alongside the main control
// loop.
func ServeMetrics(ctx context.Context, addr string, logger *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorw("metrics server exited", "error", err)
			return err
		}
		return nil
	}
}

// ShutdownContext returns a context cancelled on SIGINT/SIGTERM, the same
// signal set bureau-daemon's main() installs before loading any
// configuration.
func ShutdownContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
