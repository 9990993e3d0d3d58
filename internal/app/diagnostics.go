package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// diagnosticsHandler serves /metrics, /healthz and /readyz. Readiness
// requires both session channels to be connected.
func (a *App) diagnosticsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		health.Checker{Name: "speech_channel", Check: a.sess.CheckSpeech},
		health.Checker{Name: "recognizer_channel", Check: a.sess.CheckRecognizer},
	).Register(mux)
	return observe.Middleware(a.metrics, a.log)(mux)
}

func (a *App) diagnosticsServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           a.diagnosticsHandler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// serve runs srv until ctx ends and then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, log *slog.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("app: diagnostics listen %s: %w", srv.Addr, err)
	}
	log.Info("diagnostics server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: diagnostics: %w", err)
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}
