package httpx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"smartlibrary/internal/config"
)

// NewRouter returns a chi router with request ids, tracing, request logging, panic recovery and /healthz.
// Extra middleware runs after the standard stack.
func NewRouter(log *slog.Logger, service string, extra ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Tracing(service))
	r.Use(Logging(log))
	r.Use(middleware.Recoverer)
	for _, mw := range extra {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		OK(w, map[string]string{"status": "ok", "service": service}, log)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteStatus(w, http.StatusNotFound, "route not found", log)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteStatus(w, http.StatusMethodNotAllowed, "method not allowed", log)
	})
	return r
}

// Serve runs handler until ctx is cancelled, then drains in-flight requests.
func Serve(ctx context.Context, cfg config.ServerConfig, handler http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	log.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
