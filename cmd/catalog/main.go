// cmd/catalog/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"smartlibrary/internal/catalog"
	"smartlibrary/internal/config"
	"smartlibrary/internal/database"
	"smartlibrary/internal/faults"
	"smartlibrary/internal/httpx"
	"smartlibrary/internal/logger"
	"smartlibrary/internal/ratelimit"
	"smartlibrary/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "catalog:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.ServiceCatalog)
	if err != nil {
		return err
	}
	log := logger.New(logger.Config{
		Format:      cfg.Logger.Format,
		Environment: cfg.App.Environment,
		Level:       logger.ParseLevel(cfg.Logger.Level),
		Service:     cfg.Service,
	})

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.App.Environment, log)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	db, err := database.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx, catalog.Schema); err != nil {
		return err
	}

	injector := faults.NewInjector(faults.FromConfig(cfg.Faults), log)
	var extra []func(next http.Handler) http.Handler
	if cfg.RateLimit.RPS > 0 {
		limiter := ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst, 10*time.Minute)
		defer limiter.Stop()
		extra = append(extra, httpx.RateLimit(limiter, log))
	}

	r := httpx.NewRouter(log, cfg.Service, extra...)
	if cfg.Faults.Admin {
		r.Handle("/faults", injector.Handler())
		log.Warn("Fault control endpoint enabled", "path", "/faults")
	}
	r.Group(func(r chi.Router) {
		r.Use(injector.Middleware)
		catalog.NewHandler(catalog.NewService(db, log), log).Routes(r)
	})

	return httpx.Serve(ctx, cfg.Server, r, log)
}
