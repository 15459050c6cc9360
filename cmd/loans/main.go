// cmd/loans/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"smartlibrary/internal/cache"
	"smartlibrary/internal/clients"
	"smartlibrary/internal/config"
	"smartlibrary/internal/database"
	"smartlibrary/internal/faults"
	"smartlibrary/internal/httpx"
	"smartlibrary/internal/journal"
	"smartlibrary/internal/loans"
	"smartlibrary/internal/logger"
	"smartlibrary/internal/ratelimit"
	"smartlibrary/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "loans:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.ServiceLoans)
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
	if err := db.Migrate(ctx, loans.Schema); err != nil {
		return err
	}

	display, closeCache, err := openCache(ctx, cfg.Cache, log)
	if err != nil {
		return err
	}
	defer closeCache()

	svc := loans.NewService(
		loans.NewLedger(db, journal.New(db)),
		clients.NewCatalogClient(cfg.Remote.BookServiceURL, cfg.Remote.Timeout),
		clients.NewDirectoryClient(cfg.Remote.UserServiceURL, cfg.Remote.Timeout),
		display,
		log,
		loans.Options{
			DefaultLoanDays: cfg.Loans.DefaultLoanDays,
			MaxExtensions:   cfg.Loans.MaxExtensions,
			CacheTTL:        cfg.Cache.TTL,
		},
	)

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
		loans.NewHandler(svc, log).Routes(r)
	})

	log.Info("Loan service configured",
		"book_service", cfg.Remote.BookServiceURL,
		"user_service", cfg.Remote.UserServiceURL,
		"remote_timeout", cfg.Remote.Timeout,
		"default_loan_days", cfg.Loans.DefaultLoanDays,
	)
	return httpx.Serve(ctx, cfg.Server, r, log)
}

// openCache picks the display cache: none when CACHE_TTL is zero, Redis when REDIS_URL is set,
// an in-process map otherwise.
func openCache(ctx context.Context, cfg config.CacheConfig, log *slog.Logger) (cache.Cache, func(), error) {
	switch {
	case cfg.TTL <= 0:
		return cache.Noop{}, func() {}, nil
	case cfg.RedisURL == "":
		log.Info("Display cache in process", "ttl", cfg.TTL)
		return cache.NewMemory(), func() {}, nil
	}
	rc, err := cache.NewRedis(ctx, cfg.RedisURL, "smartlibrary:loans:")
	if err != nil {
		return nil, nil, err
	}
	log.Info("Display cache in redis", "ttl", cfg.TTL)
	return rc, func() { rc.Close() }, nil
}
