// cmd/gateway/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"smartlibrary/internal/config"
	"smartlibrary/internal/gateway"
	"smartlibrary/internal/httpx"
	"smartlibrary/internal/logger"
	"smartlibrary/internal/ratelimit"
	"smartlibrary/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.ServiceGateway)
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

	upstreams, err := gateway.UpstreamsFrom(cfg.Remote)
	if err != nil {
		return err
	}

	var extra []func(next http.Handler) http.Handler
	if cfg.RateLimit.RPS > 0 {
		limiter := ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst, 10*time.Minute)
		defer limiter.Stop()
		extra = append(extra, httpx.RateLimit(limiter, log))
	}

	log.Info("Routing",
		"users", upstreams.Users.String(),
		"books", upstreams.Books.String(),
		"loans", upstreams.Loans.String(),
	)
	return httpx.Serve(ctx, cfg.Server, gateway.New(upstreams, log, extra...), log)
}
