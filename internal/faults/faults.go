// Package faults injects latency and failures into HTTP handlers so partial-failure
// behavior between the services can be exercised on demand.
package faults

import (
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"smartlibrary/internal/config"
	"smartlibrary/internal/httpx"
)

// Fault describes what to inject into matching requests.
type Fault struct {
	Latency     time.Duration
	FailureRate float64 // 0.0 to 1.0
	PathPrefix  string
}

// Active reports whether the fault does anything.
func (f Fault) Active() bool {
	return f.Latency > 0 || f.FailureRate > 0
}

func (f Fault) matches(path string) bool {
	return f.PathPrefix == "" || strings.HasPrefix(path, f.PathPrefix)
}

// FromConfig builds a fault from FAULT_* settings.
func FromConfig(cfg config.FaultsConfig) Fault {
	return Fault{Latency: cfg.Latency, FailureRate: cfg.FailureRate, PathPrefix: cfg.PathPrefix}
}

// Injector applies the current fault to requests. Faults can be swapped at runtime.
type Injector struct {
	mu     sync.RWMutex
	fault  Fault
	roll   func() float64
	sleep  func(time.Duration)
	tracer trace.Tracer
	log    *slog.Logger
}

// NewInjector creates an injector starting with fault f.
func NewInjector(f Fault, log *slog.Logger) *Injector {
	return &Injector{
		fault:  f,
		roll:   rand.Float64,
		sleep:  time.Sleep,
		tracer: otel.Tracer("smartlibrary/faults"),
		log:    log,
	}
}

// Set replaces the active fault.
func (in *Injector) Set(f Fault) {
	in.mu.Lock()
	in.fault = f
	in.mu.Unlock()
	in.log.Warn("Fault injection updated",
		"latency", f.Latency,
		"failure_rate", f.FailureRate,
		"path_prefix", f.PathPrefix,
	)
}

// Clear disables injection.
func (in *Injector) Clear() {
	in.Set(Fault{})
}

// Current returns the active fault.
func (in *Injector) Current() Fault {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.fault
}

// Middleware delays and fails matching requests according to the active fault.
// A failed request is answered with 503 and never reaches next.
func (in *Injector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := in.Current()
		if !f.Active() || !f.matches(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		_, span := in.tracer.Start(r.Context(), "faults.inject",
			trace.WithAttributes(
				attribute.String("http.path", r.URL.Path),
				attribute.Int64("fault.latency_ms", f.Latency.Milliseconds()),
				attribute.Float64("fault.failure_rate", f.FailureRate),
			),
		)

		if f.Latency > 0 {
			span.AddEvent("injecting_latency")
			in.sleep(f.Latency)
		}

		if f.FailureRate > 0 && in.roll() < f.FailureRate {
			span.AddEvent("injecting_failure")
			span.End()
			in.log.Debug("Injected failure", "path", r.URL.Path)
			httpx.WriteStatus(w, http.StatusServiceUnavailable, "injected fault", in.log)
			return
		}
		span.End()

		next.ServeHTTP(w, r)
	})
}

// faultBody is the wire form of a Fault. GET output can be sent back with PUT unchanged.
type faultBody struct {
	Latency     string  `json:"latency"`
	FailureRate float64 `json:"failure_rate"`
	PathPrefix  string  `json:"path_prefix"`
}

func bodyOf(f Fault) faultBody {
	return faultBody{Latency: f.Latency.String(), FailureRate: f.FailureRate, PathPrefix: f.PathPrefix}
}

// Handler exposes the injector for runtime control:
// GET returns the active fault, PUT replaces it, DELETE clears it.
func (in *Injector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpx.OK(w, bodyOf(in.Current()), in.log)
		case http.MethodPut:
			var req faultBody
			if err := httpx.DecodeJSON(r, &req); err != nil {
				httpx.WriteError(w, err, in.log)
				return
			}
			f := Fault{FailureRate: req.FailureRate, PathPrefix: req.PathPrefix}
			if req.Latency != "" {
				d, err := time.ParseDuration(req.Latency)
				if err != nil || d < 0 {
					httpx.WriteStatus(w, http.StatusBadRequest, "invalid latency", in.log)
					return
				}
				f.Latency = d
			}
			if f.FailureRate < 0 || f.FailureRate > 1 {
				httpx.WriteStatus(w, http.StatusBadRequest, "failure_rate must be between 0 and 1", in.log)
				return
			}
			in.Set(f)
			httpx.OK(w, bodyOf(f), in.log)
		case http.MethodDelete:
			in.Clear()
			httpx.NoContent(w)
		default:
			httpx.WriteStatus(w, http.StatusMethodNotAllowed, "method not allowed", in.log)
		}
	})
}
