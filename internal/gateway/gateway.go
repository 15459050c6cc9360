// Package gateway exposes the three services under one /api prefix.
package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"smartlibrary/internal/config"
	"smartlibrary/internal/httpx"
)

// Prefix is stripped before a request is forwarded.
const Prefix = "/api"

// Upstreams are the base URLs of the proxied services.
type Upstreams struct {
	Users *url.URL
	Books *url.URL
	Loans *url.URL
}

// UpstreamsFrom parses the service URLs from the remote configuration.
func UpstreamsFrom(cfg config.RemoteConfig) (Upstreams, error) {
	var u Upstreams
	for _, p := range []struct {
		name string
		raw  string
		dest **url.URL
	}{
		{"USER_SERVICE_URL", cfg.UserServiceURL, &u.Users},
		{"BOOK_SERVICE_URL", cfg.BookServiceURL, &u.Books},
		{"LOAN_SERVICE_URL", cfg.LoanServiceURL, &u.Loans},
	} {
		parsed, err := url.Parse(p.raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return Upstreams{}, fmt.Errorf("invalid %s %q", p.name, p.raw)
		}
		*p.dest = parsed
	}
	return u, nil
}

type route struct {
	resource string
	target   *url.URL
	service  string
}

// routes maps each public resource to the service that owns it.
func (u Upstreams) routes() []route {
	return []route{
		{"/users", u.Users, config.ServiceDirectory},
		{"/books", u.Books, config.ServiceCatalog},
		{"/loans", u.Loans, config.ServiceLoans},
		{"/returns", u.Loans, config.ServiceLoans},
		{"/stats", u.Loans, config.ServiceLoans},
		{"/events", u.Loans, config.ServiceLoans},
	}
}

// New returns the gateway router. Extra middleware runs after the standard stack.
func New(upstreams Upstreams, log *slog.Logger, extra ...func(http.Handler) http.Handler) http.Handler {
	r := httpx.NewRouter(log, config.ServiceGateway, extra...)
	for _, rt := range upstreams.routes() {
		r.Mount(Prefix+rt.resource, http.StripPrefix(Prefix, newProxy(rt.target, rt.service, log)))
	}
	return r
}

func newProxy(target *url.URL, service string, log *slog.Logger) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			ctx := pr.In.Context()
			if id := httpx.RequestIDFrom(ctx); id != "" {
				pr.Out.Header.Set(httpx.RequestIDHeader, id)
			}
			otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(pr.Out.Header))
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn("Upstream request failed",
				"service", service,
				"path", r.URL.Path,
				"request_id", httpx.RequestIDFrom(r.Context()),
				"error", err,
			)
			httpx.WriteStatus(w, http.StatusBadGateway, service+" service unavailable", log)
		},
	}
}
