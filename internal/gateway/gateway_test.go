package gateway

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartlibrary/internal/apperr"
	"smartlibrary/internal/config"
	"smartlibrary/internal/httpx"
	"smartlibrary/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// echo answers with the service name and the path it received.
func echo(t *testing.T, name string) *url.URL {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", name)
		w.Header().Set("X-Seen-Request-ID", r.Header.Get(httpx.RequestIDHeader))
		_, _ = io.WriteString(w, r.Method+" "+r.URL.RequestURI())
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u
}

func TestGatewayRoutesByResource(t *testing.T) {
	gw := New(Upstreams{
		Users: echo(t, "directory"),
		Books: echo(t, "catalog"),
		Loans: echo(t, "loans"),
	}, logger.Discard())

	tests := []struct {
		method   string
		path     string
		upstream string
		seen     string
	}{
		{http.MethodPost, "/api/users", "directory", "POST /users"},
		{http.MethodGet, "/api/users/7", "directory", "GET /users/7"},
		{http.MethodGet, "/api/books?search=dune", "catalog", "GET /books?search=dune"},
		{http.MethodPatch, "/api/books/3/availability", "catalog", "PATCH /books/3/availability"},
		{http.MethodPost, "/api/loans", "loans", "POST /loans"},
		{http.MethodGet, "/api/loans/user/1?active_only=true", "loans", "GET /loans/user/1?active_only=true"},
		{http.MethodPost, "/api/returns", "loans", "POST /returns"},
		{http.MethodGet, "/api/stats/overview", "loans", "GET /stats/overview"},
		{http.MethodGet, "/api/events?after_id=4", "loans", "GET /events?after_id=4"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.Header.Set(httpx.RequestIDHeader, "req-42")
			rec := httptest.NewRecorder()
			gw.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.upstream, rec.Header().Get("X-Upstream"))
			assert.Equal(t, tt.seen, rec.Body.String())
			assert.Equal(t, "req-42", rec.Header().Get("X-Seen-Request-ID"))
		})
	}
}

func TestGatewayUnknownRoute(t *testing.T) {
	gw := New(Upstreams{Users: echo(t, "d"), Books: echo(t, "c"), Loans: echo(t, "l")}, logger.Discard())

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/authors", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGatewayUpstreamDown(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	down, err := url.Parse(dead.URL)
	require.NoError(t, err)
	dead.Close()

	gw := New(Upstreams{Users: echo(t, "d"), Books: down, Loans: echo(t, "l")}, logger.Discard())

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/books/1", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var body httpx.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, apperr.CodeRemoteUnavailable, body.Code)
	assert.Equal(t, "catalog service unavailable", body.Error)
}

func TestUpstreamsFrom(t *testing.T) {
	u, err := UpstreamsFrom(config.RemoteConfig{
		UserServiceURL: "http://directory:8001",
		BookServiceURL: "http://catalog:8002",
		LoanServiceURL: "http://loans:8003",
	})
	require.NoError(t, err)
	assert.Equal(t, "catalog:8002", u.Books.Host)

	_, err = UpstreamsFrom(config.RemoteConfig{UserServiceURL: "directory", BookServiceURL: "http://c", LoanServiceURL: "http://l"})
	assert.ErrorContains(t, err, "USER_SERVICE_URL")
}
