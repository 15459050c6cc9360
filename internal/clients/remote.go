// internal/clients/remote.go

// Package clients wraps outbound calls to the catalog and directory services and
// translates transport failures and remote status codes into typed outcomes.
//
// Every call is a single attempt bounded by the client timeout. Callers decide what a
// failure means; the adapters never retry.
package clients

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"smartlibrary/internal/httpx"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Outcomes other than success. Match them with errors.Is.
var (
	// ErrNotFound means the remote service answered 404.
	ErrNotFound = errors.New("remote entity not found")
	// ErrRejected means the remote service refused a command and changed nothing.
	ErrRejected = errors.New("remote command rejected")
	// ErrUnavailable covers connection failures, timeouts, undecodable bodies and any other status.
	ErrUnavailable = errors.New("remote service unavailable")
)

// RemoteError describes a failed call. It unwraps to one of the outcome sentinels.
type RemoteError struct {
	Service string
	Op      string
	Status  int // 0 when no response arrived
	Message string
	outcome error
	cause   error
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %v", e.Service, e.Op, e.outcome)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

func (e *RemoteError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.outcome, e.cause}
	}
	return []error{e.outcome}
}

// MessageOf returns the remote error message carried by err, if any.
func MessageOf(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Message
	}
	return ""
}

type remote struct {
	service string
	baseURL string
	http    *http.Client
	tracer  trace.Tracer
}

func newRemote(service, baseURL string, timeout time.Duration) remote {
	return remote{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tracer:  otel.Tracer("smartlibrary/clients"),
	}
}

// call performs one request. When rejectable is set, 400 and 409 mean ErrRejected;
// otherwise they count as unavailable like any other unexpected status.
func (r remote) call(ctx context.Context, op, method, path string, body, out any, rejectable bool) error {
	ctx, span := r.tracer.Start(ctx, r.service+"."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		),
	)
	defer span.End()

	fail := func(outcome error, status int, msg string, cause error) error {
		err := &RemoteError{Service: r.service, Op: op, Status: status, Message: msg, outcome: outcome, cause: cause}
		span.SetAttributes(attribute.String("remote.outcome", outcome.Error()))
		if !errors.Is(outcome, ErrNotFound) {
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := httpx.RequestIDFrom(ctx); id != "" {
		req.Header.Set(httpx.RequestIDHeader, id)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := r.http.Do(req)
	if err != nil {
		return fail(ErrUnavailable, 0, "", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fail(ErrUnavailable, resp.StatusCode, "", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fail(ErrUnavailable, resp.StatusCode, "undecodable response", err)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fail(ErrNotFound, resp.StatusCode, errorMessage(raw), nil)
	case rejectable && (resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusConflict):
		return fail(ErrRejected, resp.StatusCode, errorMessage(raw), nil)
	default:
		return fail(ErrUnavailable, resp.StatusCode, errorMessage(raw), nil)
	}
}

func errorMessage(raw []byte) string {
	var body httpx.ErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
