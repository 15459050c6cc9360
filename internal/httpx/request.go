package httpx

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"smartlibrary/internal/apperr"
)

const maxBodyBytes = 1 << 20

// DecodeJSON decodes the request body into dst. Malformed or empty bodies are validation errors.
func DecodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return apperr.Validation("could not read request body")
	}
	if len(body) == 0 {
		return apperr.Validation("request body is required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperr.Validation("invalid JSON body: %v", err)
	}
	return nil
}

// PathInt64 parses a positive integer URL parameter.
func PathInt64(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid %s %q", name, raw)
	}
	return id, nil
}

// QueryInt parses an optional integer query parameter constrained to [min, max].
func QueryInt(r *http.Request, name string, def, min, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("invalid %s %q", name, raw)
	}
	if n < min || n > max {
		return 0, apperr.Validation("%s must be between %d and %d", name, min, max)
	}
	return n, nil
}

// QueryBool parses an optional boolean query parameter.
func QueryBool(r *http.Request, name string, def bool) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperr.Validation("invalid %s %q", name, raw)
	}
	return b, nil
}
