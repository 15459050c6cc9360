// Package httpx holds the HTTP plumbing shared by the library services:
// JSON responses, error rendering, request parsing, middleware and graceful serving.
package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"smartlibrary/internal/apperr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string      `json:"error"`
	Code  apperr.Code `json:"code"`
}

// WriteJSON writes v as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any, log *slog.Logger) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil && log != nil {
		log.Error("Failed to encode JSON response", "error", err)
	}
}

// OK writes a 200 response.
func OK(w http.ResponseWriter, v any, log *slog.Logger) {
	WriteJSON(w, http.StatusOK, v, log)
}

// Created writes a 201 response.
func Created(w http.ResponseWriter, v any, log *slog.Logger) {
	WriteJSON(w, http.StatusCreated, v, log)
}

// NoContent writes a 204 response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteError renders err. Errors from apperr keep their code and message; anything
// else becomes a 500 with a generic message and is logged.
func WriteError(w http.ResponseWriter, err error, log *slog.Logger) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		if log != nil {
			log.Error("Unhandled error", "error", err)
		}
		WriteJSON(w, http.StatusInternalServerError, ErrorBody{
			Error: "internal server error",
			Code:  apperr.CodeInternal,
		}, log)
		return
	}

	status := appErr.HTTPStatus()
	message := appErr.Message
	if status >= http.StatusInternalServerError {
		if log != nil {
			log.Error("Request failed", "code", appErr.Code, "error", err)
		}
		if appErr.Code == apperr.CodeInternal {
			message = "internal server error"
		}
	}
	WriteJSON(w, status, ErrorBody{Error: message, Code: appErr.Code}, log)
}

// WriteStatus writes an error body for a plain status without an apperr value.
func WriteStatus(w http.ResponseWriter, status int, message string, log *slog.Logger) {
	WriteJSON(w, status, ErrorBody{Error: message, Code: codeForStatus(status)}, log)
}

func codeForStatus(status int) apperr.Code {
	switch status {
	case http.StatusNotFound:
		return apperr.CodeNotFound
	case http.StatusBadRequest:
		return apperr.CodeValidation
	case http.StatusConflict:
		return apperr.CodeConflict
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return apperr.CodeRemoteUnavailable
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		return apperr.CodeInternal
	}
}
