// internal/directory/handler.go
package directory

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"smartlibrary/internal/httpx"
)

type Handler struct {
	service Service
	log     *slog.Logger
}

func NewHandler(service Service, log *slog.Logger) *Handler {
	return &Handler{service: service, log: log}
}

// Routes mounts the user endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/users", func(r chi.Router) {
		r.Post("/", h.handleCreateUser)
		r.Get("/", h.handleListUsers)
		r.Get("/summary", h.handleSummary)
		r.Get("/{id}", h.handleGetUser)
		r.Put("/{id}", h.handleUpdateUser)
	})
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}

	user, err := h.service.CreateUser(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.Created(w, user, h.log)
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	skip, err := httpx.QueryInt(r, "skip", 0, 0, 1<<31-1)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	limit, err := httpx.QueryInt(r, "limit", 100, 1, 100)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}

	page, err := h.service.ListUsers(r.Context(), skip, limit)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.OK(w, page, h.log)
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}

	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.OK(w, user, h.log)
}

func (h *Handler) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	var req UpdateUserInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}

	user, err := h.service.UpdateUser(r.Context(), id, req)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.OK(w, user, h.log)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.service.Summary(r.Context())
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.OK(w, sum, h.log)
}
