// internal/catalog/handler.go
package catalog

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

// Routes mounts the book endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/books", func(r chi.Router) {
		r.Post("/", h.handleCreateBook)
		r.Get("/", h.handleListBooks)
		r.Get("/summary", h.handleSummary)
		r.Get("/{id}", h.handleGetBook)
		r.Put("/{id}", h.handleUpdateBook)
		r.Delete("/{id}", h.handleDeleteBook)
		r.Patch("/{id}/availability", h.handleAdjustAvailability)
	})
}

func (h *Handler) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	var req CreateBookInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}

	book, err := h.service.CreateBook(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.Created(w, book, h.log)
}

func (h *Handler) handleListBooks(w http.ResponseWriter, r *http.Request) {
	skip, err := httpx.QueryInt(r, "skip", 0, 0, 1<<31-1)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	limit, err := httpx.QueryInt(r, "limit", 10, 1, 100)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}

	page, err := h.service.ListBooks(r.Context(), ListParams{
		Search: r.URL.Query().Get("search"),
		Skip:   skip,
		Limit:  limit,
	})
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.OK(w, page, h.log)
}

func (h *Handler) handleGetBook(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}

	book, err := h.service.GetBook(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.OK(w, book, h.log)
}

func (h *Handler) handleUpdateBook(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	var req UpdateBookInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}

	book, err := h.service.UpdateBook(r.Context(), id, req)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.OK(w, book, h.log)
}

func (h *Handler) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}

	if err := h.service.DeleteBook(r.Context(), id); err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) handleAdjustAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	var req struct {
		Operation string `json:"operation"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	op, err := ParseOperation(req.Operation)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}

	book, err := h.service.AdjustAvailability(r.Context(), id, op)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.OK(w, book, h.log)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.service.Summary(r.Context())
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.OK(w, sum, h.log)
}
