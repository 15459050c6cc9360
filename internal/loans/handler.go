// internal/loans/handler.go
package loans

import (
	"log/slog"
	"math"
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

// Routes mounts the loan, return, journal and statistics endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/loans", func(r chi.Router) {
		r.Post("/", h.handleIssue)
		r.Get("/overdue", h.handleOverdue)
		r.Get("/user/{userId}", h.handleUserLoans)
		r.Get("/{id}", h.handleGetLoan)
		r.Put("/{id}/extend", h.handleExtend)
		r.Get("/{id}/history", h.handleHistory)
	})
	r.Post("/returns", h.handleReturn)
	r.Get("/events", h.handleEvents)
	r.Route("/stats", func(r chi.Router) {
		r.Get("/books/popular", h.handlePopularBooks)
		r.Get("/users/active", h.handleActiveUsers)
		r.Get("/overview", h.handleOverview)
	})
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}

	loan, err := h.service.IssueLoan(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.Created(w, loan, h.log)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req ReturnRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}

	loan, err := h.service.ReturnLoan(r.Context(), req.LoanID)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.OK(w, loan, h.log)
}

func (h *Handler) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}

	loan, err := h.service.GetLoan(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.OK(w, loan, h.log)
}

func (h *Handler) handleUserLoans(w http.ResponseWriter, r *http.Request) {
	userID, err := httpx.PathInt64(r, "userId")
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	activeOnly, err := httpx.QueryBool(r, "active_only", false)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	skip, err := httpx.QueryInt(r, "skip", 0, 0, math.MaxInt32)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	limit, err := httpx.QueryInt(r, "limit", 100, 1, 100)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}

	page, err := h.service.ListUserLoans(r.Context(), userID, activeOnly, skip, limit)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.OK(w, page, h.log)
}

func (h *Handler) handleOverdue(w http.ResponseWriter, r *http.Request) {
	loans, err := h.service.ListOverdue(r.Context())
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.OK(w, loans, h.log)
}

func (h *Handler) handleExtend(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	var req ExtendRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}

	loan, err := h.service.ExtendLoan(r.Context(), id, req.ExtensionDays)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.OK(w, loan, h.log)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}

	entries, err := h.service.LoanHistory(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.OK(w, entries, h.log)
}

// handleEvents pages through the whole journal: ?after_id=<last seen id>&limit=n.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, err := httpx.QueryInt(r, "after_id", 0, 0, math.MaxInt)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	limit, err := httpx.QueryInt(r, "limit", 100, 1, 1000)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}

	entries, err := h.service.Events(r.Context(), int64(after), limit)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.OK(w, entries, h.log)
}

func (h *Handler) handlePopularBooks(w http.ResponseWriter, r *http.Request) {
	limit, err := httpx.QueryInt(r, "limit", 10, 1, 100)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}

	books, err := h.service.PopularBooks(r.Context(), limit)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.OK(w, books, h.log)
}

func (h *Handler) handleActiveUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := httpx.QueryInt(r, "limit", 10, 1, 100)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}

	users, err := h.service.ActiveUsers(r.Context(), limit)
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.OK(w, users, h.log)
}

func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	ov, err := h.service.Overview(r.Context())
	if err != nil {
		httpx.WriteError(w, err, h.log)
		return
	}
	httpx.OK(w, ov, h.log)
}
