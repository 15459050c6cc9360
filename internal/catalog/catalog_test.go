package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"smartlibrary/internal/apperr"
	"smartlibrary/internal/database"
	"smartlibrary/internal/logger"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	db, err := database.Open(context.Background(), database.DriverSQLite, filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background(), Schema))
	return NewService(db, logger.Discard())
}

func intPtr(n int) *int       { return &n }
func strPtr(s string) *string { return &s }

func createBook(t *testing.T, svc Service, isbn string, copies, available int) *Book {
	t.Helper()
	b, err := svc.CreateBook(context.Background(), CreateBookInput{
		Title:           "Title " + isbn,
		Author:          "Author",
		ISBN:            isbn,
		Copies:          copies,
		AvailableCopies: intPtr(available),
	})
	require.NoError(t, err)
	return b
}

func TestCreateBookDefaultsAvailability(t *testing.T) {
	svc := newTestService(t)

	b, err := svc.CreateBook(context.Background(), CreateBookInput{
		Title: "Dune", Author: "Frank Herbert", ISBN: "978-0441013593", Genre: strPtr("Science Fiction"), Copies: 3,
	})
	require.NoError(t, err)
	assert.Positive(t, b.ID)
	assert.Equal(t, 3, b.AvailableCopies)
	require.NotNil(t, b.Genre)
	assert.Equal(t, "Science Fiction", *b.Genre)
	assert.False(t, b.CreatedAt.IsZero())
}

func TestCreateBookRejectsDuplicatesAndBadBounds(t *testing.T) {
	svc := newTestService(t)
	createBook(t, svc, "111", 1, 1)

	_, err := svc.CreateBook(context.Background(), CreateBookInput{Title: "x", Author: "y", ISBN: "111", Copies: 1})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = svc.CreateBook(context.Background(), CreateBookInput{Title: "x", Author: "y", ISBN: "222", Copies: 1, AvailableCopies: intPtr(2)})
	assert.ErrorIs(t, err, apperr.ErrBoundViolation)

	_, err = svc.CreateBook(context.Background(), CreateBookInput{Author: "y", ISBN: "333", Copies: 1})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestAdjustAvailabilityEnforcesBound(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	b := createBook(t, svc, "555", 2, 2)

	_, err := svc.AdjustAvailability(ctx, b.ID, Increment)
	assert.ErrorIs(t, err, apperr.ErrBoundViolation, "already at capacity")

	got, err := svc.AdjustAvailability(ctx, b.ID, Decrement)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AvailableCopies)

	got, err = svc.AdjustAvailability(ctx, b.ID, Decrement)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AvailableCopies)

	_, err = svc.AdjustAvailability(ctx, b.ID, Decrement)
	assert.ErrorIs(t, err, apperr.ErrBoundViolation)

	after, err := svc.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, after.AvailableCopies, "rejected adjustment changes nothing")

	_, err = svc.AdjustAvailability(ctx, 9999, Decrement)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.AdjustAvailability(ctx, b.ID, Operation("double"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestConcurrentDecrementsNeverOversell(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	b := createBook(t, svc, "777", 3, 3)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
	)
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AdjustAvailability(ctx, b.ID, Decrement)
			switch {
			case err == nil:
				succeeded.Add(1)
			case apperr.CodeOf(err) == apperr.CodeBoundViolation:
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 3, succeeded.Load())
	assert.EqualValues(t, 9, rejected.Load())

	after, err := svc.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, after.AvailableCopies)
}

func TestAvailabilityBoundProperty(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	var seq atomic.Int64

	rapid.Check(t, func(rt *rapid.T) {
		copies := rapid.IntRange(0, 4).Draw(rt, "copies")
		available := rapid.IntRange(0, copies).Draw(rt, "available")
		ops := rapid.SliceOfN(rapid.SampledFrom([]Operation{Increment, Decrement}), 1, 12).Draw(rt, "ops")

		b, err := svc.CreateBook(ctx, CreateBookInput{
			Title: "prop", Author: "prop", ISBN: fmt.Sprintf("prop-%d", seq.Add(1)),
			Copies: copies, AvailableCopies: intPtr(available),
		})
		if err != nil {
			rt.Fatalf("create: %v", err)
		}

		model := available
		for _, op := range ops {
			got, err := svc.AdjustAvailability(ctx, b.ID, op)
			allowed := (op == Decrement && model > 0) || (op == Increment && model < copies)
			if allowed {
				if err != nil {
					rt.Fatalf("%s at %d/%d: unexpected error %v", op, model, copies, err)
				}
				if op == Decrement {
					model--
				} else {
					model++
				}
				if got.AvailableCopies != model {
					rt.Fatalf("available %d, want %d", got.AvailableCopies, model)
				}
			} else if apperr.CodeOf(err) != apperr.CodeBoundViolation {
				rt.Fatalf("%s at %d/%d: want bound violation, got %v", op, model, copies, err)
			}

			current, err := svc.GetBook(ctx, b.ID)
			if err != nil {
				rt.Fatalf("get: %v", err)
			}
			if !WithinBound(current.Copies, current.AvailableCopies) {
				rt.Fatalf("bound violated: %d/%d", current.AvailableCopies, current.Copies)
			}
		}
	})
}

func TestUpdateBook(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	b := createBook(t, svc, "100", 5, 4)
	createBook(t, svc, "200", 1, 1)

	got, err := svc.UpdateBook(ctx, b.ID, UpdateBookInput{Copies: intPtr(2)})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Copies)
	assert.Equal(t, 2, got.AvailableCopies, "availability clamps to the new copy count")

	got, err = svc.UpdateBook(ctx, b.ID, UpdateBookInput{Title: strPtr("New Title")})
	require.NoError(t, err)
	assert.Equal(t, "New Title", got.Title)
	assert.Equal(t, 2, got.Copies)

	_, err = svc.UpdateBook(ctx, b.ID, UpdateBookInput{ISBN: strPtr("200")})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = svc.UpdateBook(ctx, b.ID, UpdateBookInput{Copies: intPtr(1), AvailableCopies: intPtr(2)})
	assert.ErrorIs(t, err, apperr.ErrBoundViolation)

	_, err = svc.UpdateBook(ctx, 4242, UpdateBookInput{Title: strPtr("x")})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListBooksSearchAndPaging(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	for i, title := range []string{"The Hobbit", "Hobbit Companion", "Dune", "Emma"} {
		_, err := svc.CreateBook(ctx, CreateBookInput{Title: title, Author: "A", ISBN: fmt.Sprint(i), Copies: 1})
		require.NoError(t, err)
	}

	page, err := svc.ListBooks(ctx, ListParams{Search: "HOBBIT", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Books, 2)

	page, err = svc.ListBooks(ctx, ListParams{Skip: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Len(t, page.Books, 2)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, "Dune", page.Books[0].Title)
}

func TestDeleteAndSummary(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	a := createBook(t, svc, "1", 3, 1)
	createBook(t, svc, "2", 2, 2)

	sum, err := svc.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{TotalBooks: 5, BooksAvailable: 3}, *sum)

	require.NoError(t, svc.DeleteBook(ctx, a.ID))
	assert.ErrorIs(t, svc.DeleteBook(ctx, a.ID), apperr.ErrNotFound)

	sum, err = svc.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{TotalBooks: 2, BooksAvailable: 2}, *sum)
}

func newTestRouter(t *testing.T) (http.Handler, Service) {
	t.Helper()
	svc := newTestService(t)
	r := chi.NewRouter()
	NewHandler(svc, logger.Discard()).Routes(r)
	return r, svc
}

func TestHandlerAvailabilityEndpoint(t *testing.T) {
	router, svc := newTestRouter(t)
	b := createBook(t, svc, "900", 1, 1)
	url := fmt.Sprintf("/books/%d/availability", b.ID)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, url, strings.NewReader(`{"operation":"decrement"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	var got Book
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 0, got.AvailableCopies)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, url, strings.NewReader(`{"operation":"decrement"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "BOUND_VIOLATION")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/books/31337/availability", strings.NewReader(`{"operation":"increment"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, url, strings.NewReader(`{"operation":"sideways"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION")
}

func TestHandlerCRUD(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/books",
		strings.NewReader(`{"title":"Emma","author":"Jane Austen","isbn":"42","copies":2}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created Book
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &created))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/books",
		strings.NewReader(`{"title":"Emma","author":"Jane Austen","isbn":"42","copies":2}`)))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/books/%d", created.ID), nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/books?search=emma&limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var page PaginatedBooks
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, 5, page.PerPage)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/books?limit=500", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/books/summary", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total_books":2,"books_available":2}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/books/%d", created.ID), nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
