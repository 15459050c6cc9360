// internal/catalog/implementation.go
package catalog

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"smartlibrary/internal/apperr"
	"smartlibrary/internal/database"
)

const booksTable = "books"

var bookColumns = []any{
	"id", "title", "author", "isbn", "genre", "copies", "available_copies", "created_at", "updated_at",
}

// service implements the Service interface.
type service struct {
	db     *database.DB
	log    *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewService creates a new catalog service instance.
func NewService(db *database.DB, log *slog.Logger) Service {
	return &service{
		db:     db,
		log:    log,
		tracer: otel.Tracer("smartlibrary/catalog"),
		now:    time.Now,
	}
}

func (s *service) CreateBook(ctx context.Context, in CreateBookInput) (*Book, error) {
	if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.Author) == "" || strings.TrimSpace(in.ISBN) == "" {
		return nil, apperr.Validation("title, author and isbn are required")
	}
	available := in.Copies
	if in.AvailableCopies != nil {
		available = *in.AvailableCopies
	}
	if in.Copies < 0 || !WithinBound(in.Copies, available) {
		return nil, apperr.BoundViolation("available_copies must be between 0 and copies")
	}

	now := s.now().UTC()
	id, err := s.db.InsertID(ctx, s.db, s.db.Dialect.Insert(booksTable).Rows(goqu.Record{
		"title":            in.Title,
		"author":           in.Author,
		"isbn":             in.ISBN,
		"genre":            nullable(in.Genre),
		"copies":           in.Copies,
		"available_copies": available,
		"created_at":       now,
		"updated_at":       now,
	}))
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperr.Conflict("ISBN already registered")
		}
		return nil, apperr.Internal("insert book", err)
	}

	s.log.Info("Book created", "book_id", id, "isbn", in.ISBN, "copies", in.Copies)
	return s.GetBook(ctx, id)
}

func (s *service) GetBook(ctx context.Context, id int64) (*Book, error) {
	return s.getBook(ctx, s.db, id)
}

func (s *service) getBook(ctx context.Context, q database.Queryer, id int64) (*Book, error) {
	var b Book
	err := database.Get(ctx, q, &b, s.db.Dialect.From(booksTable).
		Select(bookColumns...).
		Where(goqu.C("id").Eq(id)))
	if database.IsNoRows(err) {
		return nil, apperr.NotFound("Book not found")
	}
	if err != nil {
		return nil, apperr.Internal("load book", err)
	}
	return &b, nil
}

func (s *service) ListBooks(ctx context.Context, params ListParams) (*PaginatedBooks, error) {
	ds := s.db.Dialect.From(booksTable)
	if term := strings.TrimSpace(params.Search); term != "" {
		pattern := "%" + strings.ToLower(term) + "%"
		ds = ds.Where(goqu.Or(
			goqu.Func("LOWER", goqu.C("title")).Like(pattern),
			goqu.Func("LOWER", goqu.C("author")).Like(pattern),
			goqu.Func("LOWER", goqu.C("isbn")).Like(pattern),
			goqu.Func("LOWER", goqu.C("genre")).Like(pattern),
		))
	}

	var total int
	if err := database.Get(ctx, s.db, &total, ds.Select(goqu.COUNT(goqu.Star()))); err != nil {
		return nil, apperr.Internal("count books", err)
	}

	books := []Book{}
	err := database.Select(ctx, s.db, &books, ds.
		Select(bookColumns...).
		Order(goqu.C("id").Asc()).
		Offset(uint(params.Skip)).
		Limit(uint(params.Limit)))
	if err != nil {
		return nil, apperr.Internal("list books", err)
	}

	page := 1
	if params.Limit > 0 {
		page = params.Skip/params.Limit + 1
	}
	return &PaginatedBooks{Books: books, Total: total, Page: page, PerPage: params.Limit}, nil
}

func (s *service) UpdateBook(ctx context.Context, id int64, in UpdateBookInput) (*Book, error) {
	var updated *Book
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		current, err := s.getBook(ctx, tx, id)
		if err != nil {
			return err
		}

		if in.ISBN != nil && *in.ISBN != current.ISBN {
			var taken int
			err := database.Get(ctx, tx, &taken, s.db.Dialect.From(booksTable).
				Select(goqu.COUNT(goqu.Star())).
				Where(goqu.C("isbn").Eq(*in.ISBN), goqu.C("id").Neq(id)))
			if err != nil {
				return apperr.Internal("check isbn", err)
			}
			if taken > 0 {
				return apperr.Conflict("ISBN already registered")
			}
		}

		next := *current
		applyUpdate(&next, in)
		if next.Copies < 0 || !WithinBound(next.Copies, next.AvailableCopies) {
			return apperr.BoundViolation("available_copies must be between 0 and copies")
		}
		next.UpdatedAt = s.now().UTC()

		_, err = database.Exec(ctx, tx, s.db.Dialect.Update(booksTable).
			Set(goqu.Record{
				"title":            next.Title,
				"author":           next.Author,
				"isbn":             next.ISBN,
				"genre":            nullable(next.Genre),
				"copies":           next.Copies,
				"available_copies": next.AvailableCopies,
				"updated_at":       next.UpdatedAt,
			}).
			Where(goqu.C("id").Eq(id)))
		if err != nil {
			if database.IsUniqueViolation(err) {
				return apperr.Conflict("ISBN already registered")
			}
			return apperr.Internal("update book", err)
		}

		updated, err = s.getBook(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// applyUpdate copies the set fields of in onto b. Shrinking copies below the current
// availability without naming a new availability clamps availability to copies.
func applyUpdate(b *Book, in UpdateBookInput) {
	if in.Title != nil {
		b.Title = *in.Title
	}
	if in.Author != nil {
		b.Author = *in.Author
	}
	if in.ISBN != nil {
		b.ISBN = *in.ISBN
	}
	if in.Genre != nil {
		b.Genre = in.Genre
	}
	if in.Copies != nil {
		if *in.Copies < b.AvailableCopies && in.AvailableCopies == nil {
			b.AvailableCopies = *in.Copies
		}
		b.Copies = *in.Copies
	}
	if in.AvailableCopies != nil {
		b.AvailableCopies = *in.AvailableCopies
	}
}

func (s *service) DeleteBook(ctx context.Context, id int64) error {
	n, err := database.Exec(ctx, s.db, s.db.Dialect.Delete(booksTable).Where(goqu.C("id").Eq(id)))
	if err != nil {
		return apperr.Internal("delete book", err)
	}
	if n == 0 {
		return apperr.NotFound("Book not found")
	}
	s.log.Info("Book deleted", "book_id", id)
	return nil
}

// AdjustAvailability is a single conditional UPDATE, so two concurrent decrements of the
// last copy cannot both succeed.
func (s *service) AdjustAvailability(ctx context.Context, id int64, op Operation) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.adjust_availability",
		trace.WithAttributes(
			attribute.Int64("book.id", id),
			attribute.String("operation", string(op)),
		),
	)
	defer span.End()

	var (
		delta string
		guard exp.Expression
		limit string
	)
	switch op {
	case Decrement:
		delta = "available_copies - 1"
		guard = goqu.C("available_copies").Gt(0)
		limit = "No available copies to borrow"
	case Increment:
		delta = "available_copies + 1"
		guard = goqu.C("available_copies").Lt(goqu.I("copies"))
		limit = "Available copies cannot exceed total copies"
	default:
		return nil, apperr.Validation("Invalid operation. Use 'increment' or 'decrement'.")
	}

	var book *Book
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		n, err := database.Exec(ctx, tx, s.db.Dialect.Update(booksTable).
			Set(goqu.Record{
				"available_copies": goqu.L(delta),
				"updated_at":       s.now().UTC(),
			}).
			Where(goqu.C("id").Eq(id), guard))
		if err != nil {
			return apperr.Internal("adjust availability", err)
		}

		current, err := s.getBook(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			span.SetAttributes(attribute.Bool("bound.rejected", true))
			return apperr.BoundViolation("%s", limit)
		}
		book = current
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("available_copies", book.AvailableCopies))
	s.log.Debug("Availability adjusted", "book_id", id, "operation", op, "available_copies", book.AvailableCopies)
	return book, nil
}

func (s *service) Summary(ctx context.Context) (*Summary, error) {
	var sum Summary
	err := database.Get(ctx, s.db, &sum, s.db.Dialect.From(booksTable).Select(
		goqu.COALESCE(goqu.SUM("copies"), 0).As("total_books"),
		goqu.COALESCE(goqu.SUM("available_copies"), 0).As("books_available"),
	))
	if err != nil {
		return nil, apperr.Internal("summarize books", err)
	}
	return &sum, nil
}
