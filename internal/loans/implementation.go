// internal/loans/implementation.go
package loans

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"smartlibrary/internal/apperr"
	"smartlibrary/internal/cache"
	"smartlibrary/internal/catalog"
	"smartlibrary/internal/clients"
	"smartlibrary/internal/journal"
)

// MaxExtensionDays bounds a single extension request.
const MaxExtensionDays = 365

// Options tunes the loan service.
type Options struct {
	DefaultLoanDays int
	MaxExtensions   int // 0 means unlimited
	CacheTTL        time.Duration
	Now             func() time.Time
}

type counters struct {
	issued          metric.Int64Counter
	returned        metric.Int64Counter
	restoreFailures metric.Int64Counter
	leakedUnits     metric.Int64Counter
}

func newCounters() counters {
	meter := otel.Meter("smartlibrary/loans")
	// otel hands back a usable no-op instrument alongside any registration error.
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	return counters{
		issued:          counter("loans.issued", "Loans issued"),
		returned:        counter("loans.returned", "Loans returned"),
		restoreFailures: counter("loans.restore_failures", "Returns whose availability increment failed"),
		leakedUnits:     counter("loans.leaked_units", "Copies decremented without a ledger record"),
	}
}

// service implements the Service interface.
type service struct {
	ledger  Ledger
	books   BookCatalog
	users   UserDirectory
	details *enricher
	log     *slog.Logger
	tracer  trace.Tracer
	metrics counters
	opts    Options
	now     func() time.Time
}

// NewService creates a new loan service instance. A nil cache disables caching of display data.
func NewService(ledger Ledger, books BookCatalog, users UserDirectory, c cache.Cache, log *slog.Logger, opts Options) Service {
	if opts.DefaultLoanDays <= 0 {
		opts.DefaultLoanDays = 14
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if c == nil {
		c = cache.Noop{}
	}
	return &service{
		ledger:  ledger,
		books:   books,
		users:   users,
		details: &enricher{books: books, users: users, cache: c, ttl: opts.CacheTTL, log: log},
		log:     log,
		tracer:  otel.Tracer("smartlibrary/loans"),
		metrics: newCounters(),
		opts:    opts,
		now:     opts.Now,
	}
}

func fail(span trace.Span, err error) error {
	if apperr.CodeOf(err) == apperr.CodeInternal || apperr.CodeOf(err) == apperr.CodeRemoteUnavailable {
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("error.code", string(apperr.CodeOf(err))))
	return err
}

// storageError passes typed ledger errors through and hides everything else.
func storageError(op string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Internal(op, err)
}

// IssueLoan runs the issue protocol: user check, book check, open-loan check,
// decrement, then the ledger insert. Nothing is written unless the decrement succeeds.
func (s *service) IssueLoan(ctx context.Context, req IssueRequest) (*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "loans.issue", trace.WithAttributes(
		attribute.Int64("user.id", req.UserID),
		attribute.Int64("book.id", req.BookID),
	))
	defer span.End()

	if req.UserID <= 0 || req.BookID <= 0 {
		return nil, fail(span, apperr.Validation("user_id and book_id must be positive"))
	}
	now := s.now().UTC()
	due := now.AddDate(0, 0, s.opts.DefaultLoanDays)
	if req.DueDate != nil {
		due = req.DueDate.UTC()
	}
	if !due.After(now) {
		return nil, fail(span, apperr.Validation("due_date must be in the future"))
	}

	if _, err := s.users.GetUser(ctx, req.UserID); err != nil {
		if errors.Is(err, clients.ErrNotFound) {
			return nil, fail(span, apperr.NotFound("User with ID %d not found", req.UserID))
		}
		return nil, fail(span, apperr.RemoteUnavailable("User service unavailable").WithCause(err))
	}

	book, err := s.books.GetBook(ctx, req.BookID)
	if err != nil {
		if errors.Is(err, clients.ErrNotFound) {
			return nil, fail(span, apperr.NotFound("Book with ID %d not found", req.BookID))
		}
		return nil, fail(span, apperr.RemoteUnavailable("Book service unavailable").WithCause(err))
	}
	if book.AvailableCopies <= 0 {
		return nil, fail(span, apperr.BoundViolation("Book with ID %d has no available copies", req.BookID))
	}

	open, err := s.ledger.HasOpenLoan(ctx, req.UserID, req.BookID)
	if err != nil {
		return nil, fail(span, storageError("check open loan", err))
	}
	if open {
		return nil, fail(span, ErrOpenLoanExists)
	}

	if err := s.reserveCopy(ctx, req.BookID); err != nil {
		return nil, fail(span, err)
	}

	loan, err := s.ledger.Insert(ctx, req.UserID, req.BookID, now, due)
	if errors.Is(err, ErrOpenLoanExists) {
		// A concurrent issue for the same pair won the open-loan slot after our check.
		s.releaseCopy(ctx, req.BookID)
		return nil, fail(span, ErrOpenLoanExists)
	}
	if err != nil {
		// The copy stays decremented. This is a known gap and is not compensated.
		s.metrics.leakedUnits.Add(ctx, 1)
		s.log.Error("Loan insert failed after availability was decremented",
			"user_id", req.UserID, "book_id", req.BookID, "error", err)
		return nil, fail(span, storageError("insert loan", err))
	}

	s.metrics.issued.Add(ctx, 1)
	span.SetAttributes(attribute.Int64("loan.id", loan.ID))
	s.log.Info("Loan issued", "loan_id", loan.ID, "user_id", loan.UserID, "book_id", loan.BookID, "due_date", loan.DueDate)
	return loan, nil
}

// reserveCopy is the strict policy of the issue path: any failure to take a copy
// aborts the issue before the ledger is touched.
func (s *service) reserveCopy(ctx context.Context, bookID int64) error {
	_, err := s.books.AdjustAvailability(ctx, bookID, catalog.Decrement)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, clients.ErrRejected):
		return apperr.BoundViolation("Book with ID %d has no available copies", bookID).WithCause(err)
	case errors.Is(err, clients.ErrNotFound):
		return apperr.NotFound("Book with ID %d not found", bookID)
	default:
		return apperr.RemoteUnavailable("Failed to update book availability").WithCause(err)
	}
}

// releaseCopy gives back a copy taken by an issue the ledger refused. If the increment
// fails the copy is leaked like an insert failure.
func (s *service) releaseCopy(ctx context.Context, bookID int64) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.books.AdjustAvailability(ctx, bookID, catalog.Increment); err != nil {
		s.metrics.leakedUnits.Add(ctx, 1)
		s.log.Error("Failed to release copy of refused loan", "book_id", bookID, "error", err)
		return
	}
	s.log.Info("Copy released after duplicate loan was refused", "book_id", bookID)
}

// restoreCopy is the best-effort policy of the return path. The return has already
// committed, so a failed increment is logged and journaled but never reported.
func (s *service) restoreCopy(ctx context.Context, loan *Loan) {
	// The increment still runs if the caller goes away; the client timeout bounds it.
	ctx = context.WithoutCancel(ctx)

	_, err := s.books.AdjustAvailability(ctx, loan.BookID, catalog.Increment)
	if err == nil {
		return
	}

	s.metrics.restoreFailures.Add(ctx, 1)
	s.log.Warn("Availability restore failed after return",
		"loan_id", loan.ID, "book_id", loan.BookID, "error", err)
	trace.SpanFromContext(ctx).AddEvent("availability_restore_failed", trace.WithAttributes(
		attribute.String("error", err.Error()),
	))

	rec := RestoreFailure{BookID: loan.BookID, Reason: err.Error()}
	if jerr := s.ledger.RecordRestoreFailure(ctx, loan.ID, rec, s.now()); jerr != nil {
		s.log.Error("Failed to journal availability restore failure",
			"loan_id", loan.ID, "book_id", loan.BookID, "error", jerr)
	}
}

// ReturnLoan closes the loan and then tries to give the copy back to the catalog.
func (s *service) ReturnLoan(ctx context.Context, loanID int64) (*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "loans.return", trace.WithAttributes(attribute.Int64("loan.id", loanID)))
	defer span.End()

	loan, err := s.ledger.FindByID(ctx, loanID)
	if err != nil {
		return nil, fail(span, storageError("load loan", err))
	}
	if loan.Status == StatusReturned {
		return nil, fail(span, apperr.InvalidState("Book already returned"))
	}

	returned, err := s.ledger.MarkReturned(ctx, loanID, s.now())
	if err != nil {
		return nil, fail(span, storageError("mark returned", err))
	}
	s.metrics.returned.Add(ctx, 1)
	s.log.Info("Loan returned", "loan_id", returned.ID, "book_id", returned.BookID)

	s.restoreCopy(ctx, returned)
	return returned, nil
}

// ExtendLoan moves the due date forward from the current due date, not from now.
func (s *service) ExtendLoan(ctx context.Context, loanID int64, days int) (*ExtendedLoan, error) {
	ctx, span := s.tracer.Start(ctx, "loans.extend", trace.WithAttributes(
		attribute.Int64("loan.id", loanID),
		attribute.Int("extension.days", days),
	))
	defer span.End()

	if days <= 0 || days > MaxExtensionDays {
		return nil, fail(span, apperr.Validation("extension_days must be between 1 and %d", MaxExtensionDays))
	}

	loan, err := s.ledger.FindByID(ctx, loanID)
	if err != nil {
		return nil, fail(span, storageError("load loan", err))
	}
	if loan.Status == StatusReturned {
		return nil, fail(span, apperr.InvalidState("Cannot extend a returned loan"))
	}
	if s.opts.MaxExtensions > 0 && loan.ExtensionsCount >= s.opts.MaxExtensions {
		return nil, fail(span, apperr.InvalidState("Maximum of %d extensions reached", s.opts.MaxExtensions))
	}

	now := s.now().UTC()
	newDue := loan.DueDate.Add(time.Duration(days) * 24 * time.Hour)
	status := StatusActive
	if newDue.Before(now) {
		status = StatusOverdue
	}

	extended, err := s.ledger.Extend(ctx, loanID, loan.ExtensionsCount, newDue, status, now)
	if err != nil {
		return nil, fail(span, storageError("extend loan", err))
	}

	s.log.Info("Loan extended", "loan_id", loanID, "previous_due_date", loan.DueDate, "due_date", extended.DueDate)
	return &ExtendedLoan{
		Loan:            observed(*extended, now),
		OriginalDueDate: loan.DueDate,
		ExtendedDueDate: extended.DueDate,
	}, nil
}

func (s *service) GetLoan(ctx context.Context, loanID int64) (*LoanWithDetails, error) {
	loan, err := s.ledger.FindByID(ctx, loanID)
	if err != nil {
		return nil, storageError("load loan", err)
	}
	l := observed(*loan, s.now())
	d := s.details.session()
	return &LoanWithDetails{
		ID:              l.ID,
		User:            d.user(ctx, l.UserID),
		Book:            d.book(ctx, l.BookID),
		IssueDate:       l.IssueDate,
		DueDate:         l.DueDate,
		ReturnDate:      l.ReturnDate,
		Status:          l.Status,
		ExtensionsCount: l.ExtensionsCount,
	}, nil
}

// ListUserLoans lists a user's loans newest first. activeOnly keeps the open ones.
func (s *service) ListUserLoans(ctx context.Context, userID int64, activeOnly bool, skip, limit int) (*PaginatedLoans, error) {
	loans, total, err := s.ledger.FindByUser(ctx, userID, activeOnly, skip, limit)
	if err != nil {
		return nil, storageError("list user loans", err)
	}

	now := s.now()
	d := s.details.session()
	items := make([]LoanHistoryItem, 0, len(loans))
	for _, loan := range loans {
		l := observed(loan, now)
		items = append(items, LoanHistoryItem{
			ID:              l.ID,
			Book:            d.book(ctx, l.BookID),
			IssueDate:       l.IssueDate,
			DueDate:         l.DueDate,
			ReturnDate:      l.ReturnDate,
			Status:          l.Status,
			ExtensionsCount: l.ExtensionsCount,
		})
	}
	return &PaginatedLoans{Loans: items, Total: total}, nil
}

// ListOverdue records pending ACTIVE to OVERDUE transitions, then lists every overdue loan.
func (s *service) ListOverdue(ctx context.Context) ([]OverdueLoan, error) {
	now := s.now()
	moved, err := s.ledger.MarkOverdue(ctx, now)
	if err != nil {
		return nil, storageError("mark overdue", err)
	}
	if moved > 0 {
		s.log.Info("Loans marked overdue", "count", moved)
	}

	loans, err := s.ledger.ListOverdue(ctx)
	if err != nil {
		return nil, storageError("list overdue", err)
	}

	d := s.details.session()
	out := make([]OverdueLoan, 0, len(loans))
	for _, l := range loans {
		out = append(out, OverdueLoan{
			ID:          l.ID,
			User:        d.user(ctx, l.UserID),
			Book:        d.book(ctx, l.BookID),
			IssueDate:   l.IssueDate,
			DueDate:     l.DueDate,
			DaysOverdue: DaysOverdue(l.DueDate, now),
		})
	}
	return out, nil
}

func (s *service) LoanHistory(ctx context.Context, loanID int64) ([]journal.Entry, error) {
	if _, err := s.ledger.FindByID(ctx, loanID); err != nil {
		return nil, storageError("load loan", err)
	}
	entries, err := s.ledger.History(ctx, loanID)
	if err != nil {
		return nil, storageError("load history", err)
	}
	return entries, nil
}

func (s *service) Events(ctx context.Context, afterID int64, limit int) ([]journal.Entry, error) {
	entries, err := s.ledger.Events(ctx, afterID, limit)
	if err != nil {
		return nil, storageError("stream events", err)
	}
	return entries, nil
}
