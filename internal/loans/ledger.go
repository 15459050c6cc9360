package loans

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jmoiron/sqlx"

	"smartlibrary/internal/apperr"
	"smartlibrary/internal/database"
	"smartlibrary/internal/journal"
)

const loansTable = "loans"

var loanColumns = []any{
	"id", "user_id", "book_id", "issue_date", "due_date", "return_date", "status", "extensions_count",
}

// Ledger is the authoritative store of loan records. Every mutation appends the
// matching journal entry in the same transaction.
type Ledger interface {
	Insert(ctx context.Context, userID, bookID int64, issueDate, dueDate time.Time) (*Loan, error)
	FindByID(ctx context.Context, id int64) (*Loan, error)
	FindByUser(ctx context.Context, userID int64, activeOnly bool, skip, limit int) ([]Loan, int, error)
	HasOpenLoan(ctx context.Context, userID, bookID int64) (bool, error)
	MarkReturned(ctx context.Context, id int64, at time.Time) (*Loan, error)
	MarkOverdue(ctx context.Context, now time.Time) (int, error)
	Extend(ctx context.Context, id int64, seenExtensions int, newDue time.Time, status Status, at time.Time) (*Loan, error)
	ListOverdue(ctx context.Context) ([]Loan, error)
	RecordRestoreFailure(ctx context.Context, loanID int64, payload RestoreFailure, at time.Time) error
	History(ctx context.Context, loanID int64) ([]journal.Entry, error)
	Events(ctx context.Context, afterID int64, limit int) ([]journal.Entry, error)

	PopularBooks(ctx context.Context, limit int) ([]BookLoanCount, error)
	ActiveUsers(ctx context.Context, limit int) ([]UserLoanCount, error)
	Counts(ctx context.Context, dayStart, dayEnd time.Time) (*LoanCounts, error)
}

// ErrOpenLoanExists is returned by Insert when the user already holds the book.
var ErrOpenLoanExists = apperr.InvalidState("User already has an active loan for this book")

// Journal payloads.
type (
	IssuedPayload struct {
		UserID  int64     `json:"user_id"`
		BookID  int64     `json:"book_id"`
		DueDate time.Time `json:"due_date"`
	}
	ReturnedPayload struct {
		BookID     int64     `json:"book_id"`
		ReturnDate time.Time `json:"return_date"`
	}
	ExtendedPayload struct {
		PreviousDueDate time.Time `json:"previous_due_date"`
		DueDate         time.Time `json:"due_date"`
		ExtensionsCount int       `json:"extensions_count"`
		Status          Status    `json:"status"`
	}
	OverduePayload struct {
		DueDate time.Time `json:"due_date"`
	}
	RestoreFailure struct {
		BookID int64  `json:"book_id"`
		Reason string `json:"reason"`
	}
)

type BookLoanCount struct {
	BookID      int64 `db:"book_id"`
	BorrowCount int   `db:"borrow_count"`
}

type UserLoanCount struct {
	UserID         int64 `db:"user_id"`
	BooksBorrowed  int   `db:"books_borrowed"`
	CurrentBorrows int   `db:"current_borrows"`
}

type LoanCounts struct {
	Borrowed     int
	Overdue      int
	LoansToday   int
	ReturnsToday int
}

type sqlLedger struct {
	db      *database.DB
	journal *journal.Journal
}

// NewLedger returns a Ledger backed by db. The schema must include the journal table.
func NewLedger(db *database.DB, j *journal.Journal) Ledger {
	return &sqlLedger{db: db, journal: j}
}

func (l *sqlLedger) Insert(ctx context.Context, userID, bookID int64, issueDate, dueDate time.Time) (*Loan, error) {
	loan := Loan{
		UserID:    userID,
		BookID:    bookID,
		IssueDate: issueDate.UTC(),
		DueDate:   dueDate.UTC(),
		Status:    StatusActive,
	}
	err := l.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		id, err := l.db.InsertID(ctx, tx, l.db.Dialect.Insert(loansTable).Rows(goqu.Record{
			"user_id":          loan.UserID,
			"book_id":          loan.BookID,
			"issue_date":       loan.IssueDate,
			"due_date":         loan.DueDate,
			"status":           string(loan.Status),
			"extensions_count": 0,
		}))
		if err != nil {
			if database.IsUniqueViolation(err) {
				return ErrOpenLoanExists
			}
			return fmt.Errorf("insert loan: %w", err)
		}
		loan.ID = id

		_, err = l.journal.Append(ctx, tx, id, journal.LoanIssued, IssuedPayload{
			UserID:  userID,
			BookID:  bookID,
			DueDate: loan.DueDate,
		}, loan.IssueDate)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

func (l *sqlLedger) FindByID(ctx context.Context, id int64) (*Loan, error) {
	return l.find(ctx, l.db, id)
}

func (l *sqlLedger) find(ctx context.Context, q database.Queryer, id int64) (*Loan, error) {
	var loan Loan
	err := database.Get(ctx, q, &loan, l.db.Dialect.From(loansTable).
		Select(loanColumns...).
		Where(goqu.C("id").Eq(id)))
	if database.IsNoRows(err) {
		return nil, apperr.NotFound("Loan not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load loan %d: %w", id, err)
	}
	return &loan, nil
}

func openStatuses() []string {
	return []string{string(StatusActive), string(StatusOverdue)}
}

func (l *sqlLedger) FindByUser(ctx context.Context, userID int64, activeOnly bool, skip, limit int) ([]Loan, int, error) {
	ds := l.db.Dialect.From(loansTable).Where(goqu.C("user_id").Eq(userID))
	if activeOnly {
		ds = ds.Where(goqu.C("status").In(openStatuses()))
	}

	var total int
	if err := database.Get(ctx, l.db, &total, ds.Select(goqu.COUNT(goqu.Star()))); err != nil {
		return nil, 0, fmt.Errorf("count user loans: %w", err)
	}

	loans := []Loan{}
	err := database.Select(ctx, l.db, &loans, ds.
		Select(loanColumns...).
		Order(goqu.C("issue_date").Desc(), goqu.C("id").Desc()).
		Offset(uint(skip)).
		Limit(uint(limit)))
	if err != nil {
		return nil, 0, fmt.Errorf("list user loans: %w", err)
	}
	return loans, total, nil
}

func (l *sqlLedger) HasOpenLoan(ctx context.Context, userID, bookID int64) (bool, error) {
	var n int
	err := database.Get(ctx, l.db, &n, l.db.Dialect.From(loansTable).
		Select(goqu.COUNT(goqu.Star())).
		Where(
			goqu.C("user_id").Eq(userID),
			goqu.C("book_id").Eq(bookID),
			goqu.C("status").In(openStatuses()),
		))
	if err != nil {
		return false, fmt.Errorf("check open loan: %w", err)
	}
	return n > 0, nil
}

// MarkReturned closes an open loan. A loan that is already RETURNED, including one
// returned concurrently, yields INVALID_STATE and is left untouched.
func (l *sqlLedger) MarkReturned(ctx context.Context, id int64, at time.Time) (*Loan, error) {
	at = at.UTC()
	var loan *Loan
	err := l.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		n, err := database.Exec(ctx, tx, l.db.Dialect.Update(loansTable).
			Set(goqu.Record{
				"status":      string(StatusReturned),
				"return_date": at,
			}).
			Where(
				goqu.C("id").Eq(id),
				goqu.C("status").Neq(string(StatusReturned)),
			))
		if err != nil {
			return fmt.Errorf("mark loan %d returned: %w", id, err)
		}

		loan, err = l.find(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return apperr.InvalidState("Book already returned")
		}

		_, err = l.journal.Append(ctx, tx, id, journal.LoanReturned, ReturnedPayload{
			BookID:     loan.BookID,
			ReturnDate: at,
		}, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

// MarkOverdue moves every ACTIVE loan due before now to OVERDUE and returns how many moved.
func (l *sqlLedger) MarkOverdue(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	var moved int
	err := l.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var due []Loan
		err := database.Select(ctx, tx, &due, l.db.Dialect.From(loansTable).
			Select(loanColumns...).
			Where(
				goqu.C("status").Eq(string(StatusActive)),
				goqu.C("due_date").Lt(now),
			))
		if err != nil {
			return fmt.Errorf("select due loans: %w", err)
		}

		for _, loan := range due {
			n, err := database.Exec(ctx, tx, l.db.Dialect.Update(loansTable).
				Set(goqu.Record{"status": string(StatusOverdue)}).
				Where(
					goqu.C("id").Eq(loan.ID),
					goqu.C("status").Eq(string(StatusActive)),
				))
			if err != nil {
				return fmt.Errorf("mark loan %d overdue: %w", loan.ID, err)
			}
			if n == 0 {
				continue
			}
			if _, err := l.journal.Append(ctx, tx, loan.ID, journal.LoanMarkedOverdue, OverduePayload{DueDate: loan.DueDate}, now); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// Extend sets a new due date and status, guarded by the extension count the caller
// observed. A concurrent extension or return makes the guard miss.
func (l *sqlLedger) Extend(ctx context.Context, id int64, seenExtensions int, newDue time.Time, status Status, at time.Time) (*Loan, error) {
	newDue = newDue.UTC()
	var loan *Loan
	err := l.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		before, err := l.find(ctx, tx, id)
		if err != nil {
			return err
		}

		n, err := database.Exec(ctx, tx, l.db.Dialect.Update(loansTable).
			Set(goqu.Record{
				"due_date":         newDue,
				"status":           string(status),
				"extensions_count": seenExtensions + 1,
			}).
			Where(
				goqu.C("id").Eq(id),
				goqu.C("extensions_count").Eq(seenExtensions),
				goqu.C("status").Neq(string(StatusReturned)),
			))
		if err != nil {
			return fmt.Errorf("extend loan %d: %w", id, err)
		}
		if n == 0 {
			if before.Status == StatusReturned {
				return apperr.InvalidState("Cannot extend a returned loan")
			}
			return apperr.Conflict("Loan was modified concurrently")
		}

		_, err = l.journal.Append(ctx, tx, id, journal.LoanExtended, ExtendedPayload{
			PreviousDueDate: before.DueDate,
			DueDate:         newDue,
			ExtensionsCount: seenExtensions + 1,
			Status:          status,
		}, at.UTC())
		if err != nil {
			return err
		}
		if status == StatusOverdue && before.Status != StatusOverdue {
			_, err = l.journal.Append(ctx, tx, id, journal.LoanMarkedOverdue, OverduePayload{DueDate: newDue}, at.UTC())
			if err != nil {
				return err
			}
		}

		loan, err = l.find(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

func (l *sqlLedger) ListOverdue(ctx context.Context) ([]Loan, error) {
	loans := []Loan{}
	err := database.Select(ctx, l.db, &loans, l.db.Dialect.From(loansTable).
		Select(loanColumns...).
		Where(goqu.C("status").Eq(string(StatusOverdue))).
		Order(goqu.C("due_date").Asc(), goqu.C("id").Asc()))
	if err != nil {
		return nil, fmt.Errorf("list overdue loans: %w", err)
	}
	return loans, nil
}

// RecordRestoreFailure journals an increment that never reached the catalog. It runs
// outside the return transaction, which has already committed.
func (l *sqlLedger) RecordRestoreFailure(ctx context.Context, loanID int64, payload RestoreFailure, at time.Time) error {
	_, err := l.journal.Append(ctx, l.db, loanID, journal.AvailabilityRestoreFailed, payload, at.UTC())
	return err
}

func (l *sqlLedger) History(ctx context.Context, loanID int64) ([]journal.Entry, error) {
	return l.journal.ForLoan(ctx, loanID)
}

func (l *sqlLedger) Events(ctx context.Context, afterID int64, limit int) ([]journal.Entry, error) {
	return l.journal.Stream(ctx, afterID, limit)
}

func (l *sqlLedger) PopularBooks(ctx context.Context, limit int) ([]BookLoanCount, error) {
	rows := []BookLoanCount{}
	err := database.Select(ctx, l.db, &rows, l.db.Dialect.From(loansTable).
		Select(goqu.C("book_id"), goqu.COUNT(goqu.Star()).As("borrow_count")).
		GroupBy("book_id").
		Order(goqu.I("borrow_count").Desc(), goqu.C("book_id").Asc()).
		Limit(uint(limit)))
	if err != nil {
		return nil, fmt.Errorf("popular books: %w", err)
	}
	return rows, nil
}

func (l *sqlLedger) ActiveUsers(ctx context.Context, limit int) ([]UserLoanCount, error) {
	rows := []UserLoanCount{}
	err := database.Select(ctx, l.db, &rows, l.db.Dialect.From(loansTable).
		Select(
			goqu.C("user_id"),
			goqu.COUNT(goqu.Star()).As("books_borrowed"),
			goqu.SUM(goqu.L("CASE WHEN status IN ('ACTIVE', 'OVERDUE') THEN 1 ELSE 0 END")).As("current_borrows"),
		).
		GroupBy("user_id").
		Order(goqu.I("books_borrowed").Desc(), goqu.C("user_id").Asc()).
		Limit(uint(limit)))
	if err != nil {
		return nil, fmt.Errorf("active users: %w", err)
	}
	return rows, nil
}

// Counts reads the ledger figures of the overview. "Today" is [dayStart, dayEnd).
func (l *sqlLedger) Counts(ctx context.Context, dayStart, dayEnd time.Time) (*LoanCounts, error) {
	dayStart, dayEnd = dayStart.UTC(), dayEnd.UTC()
	count := func(what string, where ...exp.Expression) (int, error) {
		var n int
		err := database.Get(ctx, l.db, &n, l.db.Dialect.From(loansTable).
			Select(goqu.COUNT(goqu.Star())).
			Where(where...))
		if err != nil {
			return 0, fmt.Errorf("count %s: %w", what, err)
		}
		return n, nil
	}

	var c LoanCounts
	var err error
	if c.Borrowed, err = count("borrowed", goqu.C("status").In(openStatuses())); err != nil {
		return nil, err
	}
	if c.Overdue, err = count("overdue", goqu.C("status").Eq(string(StatusOverdue))); err != nil {
		return nil, err
	}
	if c.LoansToday, err = count("loans today",
		goqu.C("issue_date").Gte(dayStart), goqu.C("issue_date").Lt(dayEnd)); err != nil {
		return nil, err
	}
	if c.ReturnsToday, err = count("returns today",
		goqu.C("status").Eq(string(StatusReturned)),
		goqu.C("return_date").Gte(dayStart), goqu.C("return_date").Lt(dayEnd)); err != nil {
		return nil, err
	}
	return &c, nil
}
