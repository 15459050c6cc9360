// internal/loans/domain.go
package loans

import (
	"embed"
	"time"
)

//go:embed schema/*.sql
var Schema embed.FS

// Status is the lifecycle state of a loan. RETURNED is terminal.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusOverdue  Status = "OVERDUE"
	StatusReturned Status = "RETURNED"
)

// Open reports whether the loan still holds a copy.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusOverdue
}

// Loan is a ledger record. UserID and BookID reference entities owned by other
// services; they are checked when the loan is issued and never again.
type Loan struct {
	ID              int64      `json:"id" db:"id"`
	UserID          int64      `json:"user_id" db:"user_id"`
	BookID          int64      `json:"book_id" db:"book_id"`
	IssueDate       time.Time  `json:"issue_date" db:"issue_date"`
	DueDate         time.Time  `json:"due_date" db:"due_date"`
	ReturnDate      *time.Time `json:"return_date" db:"return_date"`
	Status          Status     `json:"status" db:"status"`
	ExtensionsCount int        `json:"extensions_count" db:"extensions_count"`
}

// EffectiveStatus is the status a loan has when observed at now: an unreturned loan
// past its due date is overdue whether or not the ledger has recorded it yet.
func EffectiveStatus(l Loan, now time.Time) Status {
	if l.Status == StatusReturned {
		return StatusReturned
	}
	if l.DueDate.Before(now) {
		return StatusOverdue
	}
	return l.Status
}

// observed returns a copy of l carrying its effective status.
func observed(l Loan, now time.Time) Loan {
	l.Status = EffectiveStatus(l, now)
	return l
}

// DaysOverdue counts whole days since due, never negative.
func DaysOverdue(due, now time.Time) int {
	if !due.Before(now) {
		return 0
	}
	return int(now.Sub(due) / (24 * time.Hour))
}

// Placeholders shown when a sibling service cannot describe a user or book.
const (
	UserUnavailable   = "User details unavailable"
	BookUnavailable   = "Book details unavailable"
	AuthorUnavailable = "Author details unavailable"
)

type UserDetail struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type BookDetail struct {
	ID     int64  `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author"`
}

// IssueRequest asks for a new loan. A nil DueDate means the default loan period.
type IssueRequest struct {
	UserID  int64      `json:"user_id"`
	BookID  int64      `json:"book_id"`
	DueDate *time.Time `json:"due_date"`
}

type ReturnRequest struct {
	LoanID int64 `json:"loan_id"`
}

type ExtendRequest struct {
	ExtensionDays int `json:"extension_days"`
}

type LoanWithDetails struct {
	ID              int64      `json:"id"`
	User            UserDetail `json:"user"`
	Book            BookDetail `json:"book"`
	IssueDate       time.Time  `json:"issue_date"`
	DueDate         time.Time  `json:"due_date"`
	ReturnDate      *time.Time `json:"return_date"`
	Status          Status     `json:"status"`
	ExtensionsCount int        `json:"extensions_count"`
}

type LoanHistoryItem struct {
	ID              int64      `json:"id"`
	Book            BookDetail `json:"book"`
	IssueDate       time.Time  `json:"issue_date"`
	DueDate         time.Time  `json:"due_date"`
	ReturnDate      *time.Time `json:"return_date"`
	Status          Status     `json:"status"`
	ExtensionsCount int        `json:"extensions_count"`
}

type PaginatedLoans struct {
	Loans []LoanHistoryItem `json:"loans"`
	Total int               `json:"total"`
}

type OverdueLoan struct {
	ID          int64      `json:"id"`
	User        UserDetail `json:"user"`
	Book        BookDetail `json:"book"`
	IssueDate   time.Time  `json:"issue_date"`
	DueDate     time.Time  `json:"due_date"`
	DaysOverdue int        `json:"days_overdue"`
}

// ExtendedLoan is a loan after an extension, with the due date it had before.
type ExtendedLoan struct {
	Loan
	OriginalDueDate time.Time `json:"original_due_date"`
	ExtendedDueDate time.Time `json:"extended_due_date"`
}

type PopularBook struct {
	BookID      int64  `json:"book_id"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	BorrowCount int    `json:"borrow_count"`
}

type ActiveUser struct {
	UserID         int64  `json:"user_id"`
	Name           string `json:"name"`
	BooksBorrowed  int    `json:"books_borrowed"`
	CurrentBorrows int    `json:"current_borrows"`
}

// Overview combines ledger counts with totals from the catalog and directory.
// Remote totals are null when the owning service could not be reached.
type Overview struct {
	TotalBooks     *int `json:"total_books"`
	TotalUsers     *int `json:"total_users"`
	BooksAvailable *int `json:"books_available"`
	BooksBorrowed  int  `json:"books_borrowed"`
	OverdueLoans   int  `json:"overdue_loans"`
	LoansToday     int  `json:"loans_today"`
	ReturnsToday   int  `json:"returns_today"`
}
