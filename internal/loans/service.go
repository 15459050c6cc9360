// internal/loans/service.go
package loans

import (
	"context"

	"smartlibrary/internal/catalog"
	"smartlibrary/internal/directory"
	"smartlibrary/internal/journal"
)

// Service defines the interface for the loan service.
type Service interface {
	IssueLoan(ctx context.Context, req IssueRequest) (*Loan, error)
	ReturnLoan(ctx context.Context, loanID int64) (*Loan, error)
	ExtendLoan(ctx context.Context, loanID int64, days int) (*ExtendedLoan, error)

	GetLoan(ctx context.Context, loanID int64) (*LoanWithDetails, error)
	ListUserLoans(ctx context.Context, userID int64, activeOnly bool, skip, limit int) (*PaginatedLoans, error)
	ListOverdue(ctx context.Context) ([]OverdueLoan, error)
	LoanHistory(ctx context.Context, loanID int64) ([]journal.Entry, error)
	Events(ctx context.Context, afterID int64, limit int) ([]journal.Entry, error)

	PopularBooks(ctx context.Context, limit int) ([]PopularBook, error)
	ActiveUsers(ctx context.Context, limit int) ([]ActiveUser, error)
	Overview(ctx context.Context) (*Overview, error)
}

// BookCatalog is the loan service's view of the catalog. Failures unwrap to
// clients.ErrNotFound, clients.ErrRejected or clients.ErrUnavailable.
type BookCatalog interface {
	GetBook(ctx context.Context, id int64) (*catalog.Book, error)
	AdjustAvailability(ctx context.Context, id int64, op catalog.Operation) (*catalog.Book, error)
	Summary(ctx context.Context) (*catalog.Summary, error)
}

// UserDirectory is the loan service's view of the directory.
type UserDirectory interface {
	GetUser(ctx context.Context, id int64) (*directory.User, error)
	Summary(ctx context.Context) (*directory.Summary, error)
}
