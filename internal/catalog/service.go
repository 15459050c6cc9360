// internal/catalog/service.go
package catalog

import (
	"context"
)

// Service defines the interface for the catalog service.
type Service interface {
	CreateBook(ctx context.Context, in CreateBookInput) (*Book, error)
	GetBook(ctx context.Context, id int64) (*Book, error)
	ListBooks(ctx context.Context, params ListParams) (*PaginatedBooks, error)
	UpdateBook(ctx context.Context, id int64, in UpdateBookInput) (*Book, error)
	DeleteBook(ctx context.Context, id int64) error
	// AdjustAvailability moves AvailableCopies one step in the given direction, or fails
	// with BOUND_VIOLATION and changes nothing when the step would leave [0, Copies].
	AdjustAvailability(ctx context.Context, id int64, op Operation) (*Book, error)
	Summary(ctx context.Context) (*Summary, error)
}
