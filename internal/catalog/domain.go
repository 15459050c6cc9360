// internal/catalog/domain.go
package catalog

import (
	"embed"
	"time"

	"smartlibrary/internal/apperr"
)

//go:embed schema/*.sql
var Schema embed.FS

// Book is a catalog title together with its copy counts.
// The catalog is the only writer of Copies and AvailableCopies.
type Book struct {
	ID              int64     `json:"id" db:"id"`
	Title           string    `json:"title" db:"title"`
	Author          string    `json:"author" db:"author"`
	ISBN            string    `json:"isbn" db:"isbn"`
	Genre           *string   `json:"genre" db:"genre"`
	Copies          int       `json:"copies" db:"copies"`
	AvailableCopies int       `json:"available_copies" db:"available_copies"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// WithinBound reports whether 0 <= available <= copies.
func WithinBound(copies, available int) bool {
	return available >= 0 && available <= copies
}

// Operation is an availability adjustment direction.
type Operation string

const (
	Increment Operation = "increment"
	Decrement Operation = "decrement"
)

// ParseOperation validates an operation name.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case Increment, Decrement:
		return op, nil
	default:
		return "", apperr.Validation("Invalid operation. Use 'increment' or 'decrement'.")
	}
}

// CreateBookInput holds the fields of a new book. AvailableCopies defaults to Copies.
type CreateBookInput struct {
	Title           string  `json:"title"`
	Author          string  `json:"author"`
	ISBN            string  `json:"isbn"`
	Genre           *string `json:"genre"`
	Copies          int     `json:"copies"`
	AvailableCopies *int    `json:"available_copies"`
}

// UpdateBookInput is a partial update; nil fields are left unchanged.
type UpdateBookInput struct {
	Title           *string `json:"title"`
	Author          *string `json:"author"`
	ISBN            *string `json:"isbn"`
	Genre           *string `json:"genre"`
	Copies          *int    `json:"copies"`
	AvailableCopies *int    `json:"available_copies"`
}

// ListParams filters and pages a book listing.
type ListParams struct {
	Search string
	Skip   int
	Limit  int
}

// PaginatedBooks is one page of a book listing.
type PaginatedBooks struct {
	Books   []Book `json:"books"`
	Total   int    `json:"total"`
	Page    int    `json:"page"`
	PerPage int    `json:"per_page"`
}

// Summary aggregates copy counts over the whole catalog.
type Summary struct {
	TotalBooks     int `json:"total_books" db:"total_books"`
	BooksAvailable int `json:"books_available" db:"books_available"`
}
