// internal/clients/catalog_client.go
package clients

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"smartlibrary/internal/catalog"
)

type CatalogClient struct {
	remote
}

func NewCatalogClient(baseURL string, timeout time.Duration) *CatalogClient {
	return &CatalogClient{remote: newRemote("catalog", baseURL, timeout)}
}

// GetBook fetches a book. Outcomes: ErrNotFound, ErrUnavailable.
func (c *CatalogClient) GetBook(ctx context.Context, id int64) (*catalog.Book, error) {
	var book catalog.Book
	if err := c.call(ctx, "get_book", http.MethodGet, fmt.Sprintf("/books/%d", id), nil, &book, false); err != nil {
		return nil, err
	}
	return &book, nil
}

// AdjustAvailability moves the book's availability one step.
// Outcomes: ErrNotFound, ErrRejected (the catalog enforced its bound), ErrUnavailable.
func (c *CatalogClient) AdjustAvailability(ctx context.Context, id int64, op catalog.Operation) (*catalog.Book, error) {
	req := struct {
		Operation catalog.Operation `json:"operation"`
	}{Operation: op}

	var book catalog.Book
	if err := c.call(ctx, "adjust_availability", http.MethodPatch, fmt.Sprintf("/books/%d/availability", id), req, &book, true); err != nil {
		return nil, err
	}
	return &book, nil
}

// Summary fetches catalog-wide copy totals.
func (c *CatalogClient) Summary(ctx context.Context) (*catalog.Summary, error) {
	var sum catalog.Summary
	if err := c.call(ctx, "summary", http.MethodGet, "/books/summary", nil, &sum, false); err != nil {
		return nil, err
	}
	return &sum, nil
}
