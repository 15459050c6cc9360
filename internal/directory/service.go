// internal/directory/service.go
package directory

import (
	"context"
)

// Service defines the interface for the user directory.
type Service interface {
	CreateUser(ctx context.Context, in CreateUserInput) (*User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	ListUsers(ctx context.Context, skip, limit int) (*PaginatedUsers, error)
	UpdateUser(ctx context.Context, id int64, in UpdateUserInput) (*User, error)
	Summary(ctx context.Context) (*Summary, error)
}
