// internal/directory/domain.go
package directory

import (
	"embed"
	"time"
)

//go:embed schema/*.sql
var Schema embed.FS

// DefaultRole is assigned when a user is created without one.
const DefaultRole = "student"

// User represents a library patron.
type User struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Email     string    `json:"email" db:"email"`
	Role      string    `json:"role" db:"role"` // e.g. student, faculty
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type CreateUserInput struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// UpdateUserInput is a partial update; nil fields are left unchanged.
type UpdateUserInput struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
	Role  *string `json:"role"`
}

type PaginatedUsers struct {
	Users []User `json:"users"`
	Total int    `json:"total"`
}

type Summary struct {
	TotalUsers int `json:"total_users" db:"total_users"`
}
