// internal/directory/implementation.go
package directory

import (
	"context"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"

	"smartlibrary/internal/apperr"
	"smartlibrary/internal/database"
)

const usersTable = "users"

var userColumns = []any{"id", "name", "email", "role", "created_at", "updated_at"}

// service implements the Service interface.
type service struct {
	db  *database.DB
	log *slog.Logger
	now func() time.Time
}

// NewService creates a new directory service instance.
func NewService(db *database.DB, log *slog.Logger) Service {
	return &service{db: db, log: log, now: time.Now}
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperr.Validation("invalid email address %q", email)
	}
	return strings.ToLower(email), nil
}

// CreateUser registers a new user. Emails are unique, compared case-insensitively.
func (s *service) CreateUser(ctx context.Context, in CreateUserInput) (*User, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, apperr.Validation("name is required")
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	role := strings.TrimSpace(in.Role)
	if role == "" {
		role = DefaultRole
	}

	now := s.now().UTC()
	id, err := s.db.InsertID(ctx, s.db, s.db.Dialect.Insert(usersTable).Rows(goqu.Record{
		"name":       in.Name,
		"email":      email,
		"role":       role,
		"created_at": now,
		"updated_at": now,
	}))
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperr.Conflict("Email already registered")
		}
		return nil, apperr.Internal("insert user", err)
	}

	s.log.Info("User created", "user_id", id, "role", role)
	return s.GetUser(ctx, id)
}

func (s *service) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	err := database.Get(ctx, s.db, &u, s.db.Dialect.From(usersTable).
		Select(userColumns...).
		Where(goqu.C("id").Eq(id)))
	if database.IsNoRows(err) {
		return nil, apperr.NotFound("User not found")
	}
	if err != nil {
		return nil, apperr.Internal("load user", err)
	}
	return &u, nil
}

func (s *service) ListUsers(ctx context.Context, skip, limit int) (*PaginatedUsers, error) {
	var total int
	if err := database.Get(ctx, s.db, &total, s.db.Dialect.From(usersTable).Select(goqu.COUNT(goqu.Star()))); err != nil {
		return nil, apperr.Internal("count users", err)
	}

	users := []User{}
	err := database.Select(ctx, s.db, &users, s.db.Dialect.From(usersTable).
		Select(userColumns...).
		Order(goqu.C("id").Asc()).
		Offset(uint(skip)).
		Limit(uint(limit)))
	if err != nil {
		return nil, apperr.Internal("list users", err)
	}
	return &PaginatedUsers{Users: users, Total: total}, nil
}

func (s *service) UpdateUser(ctx context.Context, id int64, in UpdateUserInput) (*User, error) {
	record := goqu.Record{"updated_at": s.now().UTC()}
	if in.Name != nil {
		if strings.TrimSpace(*in.Name) == "" {
			return nil, apperr.Validation("name must not be empty")
		}
		record["name"] = *in.Name
	}
	if in.Email != nil {
		email, err := normalizeEmail(*in.Email)
		if err != nil {
			return nil, err
		}
		record["email"] = email
	}
	if in.Role != nil {
		record["role"] = *in.Role
	}

	n, err := database.Exec(ctx, s.db, s.db.Dialect.Update(usersTable).Set(record).Where(goqu.C("id").Eq(id)))
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperr.Conflict("Email already registered")
		}
		return nil, apperr.Internal("update user", err)
	}
	if n == 0 {
		return nil, apperr.NotFound("User not found")
	}
	return s.GetUser(ctx, id)
}

func (s *service) Summary(ctx context.Context) (*Summary, error) {
	var sum Summary
	err := database.Get(ctx, s.db, &sum, s.db.Dialect.From(usersTable).
		Select(goqu.COUNT(goqu.Star()).As("total_users")))
	if err != nil {
		return nil, apperr.Internal("summarize users", err)
	}
	return &sum, nil
}
