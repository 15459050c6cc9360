package loans

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"smartlibrary/internal/cache"
)

// enricher resolves display data for loans. Lookups go through the cache first; a
// failed remote call degrades to placeholder text instead of failing the read.
type enricher struct {
	books BookCatalog
	users UserDirectory
	cache cache.Cache
	ttl   time.Duration
	log   *slog.Logger
}

// session memoizes lookups for the duration of one request.
func (e *enricher) session() *enrichSession {
	return &enrichSession{
		e:     e,
		users: make(map[int64]UserDetail),
		books: make(map[int64]BookDetail),
	}
}

type enrichSession struct {
	e     *enricher
	users map[int64]UserDetail
	books map[int64]BookDetail
}

func (s *enrichSession) user(ctx context.Context, id int64) UserDetail {
	if d, ok := s.users[id]; ok {
		return d
	}
	d := s.e.user(ctx, id)
	s.users[id] = d
	return d
}

func (s *enrichSession) book(ctx context.Context, id int64) BookDetail {
	if d, ok := s.books[id]; ok {
		return d
	}
	d := s.e.book(ctx, id)
	s.books[id] = d
	return d
}

func userKey(id int64) string { return fmt.Sprintf("user:%d", id) }
func bookKey(id int64) string { return fmt.Sprintf("book:%d", id) }

func (e *enricher) user(ctx context.Context, id int64) UserDetail {
	var d UserDetail
	if e.cached(ctx, userKey(id), &d) {
		return d
	}

	u, err := e.users.GetUser(ctx, id)
	if err != nil {
		e.log.Warn("User details unavailable", "user_id", id, "error", err)
		return UserDetail{ID: id, Name: UserUnavailable}
	}
	d = UserDetail{ID: u.ID, Name: u.Name, Email: u.Email}
	e.store(ctx, userKey(id), d)
	return d
}

func (e *enricher) book(ctx context.Context, id int64) BookDetail {
	var d BookDetail
	if e.cached(ctx, bookKey(id), &d) {
		return d
	}

	b, err := e.books.GetBook(ctx, id)
	if err != nil {
		e.log.Warn("Book details unavailable", "book_id", id, "error", err)
		return BookDetail{ID: id, Title: BookUnavailable, Author: AuthorUnavailable}
	}
	d = BookDetail{ID: b.ID, Title: b.Title, Author: b.Author}
	e.store(ctx, bookKey(id), d)
	return d
}

func (e *enricher) cached(ctx context.Context, key string, dst any) bool {
	ok, err := e.cache.Get(ctx, key, dst)
	if err != nil {
		e.log.Debug("Cache read failed", "key", key, "error", err)
		return false
	}
	return ok
}

func (e *enricher) store(ctx context.Context, key string, v any) {
	if e.ttl <= 0 {
		return
	}
	if err := e.cache.Set(ctx, key, v, e.ttl); err != nil {
		e.log.Debug("Cache write failed", "key", key, "error", err)
	}
}
