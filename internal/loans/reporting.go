package loans

import (
	"context"
	"time"
)

func (s *service) PopularBooks(ctx context.Context, limit int) ([]PopularBook, error) {
	rows, err := s.ledger.PopularBooks(ctx, limit)
	if err != nil {
		return nil, storageError("popular books", err)
	}

	d := s.details.session()
	out := make([]PopularBook, 0, len(rows))
	for _, r := range rows {
		b := d.book(ctx, r.BookID)
		out = append(out, PopularBook{
			BookID:      r.BookID,
			Title:       b.Title,
			Author:      b.Author,
			BorrowCount: r.BorrowCount,
		})
	}
	return out, nil
}

func (s *service) ActiveUsers(ctx context.Context, limit int) ([]ActiveUser, error) {
	rows, err := s.ledger.ActiveUsers(ctx, limit)
	if err != nil {
		return nil, storageError("active users", err)
	}

	d := s.details.session()
	out := make([]ActiveUser, 0, len(rows))
	for _, r := range rows {
		out = append(out, ActiveUser{
			UserID:         r.UserID,
			Name:           d.user(ctx, r.UserID).Name,
			BooksBorrowed:  r.BooksBorrowed,
			CurrentBorrows: r.CurrentBorrows,
		})
	}
	return out, nil
}

// Overview reports ledger counts after recording pending overdue transitions.
// Catalog and directory totals are left null when those services fail.
func (s *service) Overview(ctx context.Context) (*Overview, error) {
	now := s.now().UTC()
	if _, err := s.ledger.MarkOverdue(ctx, now); err != nil {
		return nil, storageError("mark overdue", err)
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	counts, err := s.ledger.Counts(ctx, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return nil, storageError("loan counts", err)
	}

	ov := &Overview{
		BooksBorrowed: counts.Borrowed,
		OverdueLoans:  counts.Overdue,
		LoansToday:    counts.LoansToday,
		ReturnsToday:  counts.ReturnsToday,
	}
	if sum, err := s.books.Summary(ctx); err != nil {
		s.log.Warn("Catalog summary unavailable", "error", err)
	} else {
		ov.TotalBooks = &sum.TotalBooks
		ov.BooksAvailable = &sum.BooksAvailable
	}
	if sum, err := s.users.Summary(ctx); err != nil {
		s.log.Warn("Directory summary unavailable", "error", err)
	} else {
		ov.TotalUsers = &sum.TotalUsers
	}
	return ov, nil
}
