package loans

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"smartlibrary/internal/cache"
	"smartlibrary/internal/catalog"
	"smartlibrary/internal/clients"
	"smartlibrary/internal/database"
	"smartlibrary/internal/directory"
	"smartlibrary/internal/journal"
	"smartlibrary/internal/logger"
)

var epoch = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(context.Background(), database.DriverSQLite, filepath.Join(t.TempDir(), "loans.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background(), Schema))
	return db
}

func newTestLedger(t *testing.T) (Ledger, *database.DB) {
	t.Helper()
	db := openDB(t)
	return NewLedger(db, journal.New(db)), db
}

func countLoans(t *testing.T, db *database.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.GetContext(context.Background(), &n, "SELECT COUNT(*) FROM loans"))
	return n
}

// fakeCatalog is an in-memory catalog enforcing the availability bound like the real one.
type fakeCatalog struct {
	mu          sync.Mutex
	books       map[int64]*catalog.Book
	getErr      error
	adjustErr   map[catalog.Operation]error
	summaryErr  error
	getCalls    int
	adjustCalls []catalog.Operation
}

func newFakeCatalog(books ...catalog.Book) *fakeCatalog {
	f := &fakeCatalog{books: make(map[int64]*catalog.Book), adjustErr: make(map[catalog.Operation]error)}
	for _, b := range books {
		f.books[b.ID] = &b
	}
	return f
}

func (f *fakeCatalog) GetBook(_ context.Context, id int64) (*catalog.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	b, ok := f.books[id]
	if !ok {
		return nil, clients.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeCatalog) AdjustAvailability(_ context.Context, id int64, op catalog.Operation) (*catalog.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adjustCalls = append(f.adjustCalls, op)
	if err := f.adjustErr[op]; err != nil {
		return nil, err
	}
	b, ok := f.books[id]
	if !ok {
		return nil, clients.ErrNotFound
	}
	switch op {
	case catalog.Decrement:
		if b.AvailableCopies <= 0 {
			return nil, clients.ErrRejected
		}
		b.AvailableCopies--
	case catalog.Increment:
		if b.AvailableCopies >= b.Copies {
			return nil, clients.ErrRejected
		}
		b.AvailableCopies++
	}
	cp := *b
	return &cp, nil
}

func (f *fakeCatalog) Summary(context.Context) (*catalog.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.summaryErr != nil {
		return nil, f.summaryErr
	}
	var s catalog.Summary
	for _, b := range f.books {
		s.TotalBooks += b.Copies
		s.BooksAvailable += b.AvailableCopies
	}
	return &s, nil
}

func (f *fakeCatalog) available(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.books[id].AvailableCopies
}

type fakeDirectory struct {
	mu       sync.Mutex
	users    map[int64]directory.User
	getErr   error
	getCalls int
}

func newFakeDirectory(users ...directory.User) *fakeDirectory {
	f := &fakeDirectory{users: make(map[int64]directory.User)}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeDirectory) GetUser(_ context.Context, id int64) (*directory.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	u, ok := f.users[id]
	if !ok {
		return nil, clients.ErrNotFound
	}
	return &u, nil
}

func (f *fakeDirectory) Summary(context.Context) (*directory.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &directory.Summary{TotalUsers: len(f.users)}, nil
}

// failingInsert makes every ledger insert fail after the remote decrement.
type failingInsert struct {
	Ledger
}

var errDiskFull = errors.New("disk full")

func (failingInsert) Insert(context.Context, int64, int64, time.Time, time.Time) (*Loan, error) {
	return nil, errDiskFull
}

// staleOpenCheck never sees an open loan, as when two issues for the same pair
// pass the check before either inserts.
type staleOpenCheck struct {
	Ledger
}

func (staleOpenCheck) HasOpenLoan(context.Context, int64, int64) (bool, error) {
	return false, nil
}

type harness struct {
	svc    Service
	ledger Ledger
	db     *database.DB
	books  *fakeCatalog
	users  *fakeDirectory
	clock  *clock
	cache  cache.Cache
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	ledger, db := newTestLedger(t)
	h := &harness{
		ledger: ledger,
		db:     db,
		books: newFakeCatalog(
			catalog.Book{ID: 5, Title: "Dune", Author: "Frank Herbert", ISBN: "978-0441013593", Copies: 2, AvailableCopies: 2},
			catalog.Book{ID: 6, Title: "Emma", Author: "Jane Austen", ISBN: "978-0141439587", Copies: 1, AvailableCopies: 0},
			catalog.Book{ID: 7, Title: "Ulysses", Author: "James Joyce", ISBN: "978-0199535675", Copies: 1, AvailableCopies: 1},
		),
		users: newFakeDirectory(
			directory.User{ID: 1, Name: "Ada Lovelace", Email: "ada@example.com", Role: "student"},
			directory.User{ID: 2, Name: "Alan Turing", Email: "alan@example.com", Role: "student"},
		),
		clock: &clock{now: epoch},
		cache: cache.NewMemory(),
	}
	opts.Now = h.clock.Now
	h.svc = NewService(ledger, h.books, h.users, h.cache, logger.Discard(), opts)
	return h
}
