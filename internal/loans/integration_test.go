package loans

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartlibrary/internal/apperr"
	"smartlibrary/internal/cache"
	"smartlibrary/internal/catalog"
	"smartlibrary/internal/clients"
	"smartlibrary/internal/database"
	"smartlibrary/internal/directory"
	"smartlibrary/internal/faults"
	"smartlibrary/internal/httpx"
	"smartlibrary/internal/journal"
	"smartlibrary/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// library runs the three services over real HTTP, each with its own database.
type library struct {
	books         catalog.Service
	users         directory.Service
	catalogFaults *faults.Injector
	dirFaults     *faults.Injector
	loansDB       *database.DB
	loansURL      string
}

func serviceDB(t *testing.T, name string, schema fs.FS) *database.DB {
	t.Helper()
	db, err := database.Open(context.Background(), database.DriverSQLite, filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background(), schema))
	return db
}

func newLibrary(t *testing.T) *library {
	t.Helper()
	log := logger.Discard()
	lib := &library{
		catalogFaults: faults.NewInjector(faults.Fault{}, log),
		dirFaults:     faults.NewInjector(faults.Fault{}, log),
	}

	catalogDB := serviceDB(t, "catalog", catalog.Schema)
	lib.books = catalog.NewService(catalogDB, log)
	catalogRouter := httpx.NewRouter(log, "catalog", lib.catalogFaults.Middleware)
	catalog.NewHandler(lib.books, log).Routes(catalogRouter)
	catalogSrv := httptest.NewServer(catalogRouter)
	t.Cleanup(catalogSrv.Close)

	dirDB := serviceDB(t, "directory", directory.Schema)
	lib.users = directory.NewService(dirDB, log)
	dirRouter := httpx.NewRouter(log, "directory", lib.dirFaults.Middleware)
	directory.NewHandler(lib.users, log).Routes(dirRouter)
	dirSrv := httptest.NewServer(dirRouter)
	t.Cleanup(dirSrv.Close)

	lib.loansDB = serviceDB(t, "loans", Schema)
	svc := NewService(
		NewLedger(lib.loansDB, journal.New(lib.loansDB)),
		clients.NewCatalogClient(catalogSrv.URL, 2*time.Second),
		clients.NewDirectoryClient(dirSrv.URL, 2*time.Second),
		cache.Noop{},
		log,
		Options{DefaultLoanDays: 14},
	)
	loansRouter := httpx.NewRouter(log, "loans")
	NewHandler(svc, log).Routes(loansRouter)
	loansSrv := httptest.NewServer(loansRouter)
	t.Cleanup(loansSrv.Close)
	lib.loansURL = loansSrv.URL

	return lib
}

func (lib *library) addBook(t *testing.T, isbn string, copies int) *catalog.Book {
	t.Helper()
	b, err := lib.books.CreateBook(context.Background(), catalog.CreateBookInput{
		Title: "Book " + isbn, Author: "Author " + isbn, ISBN: isbn, Copies: copies,
	})
	require.NoError(t, err)
	return b
}

func (lib *library) addUser(t *testing.T, n int) *directory.User {
	t.Helper()
	u, err := lib.users.CreateUser(context.Background(), directory.CreateUserInput{
		Name: fmt.Sprintf("Reader %d", n), Email: fmt.Sprintf("reader%d@example.com", n),
	})
	require.NoError(t, err)
	return u
}

func (lib *library) available(t *testing.T, bookID int64) int {
	t.Helper()
	b, err := lib.books.GetBook(context.Background(), bookID)
	require.NoError(t, err)
	return b.AvailableCopies
}

func (lib *library) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	status, err := lib.call(method, path, body, out)
	require.NoError(t, err)
	return status
}

func (lib *library) call(method, path string, body any, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequest(method, lib.loansURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func TestIssueAndReturnAcrossServices(t *testing.T) {
	lib := newLibrary(t)
	book := lib.addBook(t, "9780441013593", 2)
	user := lib.addUser(t, 1)

	var loan Loan
	status := lib.do(t, http.MethodPost, "/loans", IssueRequest{UserID: user.ID, BookID: book.ID}, &loan)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, StatusActive, loan.Status)
	assert.Equal(t, 1, lib.available(t, book.ID))

	var detail LoanWithDetails
	require.Equal(t, http.StatusOK, lib.do(t, http.MethodGet, fmt.Sprintf("/loans/%d", loan.ID), nil, &detail))
	assert.Equal(t, user.Name, detail.User.Name)
	assert.Equal(t, book.Title, detail.Book.Title)

	var returned Loan
	require.Equal(t, http.StatusOK, lib.do(t, http.MethodPost, "/returns", ReturnRequest{LoanID: loan.ID}, &returned))
	assert.Equal(t, StatusReturned, returned.Status)
	assert.Equal(t, 2, lib.available(t, book.ID))

	var body httpx.ErrorBody
	require.Equal(t, http.StatusBadRequest, lib.do(t, http.MethodPost, "/returns", ReturnRequest{LoanID: loan.ID}, &body))
	assert.Equal(t, apperr.CodeInvalidState, body.Code)
	assert.Equal(t, "Book already returned", body.Error)
}

func TestIssueWithNoCopiesOverHTTP(t *testing.T) {
	lib := newLibrary(t)
	book := lib.addBook(t, "9780141439587", 0)
	user := lib.addUser(t, 1)

	var body httpx.ErrorBody
	status := lib.do(t, http.MethodPost, "/loans", IssueRequest{UserID: user.ID, BookID: book.ID}, &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, apperr.CodeBoundViolation, body.Code)
	assert.Zero(t, countLoans(t, lib.loansDB))
}

func TestIssueFailsWhenDecrementIsUnavailable(t *testing.T) {
	lib := newLibrary(t)
	book := lib.addBook(t, "9780199535675", 2)
	user := lib.addUser(t, 1)
	lib.catalogFaults.Set(faults.Fault{FailureRate: 1, PathPrefix: fmt.Sprintf("/books/%d/availability", book.ID)})

	before := countLoans(t, lib.loansDB)
	var body httpx.ErrorBody
	status := lib.do(t, http.MethodPost, "/loans", IssueRequest{UserID: user.ID, BookID: book.ID}, &body)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, apperr.CodeRemoteUnavailable, body.Code)
	assert.Equal(t, before, countLoans(t, lib.loansDB), "no ledger row")
	assert.Equal(t, 2, lib.available(t, book.ID))
}

func TestIssueFailsWhenDirectoryIsDown(t *testing.T) {
	lib := newLibrary(t)
	book := lib.addBook(t, "9780140449136", 1)
	user := lib.addUser(t, 1)
	lib.dirFaults.Set(faults.Fault{FailureRate: 1})

	status := lib.do(t, http.MethodPost, "/loans", IssueRequest{UserID: user.ID, BookID: book.ID}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, 1, lib.available(t, book.ID))
}

func TestReturnSucceedsWhenIncrementIsUnavailable(t *testing.T) {
	lib := newLibrary(t)
	book := lib.addBook(t, "9780143039433", 1)
	user := lib.addUser(t, 1)

	var loan Loan
	require.Equal(t, http.StatusCreated, lib.do(t, http.MethodPost, "/loans", IssueRequest{UserID: user.ID, BookID: book.ID}, &loan))
	lib.catalogFaults.Set(faults.Fault{FailureRate: 1, PathPrefix: "/books"})

	var returned Loan
	require.Equal(t, http.StatusOK, lib.do(t, http.MethodPost, "/returns", ReturnRequest{LoanID: loan.ID}, &returned))
	assert.Equal(t, StatusReturned, returned.Status)

	var history []journal.Entry
	require.Equal(t, http.StatusOK, lib.do(t, http.MethodGet, fmt.Sprintf("/loans/%d/history", loan.ID), nil, &history))
	require.Len(t, history, 3)
	assert.Equal(t, journal.AvailabilityRestoreFailed, history[2].Type)

	var detail LoanWithDetails
	require.Equal(t, http.StatusOK, lib.do(t, http.MethodGet, fmt.Sprintf("/loans/%d", loan.ID), nil, &detail))
	assert.Equal(t, BookUnavailable, detail.Book.Title, "reads degrade while the catalog is down")

	lib.catalogFaults.Clear()
	assert.Equal(t, 0, lib.available(t, book.ID), "the copy stays out until reconciled")
}

func TestConcurrentIssuesOfLastCopy(t *testing.T) {
	lib := newLibrary(t)
	book := lib.addBook(t, "9780062316097", 1)

	const readers = 8
	users := make([]*directory.User, readers)
	for i := range users {
		users[i] = lib.addUser(t, i)
	}

	var wg sync.WaitGroup
	statuses := make([]int, readers)
	for i, u := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := lib.call(http.MethodPost, "/loans", IssueRequest{UserID: u.ID, BookID: book.ID}, nil)
			assert.NoError(t, err)
			statuses[i] = status
		}()
	}
	wg.Wait()

	created := 0
	for _, s := range statuses {
		switch s {
		case http.StatusCreated:
			created++
		default:
			assert.Equal(t, http.StatusBadRequest, s)
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, countLoans(t, lib.loansDB))
	assert.Equal(t, 0, lib.available(t, book.ID))
}

func TestConcurrentIssuesForSamePairKeepAvailabilityConsistent(t *testing.T) {
	lib := newLibrary(t)
	const copies = 5
	book := lib.addBook(t, "9780547928227", copies)
	user := lib.addUser(t, 1)

	const attempts = 6
	var wg sync.WaitGroup
	statuses := make([]int, attempts)
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := lib.call(http.MethodPost, "/loans", IssueRequest{UserID: user.ID, BookID: book.ID}, nil)
			assert.NoError(t, err)
			statuses[i] = status
		}()
	}
	wg.Wait()

	created := 0
	for _, s := range statuses {
		if s == http.StatusCreated {
			created++
			continue
		}
		assert.Equal(t, http.StatusBadRequest, s)
	}
	assert.Equal(t, 1, created)
	loans := countLoans(t, lib.loansDB)
	assert.Equal(t, 1, loans)
	assert.Equal(t, copies-loans, lib.available(t, book.ID), "every refused issue gave its copy back")
}
