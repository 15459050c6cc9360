// Package journal is the append-only audit trail of loan lifecycle events.
//
// Entries are versioned per loan. Append is meant to run inside the same transaction
// as the ledger mutation it describes, so an entry exists iff the mutation committed.
// The one exception is AvailabilityRestoreFailed, which records a remote failure after
// the return has already been committed.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"smartlibrary/internal/database"
)

var json = jsoniter.ConfigFastest

// ErrConcurrencyConflict means another writer appended the same version first.
var ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")

const table = "loan_events"

// Event types.
const (
	LoanIssued                = "LoanIssued"
	LoanReturned              = "LoanReturned"
	LoanExtended              = "LoanExtended"
	LoanMarkedOverdue         = "LoanMarkedOverdue"
	AvailabilityRestoreFailed = "AvailabilityRestoreFailed"
)

// Entry is one recorded event.
type Entry struct {
	ID         int64               `json:"id"`
	LoanID     int64               `json:"loan_id"`
	Version    int                 `json:"version"`
	Type       string              `json:"event_type"`
	Payload    jsoniter.RawMessage `json:"payload"`
	OccurredAt time.Time           `json:"occurred_at"`
}

type row struct {
	ID         int64     `db:"id"`
	LoanID     int64     `db:"loan_id"`
	Version    int       `db:"version"`
	Type       string    `db:"event_type"`
	Payload    []byte    `db:"payload"`
	OccurredAt time.Time `db:"occurred_at"`
}

func (r row) entry() Entry {
	return Entry{
		ID:         r.ID,
		LoanID:     r.LoanID,
		Version:    r.Version,
		Type:       r.Type,
		Payload:    jsoniter.RawMessage(r.Payload),
		OccurredAt: r.OccurredAt,
	}
}

// Journal reads and writes loan events.
type Journal struct {
	db     *database.DB
	tracer trace.Tracer
}

func New(db *database.DB) *Journal {
	return &Journal{
		db:     db,
		tracer: otel.Tracer("smartlibrary/journal"),
	}
}

// Append records an event for loanID using q, which is usually the caller's transaction.
// The version is the loan's next one; a concurrent append of the same version fails
// with ErrConcurrencyConflict.
func (j *Journal) Append(ctx context.Context, q database.Queryer, loanID int64, eventType string, payload any, at time.Time) (*Entry, error) {
	ctx, span := j.tracer.Start(ctx, "journal.append",
		trace.WithAttributes(
			attribute.Int64("loan.id", loanID),
			attribute.String("event.type", eventType),
		),
	)
	defer span.End()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}

	var current int
	err = database.Get(ctx, q, &current, j.db.Dialect.From(table).
		Select(goqu.COALESCE(goqu.MAX("version"), 0)).
		Where(goqu.C("loan_id").Eq(loanID)))
	if err != nil {
		return nil, fmt.Errorf("query current version: %w", err)
	}

	e := row{
		LoanID:     loanID,
		Version:    current + 1,
		Type:       eventType,
		Payload:    data,
		OccurredAt: at.UTC(),
	}
	id, err := j.db.InsertID(ctx, q, j.db.Dialect.Insert(table).Rows(goqu.Record{
		"loan_id":     e.LoanID,
		"version":     e.Version,
		"event_type":  e.Type,
		"payload":     string(e.Payload),
		"occurred_at": e.OccurredAt,
	}))
	if err != nil {
		if database.IsUniqueViolation(err) {
			span.SetAttributes(attribute.Bool("conflict.detected", true))
			return nil, ErrConcurrencyConflict
		}
		return nil, fmt.Errorf("insert %s event: %w", eventType, err)
	}
	e.ID = id

	span.AddEvent("event.appended", trace.WithAttributes(
		attribute.Int64("event.id", id),
		attribute.Int("event.version", e.Version),
	))
	entry := e.entry()
	return &entry, nil
}

// ForLoan returns the events of a loan in version order.
func (j *Journal) ForLoan(ctx context.Context, loanID int64) ([]Entry, error) {
	ctx, span := j.tracer.Start(ctx, "journal.for_loan",
		trace.WithAttributes(attribute.Int64("loan.id", loanID)),
	)
	defer span.End()

	var rows []row
	err := database.Select(ctx, j.db, &rows, j.db.Dialect.From(table).
		Select("id", "loan_id", "version", "event_type", "payload", "occurred_at").
		Where(goqu.C("loan_id").Eq(loanID)).
		Order(goqu.C("version").Asc()))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(rows)))
	return toEntries(rows), nil
}

// Stream returns up to batchSize events with id greater than afterID, oldest first.
// Consumers page through the whole journal by passing the last id they saw.
func (j *Journal) Stream(ctx context.Context, afterID int64, batchSize int) ([]Entry, error) {
	ctx, span := j.tracer.Start(ctx, "journal.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", afterID),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer span.End()

	var rows []row
	err := database.Select(ctx, j.db, &rows, j.db.Dialect.From(table).
		Select("id", "loan_id", "version", "event_type", "payload", "occurred_at").
		Where(goqu.C("id").Gt(afterID)).
		Order(goqu.C("id").Asc()).
		Limit(uint(batchSize)))
	if err != nil {
		return nil, fmt.Errorf("query event stream: %w", err)
	}

	span.SetAttributes(attribute.Int("events.streamed", len(rows)))
	return toEntries(rows), nil
}

func toEntries(rows []row) []Entry {
	entries := make([]Entry, len(rows))
	for i, r := range rows {
		entries[i] = r.entry()
	}
	return entries
}
