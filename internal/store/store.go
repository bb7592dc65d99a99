// Package store defines the persistence interfaces for the rate engine.
// Implementations include PostgreSQL (source of truth for ticks, daily
// aggregates, and selection events), Redis (ranking snapshot documents),
// and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/voyapay/rate-engine/internal/model"
)

// ErrStoreUnavailable wraps infrastructure failures of the persistent store.
// Callers surface it rather than masking it with fabricated data.
var ErrStoreUnavailable = errors.New("store: persistent store unavailable")

// ErrNotFound is returned when a requested row or document does not exist.
var ErrNotFound = errors.New("store: not found")

// TickRepository is the append-only price tick log. Inserting a tick whose
// (currency_code, source, observed_at) already exists is a no-op, not an
// error.
type TickRepository interface {
	// InsertTicks appends ticks, skipping duplicates. Returns the number
	// of rows actually inserted.
	InsertTicks(ctx context.Context, ticks []model.PriceTick) (int, error)

	// LatestTick returns the most recently observed tick for a currency.
	LatestTick(ctx context.Context, currencyCode string) (*model.PriceTick, error)

	// TicksForDay returns all ticks for a currency with observed_at in
	// [day 00:00, day+1 00:00) UTC.
	TicksForDay(ctx context.Context, currencyCode string, day time.Time) ([]model.PriceTick, error)

	// CurrenciesWithTicks returns the distinct currency codes that have at
	// least one tick on the given day.
	CurrenciesWithTicks(ctx context.Context, day time.Time) ([]string, error)
}

// AggregateRepository stores one DailyAggregate per (currency_code,
// trade_date) with upsert semantics: re-running a day replaces the row.
type AggregateRepository interface {
	UpsertAggregate(ctx context.Context, agg *model.DailyAggregate) error
	GetAggregate(ctx context.Context, currencyCode, tradeDate string) (*model.DailyAggregate, error)
}

// SelectionRepository is the append-only destination selection log.
type SelectionRepository interface {
	// AppendSelection appends one event. Events are never updated or
	// deleted by the engine.
	AppendSelection(ctx context.Context, ev *model.SelectionEvent) error

	// SelectionsSince returns all events with selection_date on or after
	// the window start (UTC date of since).
	SelectionsSince(ctx context.Context, since time.Time) ([]model.SelectionEvent, error)

	// SelectionsByCountry returns events for one country within a window,
	// served by the (country_code, selection_date) secondary index.
	SelectionsByCountry(ctx context.Context, countryCode string, since time.Time) ([]model.SelectionEvent, error)
}

// SnapshotRepository holds one ranking snapshot document per period,
// replaced wholesale on each materialization.
type SnapshotRepository interface {
	PublishSnapshot(ctx context.Context, snap *model.RankingSnapshot) error
	GetSnapshot(ctx context.Context, period model.Period) (*model.RankingSnapshot, error)
}
