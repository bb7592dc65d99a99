// Package aggregate rolls raw price ticks into per-currency daily
// statistics. Aggregation is idempotent: the result depends only on the
// tick set for the day, never on arrival order, so re-running after
// late-arriving ticks is safe and convergent.
//
// All rates use shopspring/decimal. The standard deviation is computed in
// float64 (no decimal square root) over the deterministically sorted tick
// set and immediately converted back to decimal.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voyapay/rate-engine/internal/cache"
	"github.com/voyapay/rate-engine/internal/metrics"
	"github.com/voyapay/rate-engine/internal/model"
	"github.com/voyapay/rate-engine/internal/store"
)

// ErrNoTicksForPeriod is returned when a currency has no ticks for the
// requested day. Recoverable: the caller skips the currency, never invents
// synthetic data points.
var ErrNoTicksForPeriod = errors.New("aggregate: no ticks for period")

// StatScale is the number of decimal places for derived statistics.
const StatScale int32 = 8

// Compute derives one DailyAggregate from the ticks of a single currency
// and day. Pure function: callers own loading and persistence.
func Compute(currencyCode string, day time.Time, ticks []model.PriceTick) (*model.DailyAggregate, error) {
	if len(ticks) == 0 {
		return nil, fmt.Errorf("%s on %s: %w", currencyCode, model.DateString(day), ErrNoTicksForPeriod)
	}

	// Deterministic order: observed_at, then source for same-instant ticks.
	sorted := append([]model.PriceTick(nil), ticks...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].ObservedAt.Equal(sorted[j].ObservedAt) {
			return sorted[i].ObservedAt.Before(sorted[j].ObservedAt)
		}
		return sorted[i].Source < sorted[j].Source
	})

	high := sorted[0].BaseRate
	low := sorted[0].BaseRate
	sum := decimal.Zero
	for _, t := range sorted {
		if t.BaseRate.GreaterThan(high) {
			high = t.BaseRate
		}
		if t.BaseRate.LessThan(low) {
			low = t.BaseRate
		}
		sum = sum.Add(t.BaseRate)
	}

	n := int64(len(sorted))
	avg := sum.Div(decimal.NewFromInt(n)).Round(StatScale)

	return &model.DailyAggregate{
		CurrencyCode: currencyCode,
		TradeDate:    model.DateString(day),
		OpenRate:     sorted[0].BaseRate,
		CloseRate:    sorted[len(sorted)-1].BaseRate,
		HighRate:     high,
		LowRate:      low,
		AvgRate:      avg,
		SampleCount:  len(sorted),
		Volatility:   volatility(sorted),
	}, nil
}

// volatility is the population standard deviation of base rates, 0 for
// fewer than 2 samples (defined, not NaN).
func volatility(sorted []model.PriceTick) decimal.Decimal {
	if len(sorted) < 2 {
		return decimal.Zero
	}

	mean := 0.0
	for _, t := range sorted {
		mean += t.BaseRate.InexactFloat64()
	}
	mean /= float64(len(sorted))

	variance := 0.0
	for _, t := range sorted {
		d := t.BaseRate.InexactFloat64() - mean
		variance += d * d
	}
	variance /= float64(len(sorted))

	return decimal.NewFromFloat(math.Sqrt(variance)).Round(StatScale)
}

// Aggregator loads ticks, computes daily statistics, and upserts the
// result per (currency, trade date), pre-warming the cache afterwards.
type Aggregator struct {
	ticks    store.TickRepository
	aggs     store.AggregateRepository
	cache    *cache.Store // optional; nil disables pre-warming
	cacheTTL time.Duration
}

// New creates an Aggregator. Pass nil for c to skip cache pre-warming.
func New(ticks store.TickRepository, aggs store.AggregateRepository, c *cache.Store, cacheTTL time.Duration) *Aggregator {
	return &Aggregator{ticks: ticks, aggs: aggs, cache: c, cacheTTL: cacheTTL}
}

// RunCurrencyDay aggregates one currency for one day and upserts the row.
func (a *Aggregator) RunCurrencyDay(ctx context.Context, currencyCode string, day time.Time) (*model.DailyAggregate, error) {
	ticks, err := a.ticks.TicksForDay(ctx, currencyCode, day)
	if err != nil {
		return nil, fmt.Errorf("load ticks: %w", err)
	}

	agg, err := Compute(currencyCode, day, ticks)
	if err != nil {
		return nil, err
	}

	if err := a.aggs.UpsertAggregate(ctx, agg); err != nil {
		return nil, fmt.Errorf("persist aggregate: %w", err)
	}

	a.prewarm(ctx, agg)
	return agg, nil
}

// RunDay aggregates every currency that has ticks on the given day.
// Per-currency failures are logged and joined; one failing currency never
// aborts the run for its siblings. A previously published aggregate stays
// intact when its recomputation fails (upsert only happens on success).
func (a *Aggregator) RunDay(ctx context.Context, day time.Time) error {
	codes, err := a.ticks.CurrenciesWithTicks(ctx, day)
	if err != nil {
		metrics.AggregatorRuns.WithLabelValues("failed").Inc()
		return fmt.Errorf("list currencies for %s: %w", model.DateString(day), err)
	}
	if len(codes) == 0 {
		metrics.AggregatorRuns.WithLabelValues("empty").Inc()
		slog.Info("no ticks to aggregate", "date", model.DateString(day))
		return nil
	}

	var errs []error
	for _, code := range codes {
		agg, err := a.RunCurrencyDay(ctx, code, day)
		if err != nil {
			slog.Error("aggregation failed",
				"currency", code,
				"date", model.DateString(day),
				"err", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", code, err))
			continue
		}
		slog.Info("daily aggregate upserted",
			"currency", code,
			"date", agg.TradeDate,
			"samples", agg.SampleCount,
			"close", agg.CloseRate.String(),
		)
	}

	if len(errs) > 0 {
		metrics.AggregatorRuns.WithLabelValues("partial").Inc()
		return errors.Join(errs...)
	}
	metrics.AggregatorRuns.WithLabelValues("ok").Inc()
	return nil
}

// prewarm puts the fresh aggregate into the cache so the next read does
// not miss. Best effort; cache failures degrade, never fail the run.
func (a *Aggregator) prewarm(ctx context.Context, agg *model.DailyAggregate) {
	if a.cache == nil {
		return
	}
	data, err := json.Marshal(agg)
	if err != nil {
		return
	}
	key := model.AggregateKey(agg.CurrencyCode, agg.TradeDate)
	if err := a.cache.Put(ctx, key, data, a.cacheTTL); err != nil {
		slog.Warn("aggregate cache pre-warm failed", "key", key, "err", err)
	}
}
