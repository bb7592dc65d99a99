// Package ranking materializes destination leaderboards from the selection
// event log. Each run scans the period window, computes a fully sorted
// snapshot, and publishes it wholesale — readers never observe a partially
// written snapshot, and a failed run leaves the previous one intact.
package ranking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/voyapay/rate-engine/internal/cache"
	"github.com/voyapay/rate-engine/internal/metrics"
	"github.com/voyapay/rate-engine/internal/model"
	"github.com/voyapay/rate-engine/internal/store"
)

// ErrRunInFlight reports that a materialization for the same period was
// already running; the new run is skipped, not queued. Informational, not
// a failure.
var ErrRunInFlight = errors.New("ranking: materialization already in flight")

// Materializer computes and publishes ranking snapshots. Runs for the same
// period are mutually exclusive; different periods run in parallel.
type Materializer struct {
	selections store.SelectionRepository
	snapshots  store.SnapshotRepository
	cache      *cache.Store // optional; nil disables pre-warming
	cacheTTL   time.Duration
	locks      map[model.Period]*sync.Mutex
	now        func() time.Time
}

// New creates a Materializer. Pass nil for c to skip cache pre-warming.
func New(selections store.SelectionRepository, snapshots store.SnapshotRepository, c *cache.Store, cacheTTL time.Duration) *Materializer {
	locks := make(map[model.Period]*sync.Mutex, len(model.Periods))
	for _, p := range model.Periods {
		locks[p] = &sync.Mutex{}
	}
	return &Materializer{
		selections: selections,
		snapshots:  snapshots,
		cache:      c,
		cacheTTL:   cacheTTL,
		locks:      locks,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the window clock (tests).
func (m *Materializer) WithClock(now func() time.Time) *Materializer {
	m.now = now
	return m
}

// Run materializes one period's snapshot. A run overlapping an in-flight
// run for the same period returns ErrRunInFlight without touching the
// published snapshot.
func (m *Materializer) Run(ctx context.Context, period model.Period) (*model.RankingSnapshot, error) {
	lock := m.locks[period]
	if lock == nil {
		return nil, fmt.Errorf("ranking: unknown period %q", period)
	}
	if !lock.TryLock() {
		metrics.MaterializerRuns.WithLabelValues(string(period), "skipped").Inc()
		slog.Info("materialization skipped, run in flight", "period", period)
		return nil, ErrRunInFlight
	}
	defer lock.Unlock()

	start := time.Now()
	windowStart := period.WindowStart(m.now())

	events, err := m.selections.SelectionsSince(ctx, windowStart)
	if err != nil {
		metrics.MaterializerRuns.WithLabelValues(string(period), "failed").Inc()
		return nil, fmt.Errorf("scan selections for %s since %s: %w", period, model.DateString(windowStart), err)
	}

	prev, err := m.snapshots.GetSnapshot(ctx, period)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		metrics.MaterializerRuns.WithLabelValues(string(period), "failed").Inc()
		return nil, fmt.Errorf("load previous snapshot for %s: %w", period, err)
	}

	snap := build(period, events, prev, m.now())
	snap.ComputationLatencyMS = time.Since(start).Milliseconds()

	if err := m.snapshots.PublishSnapshot(ctx, snap); err != nil {
		metrics.MaterializerRuns.WithLabelValues(string(period), "failed").Inc()
		return nil, fmt.Errorf("publish snapshot for %s: %w", period, err)
	}

	m.prewarm(ctx, snap)

	metrics.MaterializerRuns.WithLabelValues(string(period), "published").Inc()
	metrics.MaterializerLatency.WithLabelValues(string(period)).Observe(time.Since(start).Seconds())

	slog.Info("ranking snapshot published",
		"period", period,
		"entries", len(snap.Entries),
		"total_selections", snap.TotalSelections,
		"latency_ms", snap.ComputationLatencyMS,
	)
	return snap, nil
}

// build computes a snapshot from the window's events and the previous
// snapshot. With zero selections the entries are omitted entirely rather
// than divided by zero.
func build(period model.Period, events []model.SelectionEvent, prev *model.RankingSnapshot, generatedAt time.Time) *model.RankingSnapshot {
	counts := make(map[string]int64)
	for _, ev := range events {
		counts[ev.CountryCode]++
	}

	total := int64(len(events))
	snap := &model.RankingSnapshot{
		Period:          period,
		GeneratedAt:     generatedAt,
		TotalSelections: total,
		Entries:         []model.RankingEntry{},
	}
	if total == 0 {
		return snap
	}

	entries := make([]model.RankingEntry, 0, len(counts))
	for country, score := range counts {
		entries = append(entries, model.RankingEntry{
			CountryCode: country,
			Score:       score,
		})
	}
	// Strictly descending by score; ties broken by country code ascending
	// so equal scores rank deterministically.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].CountryCode < entries[j].CountryCode
	})

	prevRanks := make(map[string]int)
	if prev != nil {
		for _, e := range prev.Entries {
			prevRanks[e.CountryCode] = e.Rank
		}
	}

	for i := range entries {
		entries[i].Rank = i + 1
		if prevRank, ok := prevRanks[entries[i].CountryCode]; ok {
			// Positive delta = moved up the board.
			delta := prevRank - entries[i].Rank
			entries[i].RankDelta = &delta
		}
		// Newly appearing countries keep RankDelta nil: unranked
		// previously, not a numeric jump.
	}

	applyPercentages(entries, total)

	snap.Entries = entries
	return snap
}

// applyPercentages assigns percentage_of_total in hundredths of a percent
// using largest-remainder apportionment: each entry gets the floor of its
// exact share, and the leftover hundredths go to the entries with the
// largest remainders. The percentages therefore sum to exactly 100.00 no
// matter how many entries there are, where naive per-entry rounding drifts
// by up to a hundredth per entry.
func applyPercentages(entries []model.RankingEntry, total int64) {
	hundredths := make([]int64, len(entries))
	remainders := make([]int64, len(entries))
	var assigned int64
	for i := range entries {
		exact := entries[i].Score * 10000
		hundredths[i] = exact / total
		remainders[i] = exact % total
		assigned += hundredths[i]
	}

	order := make([]int, len(entries))
	for i := range order {
		order[i] = i
	}
	// Ties on remainder resolve by rank so the apportionment is
	// deterministic.
	sort.Slice(order, func(a, b int) bool {
		if remainders[order[a]] != remainders[order[b]] {
			return remainders[order[a]] > remainders[order[b]]
		}
		return order[a] < order[b]
	})
	for i := int64(0); i < 10000-assigned; i++ {
		hundredths[order[i]]++
	}

	for i := range entries {
		entries[i].PercentageOfTotal = float64(hundredths[i]) / 100
	}
}

// prewarm refreshes the ranking cache key so readers pick up the new
// snapshot without a miss. Best effort.
func (m *Materializer) prewarm(ctx context.Context, snap *model.RankingSnapshot) {
	if m.cache == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	key := model.RankingKey(snap.Period)
	if err := m.cache.Put(ctx, key, data, m.cacheTTL); err != nil {
		slog.Warn("ranking cache pre-warm failed", "key", key, "err", err)
	}
}
