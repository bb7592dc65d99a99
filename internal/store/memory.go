package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/voyapay/rate-engine/internal/model"
)

// MemoryStore implements the tick, aggregate, and selection repositories
// with in-memory maps. Used for testing and development. Not suitable for
// production (no persistence). It enforces the same uniqueness semantics
// as the PostgreSQL schema.
type MemoryStore struct {
	mu         sync.RWMutex
	ticks      []model.PriceTick
	tickKeys   map[string]bool // currency|source|observed_at
	aggregates map[string]*model.DailyAggregate
	selections []model.SelectionEvent
	selKeys    map[string]bool // selection_date|event_key

	failNext error // when set, the next write returns this error once
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tickKeys:   make(map[string]bool),
		aggregates: make(map[string]*model.DailyAggregate),
		selKeys:    make(map[string]bool),
	}
}

// FailNextWrite makes the next write operation return err, then clears.
// Test hook for store-outage paths.
func (s *MemoryStore) FailNextWrite(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *MemoryStore) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func tickKey(t *model.PriceTick) string {
	return fmt.Sprintf("%s|%s|%d", t.CurrencyCode, t.Source, t.ObservedAt.UTC().UnixNano())
}

func (s *MemoryStore) InsertTicks(_ context.Context, ticks []model.PriceTick) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return 0, err
	}

	inserted := 0
	for _, t := range ticks {
		key := tickKey(&t)
		if s.tickKeys[key] {
			continue // duplicate ingestion is a no-op
		}
		s.tickKeys[key] = true
		s.ticks = append(s.ticks, t)
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) LatestTick(_ context.Context, currencyCode string) (*model.PriceTick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.PriceTick
	for i := range s.ticks {
		t := &s.ticks[i]
		if t.CurrencyCode != currencyCode {
			continue
		}
		if latest == nil || t.ObservedAt.After(latest.ObservedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("latest tick %s: %w", currencyCode, ErrNotFound)
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) TicksForDay(_ context.Context, currencyCode string, day time.Time) ([]model.PriceTick, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PriceTick
	for _, t := range s.ticks {
		if t.CurrencyCode != currencyCode {
			continue
		}
		obs := t.ObservedAt.UTC()
		if !obs.Before(start) && obs.Before(end) {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].ObservedAt.Equal(result[j].ObservedAt) {
			return result[i].ObservedAt.Before(result[j].ObservedAt)
		}
		return result[i].Source < result[j].Source
	})
	return result, nil
}

func (s *MemoryStore) CurrenciesWithTicks(_ context.Context, day time.Time) ([]string, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, t := range s.ticks {
		obs := t.ObservedAt.UTC()
		if !obs.Before(start) && obs.Before(end) {
			seen[t.CurrencyCode] = true
		}
	}

	codes := make([]string, 0, len(seen))
	for code := range seen {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes, nil
}

func (s *MemoryStore) UpsertAggregate(_ context.Context, a *model.DailyAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return err
	}

	cp := *a
	s.aggregates[a.CurrencyCode+"|"+a.TradeDate] = &cp
	return nil
}

func (s *MemoryStore) GetAggregate(_ context.Context, currencyCode, tradeDate string) (*model.DailyAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.aggregates[currencyCode+"|"+tradeDate]
	if !ok {
		return nil, fmt.Errorf("aggregate %s/%s: %w", currencyCode, tradeDate, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) AppendSelection(_ context.Context, ev *model.SelectionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return err
	}

	key := ev.SelectionDate + "|" + ev.EventKey
	if s.selKeys[key] {
		return nil // at-least-once delivery: replays are no-ops
	}
	s.selKeys[key] = true
	s.selections = append(s.selections, *ev)
	return nil
}

func (s *MemoryStore) SelectionsSince(_ context.Context, since time.Time) ([]model.SelectionEvent, error) {
	cutoff := model.DateString(since)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SelectionEvent
	for _, ev := range s.selections {
		if ev.SelectionDate >= cutoff {
			result = append(result, ev)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].SelectionDate != result[j].SelectionDate {
			return result[i].SelectionDate < result[j].SelectionDate
		}
		return result[i].EventKey < result[j].EventKey
	})
	return result, nil
}

func (s *MemoryStore) SelectionsByCountry(_ context.Context, countryCode string, since time.Time) ([]model.SelectionEvent, error) {
	all, err := s.SelectionsSince(context.Background(), since)
	if err != nil {
		return nil, err
	}

	var result []model.SelectionEvent
	for _, ev := range all {
		if ev.CountryCode == countryCode {
			result = append(result, ev)
		}
	}
	return result, nil
}

// SelectionCount reports the number of stored selection events.
func (s *MemoryStore) SelectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.selections)
}

// TickCount reports the number of stored ticks.
func (s *MemoryStore) TickCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ticks)
}

// MemorySnapshotStore implements SnapshotRepository in memory.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[model.Period]*model.RankingSnapshot
}

// NewMemorySnapshotStore creates an in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: make(map[model.Period]*model.RankingSnapshot)}
}

func (s *MemorySnapshotStore) PublishSnapshot(_ context.Context, snap *model.RankingSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *snap
	cp.Entries = append([]model.RankingEntry(nil), snap.Entries...)
	s.snapshots[snap.Period] = &cp
	return nil
}

func (s *MemorySnapshotStore) GetSnapshot(_ context.Context, period model.Period) (*model.RankingSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[period]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", period, ErrNotFound)
	}
	cp := *snap
	cp.Entries = append([]model.RankingEntry(nil), snap.Entries...)
	return &cp, nil
}
