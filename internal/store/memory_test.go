package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voyapay/rate-engine/internal/model"
)

var day = time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC)

func tick(code string, at time.Time) model.PriceTick {
	return model.PriceTick{
		CurrencyCode: code,
		BaseRate:     decimal.NewFromInt(1350),
		Source:       "centralbank",
		ObservedAt:   at,
		IngestedAt:   at,
	}
}

func TestMemoryStore_InsertTicksDeduplicates(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	batch := []model.PriceTick{
		tick("USD", day.Add(9*time.Hour)),
		tick("USD", day.Add(12*time.Hour)),
	}
	n, err := ms.InsertTicks(ctx, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 inserted, got %d", n)
	}

	n, err = ms.InsertTicks(ctx, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected replay to insert 0, got %d", n)
	}
	if ms.TickCount() != 2 {
		t.Errorf("expected 2 ticks total, got %d", ms.TickCount())
	}
}

func TestMemoryStore_LatestTick(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	if _, err := ms.InsertTicks(ctx, []model.PriceTick{
		tick("USD", day.Add(9*time.Hour)),
		tick("USD", day.Add(15*time.Hour)),
		tick("JPY", day.Add(16*time.Hour)),
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	latest, err := ms.LatestTick(ctx, "USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !latest.ObservedAt.Equal(day.Add(15 * time.Hour)) {
		t.Errorf("expected 15:00 tick, got %s", latest.ObservedAt)
	}

	if _, err := ms.LatestTick(ctx, "ZZZ"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_TicksForDayBoundaries(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	if _, err := ms.InsertTicks(ctx, []model.PriceTick{
		tick("USD", day.Add(-time.Second)),   // previous day
		tick("USD", day),                     // midnight, inclusive
		tick("USD", day.Add(23*time.Hour)),   // same day
		tick("USD", day.Add(24*time.Hour)),   // next midnight, exclusive
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	got, err := ms.TicksForDay(ctx, "USD", day)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 ticks within the day, got %d", len(got))
	}
}

func TestMemoryStore_SelectionsSince(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	for i, date := range []string{"2025-08-13", "2025-08-14", "2025-08-15"} {
		ev := &model.SelectionEvent{
			SelectionDate: date,
			EventKey:      date + "#user",
			CountryCode:   "JP",
			UserID:        "user",
			ObservedAt:    day.AddDate(0, 0, i-2),
		}
		if err := ms.AppendSelection(ctx, ev); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	got, err := ms.SelectionsSince(ctx, time.Date(2025, 8, 14, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 events since 08-14, got %d", len(got))
	}
}

func TestMemorySnapshotStore_CopiesEntries(t *testing.T) {
	ss := NewMemorySnapshotStore()
	ctx := context.Background()

	snap := &model.RankingSnapshot{
		Period:  model.PeriodDaily,
		Entries: []model.RankingEntry{{Rank: 1, CountryCode: "JP", Score: 3}},
	}
	if err := ss.PublishSnapshot(ctx, snap); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	snap.Entries[0].CountryCode = "XX"

	got, err := ss.GetSnapshot(ctx, model.PeriodDaily)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Entries[0].CountryCode != "JP" {
		t.Errorf("stored snapshot mutated: %s", got.Entries[0].CountryCode)
	}

	if _, err := ss.GetSnapshot(ctx, model.PeriodWeekly); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
