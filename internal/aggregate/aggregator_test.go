package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voyapay/rate-engine/internal/model"
	"github.com/voyapay/rate-engine/internal/store"
)

var testDay = time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func tick(code, rate string, at time.Time) model.PriceTick {
	base := d(rate)
	return model.PriceTick{
		CurrencyCode: code,
		BaseRate:     base,
		BuyRate:      base.Mul(d("0.98")).Round(4),
		SellRate:     base.Mul(d("1.02")).Round(4),
		Source:       "centralbank",
		ObservedAt:   at,
		IngestedAt:   at,
	}
}

// --- Compute ---

func TestCompute_SingleDayStatistics(t *testing.T) {
	ticks := []model.PriceTick{
		tick("USD", "1350", testDay.Add(9*time.Hour)),
		tick("USD", "1352.5", testDay.Add(12*time.Hour)),
		tick("USD", "1349", testDay.Add(15*time.Hour)),
	}

	agg, err := Compute("USD", testDay, ticks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if agg.TradeDate != "2025-08-15" {
		t.Errorf("expected trade date 2025-08-15, got %s", agg.TradeDate)
	}
	if !agg.OpenRate.Equal(d("1350")) {
		t.Errorf("expected open 1350, got %s", agg.OpenRate)
	}
	if !agg.CloseRate.Equal(d("1349")) {
		t.Errorf("expected close 1349, got %s", agg.CloseRate)
	}
	if !agg.HighRate.Equal(d("1352.5")) {
		t.Errorf("expected high 1352.5, got %s", agg.HighRate)
	}
	if !agg.LowRate.Equal(d("1349")) {
		t.Errorf("expected low 1349, got %s", agg.LowRate)
	}
	// (1350 + 1352.5 + 1349) / 3 = 1350.5
	if !agg.AvgRate.Equal(d("1350.5")) {
		t.Errorf("expected avg 1350.5, got %s", agg.AvgRate)
	}
	if agg.SampleCount != 3 {
		t.Errorf("expected 3 samples, got %d", agg.SampleCount)
	}
}

func TestCompute_Invariants(t *testing.T) {
	ticks := []model.PriceTick{
		tick("USD", "1340", testDay.Add(1*time.Hour)),
		tick("USD", "1360", testDay.Add(2*time.Hour)),
		tick("USD", "1355", testDay.Add(3*time.Hour)),
		tick("USD", "1338", testDay.Add(4*time.Hour)),
	}

	agg, err := Compute("USD", testDay, ticks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if agg.HighRate.LessThan(agg.LowRate) {
		t.Errorf("high %s < low %s", agg.HighRate, agg.LowRate)
	}
	if agg.AvgRate.LessThan(agg.LowRate) || agg.AvgRate.GreaterThan(agg.HighRate) {
		t.Errorf("avg %s outside [%s, %s]", agg.AvgRate, agg.LowRate, agg.HighRate)
	}
	for _, r := range []decimal.Decimal{agg.OpenRate, agg.CloseRate} {
		if r.LessThan(agg.LowRate) || r.GreaterThan(agg.HighRate) {
			t.Errorf("rate %s outside [%s, %s]", r, agg.LowRate, agg.HighRate)
		}
	}
	if agg.Volatility.IsNegative() {
		t.Errorf("volatility must be non-negative, got %s", agg.Volatility)
	}
}

func TestCompute_IdempotentAcrossArrivalOrder(t *testing.T) {
	ordered := []model.PriceTick{
		tick("USD", "1350", testDay.Add(9*time.Hour)),
		tick("USD", "1352.5", testDay.Add(12*time.Hour)),
		tick("USD", "1349", testDay.Add(15*time.Hour)),
	}
	shuffled := []model.PriceTick{ordered[2], ordered[0], ordered[1]}

	a1, err := Compute("USD", testDay, ordered)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a2, err := Compute("USD", testDay, shuffled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	j1, _ := json.Marshal(a1)
	j2, _ := json.Marshal(a2)
	if string(j1) != string(j2) {
		t.Errorf("aggregates differ across arrival order:\n%s\n%s", j1, j2)
	}
}

func TestCompute_SingleTickZeroVolatility(t *testing.T) {
	agg, err := Compute("USD", testDay, []model.PriceTick{
		tick("USD", "1350", testDay.Add(9*time.Hour)),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !agg.OpenRate.Equal(agg.CloseRate) {
		t.Errorf("single tick: open %s != close %s", agg.OpenRate, agg.CloseRate)
	}
	if !agg.Volatility.IsZero() {
		t.Errorf("expected volatility 0 for single sample, got %s", agg.Volatility)
	}
	if agg.SampleCount != 1 {
		t.Errorf("expected 1 sample, got %d", agg.SampleCount)
	}
}

func TestCompute_NoTicks(t *testing.T) {
	_, err := Compute("USD", testDay, nil)
	if !errors.Is(err, ErrNoTicksForPeriod) {
		t.Fatalf("expected ErrNoTicksForPeriod, got %v", err)
	}
}

func TestCompute_Volatility(t *testing.T) {
	// Population stddev of {2, 4, 4, 4, 5, 5, 7, 9} = 2.
	base := []string{"2", "4", "4", "4", "5", "5", "7", "9"}
	ticks := make([]model.PriceTick, len(base))
	for i, r := range base {
		ticks[i] = tick("USD", r, testDay.Add(time.Duration(i)*time.Hour))
	}

	agg, err := Compute("USD", testDay, ticks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !agg.Volatility.Equal(d("2")) {
		t.Errorf("expected volatility 2, got %s", agg.Volatility)
	}
}

// --- Aggregator over the store ---

func TestRunCurrencyDay_UpsertsAndReRuns(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if _, err := ms.InsertTicks(ctx, []model.PriceTick{
		tick("USD", "1350", testDay.Add(9*time.Hour)),
		tick("USD", "1352.5", testDay.Add(12*time.Hour)),
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	agg := New(ms, ms, nil, 0)
	first, err := agg.RunCurrencyDay(ctx, "USD", testDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.SampleCount != 2 {
		t.Fatalf("expected 2 samples, got %d", first.SampleCount)
	}

	// Late-arriving tick: re-running converges on the full set.
	if _, err := ms.InsertTicks(ctx, []model.PriceTick{
		tick("USD", "1349", testDay.Add(15*time.Hour)),
	}); err != nil {
		t.Fatalf("late insert failed: %v", err)
	}

	second, err := agg.RunCurrencyDay(ctx, "USD", testDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.SampleCount != 3 {
		t.Errorf("expected 3 samples after late tick, got %d", second.SampleCount)
	}
	if !second.CloseRate.Equal(d("1349")) {
		t.Errorf("expected close 1349 after late tick, got %s", second.CloseRate)
	}

	stored, err := ms.GetAggregate(ctx, "USD", "2025-08-15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.SampleCount != 3 {
		t.Errorf("stored row not overwritten: %d samples", stored.SampleCount)
	}
}

func TestRunDay_FailingCurrencyDoesNotAbortSiblings(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if _, err := ms.InsertTicks(ctx, []model.PriceTick{
		tick("USD", "1350", testDay.Add(9*time.Hour)),
		tick("JPY", "9.12", testDay.Add(9*time.Hour)),
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	agg := New(ms, ms, nil, 0)

	// First upsert (JPY, alphabetical) fails; USD must still aggregate.
	ms.FailNextWrite(errors.New("disk full"))
	err := agg.RunDay(ctx, testDay)
	if err == nil {
		t.Fatal("expected joined error from failing currency")
	}

	if _, err := ms.GetAggregate(ctx, "USD", "2025-08-15"); err != nil {
		t.Errorf("sibling USD aggregate missing: %v", err)
	}
	if _, err := ms.GetAggregate(ctx, "JPY", "2025-08-15"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected JPY aggregate absent, got %v", err)
	}
}

func TestRunCurrencyDay_DuplicateIngestionUnchanged(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	batch := []model.PriceTick{
		tick("USD", "1350", testDay.Add(9*time.Hour)),
		tick("USD", "1352.5", testDay.Add(12*time.Hour)),
	}
	if _, err := ms.InsertTicks(ctx, batch); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	agg := New(ms, ms, nil, 0)
	first, err := agg.RunCurrencyDay(ctx, "USD", testDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Replaying the same batch must not change the aggregate.
	if _, err := ms.InsertTicks(ctx, batch); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	second, err := agg.RunCurrencyDay(ctx, "USD", testDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	j1, _ := json.Marshal(first)
	j2, _ := json.Marshal(second)
	if string(j1) != string(j2) {
		t.Errorf("duplicate ingestion changed the aggregate:\n%s\n%s", j1, j2)
	}
	if ms.TickCount() != 2 {
		t.Errorf("duplicate ingestion grew the tick log: %d rows", ms.TickCount())
	}
}

func TestRunDay_EmptyDayIsNoop(t *testing.T) {
	ms := store.NewMemoryStore()
	agg := New(ms, ms, nil, 0)

	if err := agg.RunDay(context.Background(), testDay); err != nil {
		t.Fatalf("empty day must not fail: %v", err)
	}
}
