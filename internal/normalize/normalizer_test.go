package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var testNow = time.Date(2025, 8, 15, 9, 30, 0, 0, time.UTC)

func newTestNormalizer() *Normalizer {
	return New(WithClock(func() time.Time { return testNow }))
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// --- Source dispatch ---

func TestNormalize_UnsupportedSource(t *testing.T) {
	n := newTestNormalizer()
	_, _, err := n.Normalize("bloomberg", []byte(`{}`))
	if !errors.Is(err, ErrUnsupportedSource) {
		t.Fatalf("expected ErrUnsupportedSource, got %v", err)
	}
}

func TestNormalize_UndecodableBody(t *testing.T) {
	n := newTestNormalizer()
	_, _, err := n.Normalize(SourceOpenRates, []byte(`{not json`))
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

// --- OpenRates (KRW-base, inverted) ---

func TestNormalize_OpenRatesInvertsQuotes(t *testing.T) {
	n := newTestNormalizer()
	payload := []byte(`{"base":"KRW","timestamp":1755250200,"rates":{"USD":0.00074,"KRW":1.0}}`)

	ticks, skipped, err := n.Normalize(SourceOpenRates, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("expected no skipped items, got %v", skipped)
	}
	if len(ticks) != 1 {
		t.Fatalf("expected 1 tick (KRW itself dropped), got %d", len(ticks))
	}

	tick := ticks[0]
	if tick.CurrencyCode != "USD" {
		t.Errorf("expected USD, got %s", tick.CurrencyCode)
	}
	// 1/0.00074 = 1351.3513... rounded to 4 places
	want := d("1351.3514")
	if !tick.BaseRate.Equal(want) {
		t.Errorf("expected base rate %s, got %s", want, tick.BaseRate)
	}
	if tick.Source != SourceOpenRates {
		t.Errorf("expected source %s, got %s", SourceOpenRates, tick.Source)
	}
	if !tick.ObservedAt.Equal(time.Unix(1755250200, 0).UTC()) {
		t.Errorf("expected observed_at from payload timestamp, got %s", tick.ObservedAt)
	}
	if !tick.IngestedAt.Equal(testNow) {
		t.Errorf("expected ingested_at from clock, got %s", tick.IngestedAt)
	}
}

func TestNormalize_OpenRatesMissingRates(t *testing.T) {
	n := newTestNormalizer()
	_, _, err := n.Normalize(SourceOpenRates, []byte(`{"base":"KRW","rates":{}}`))
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload for empty rates, got %v", err)
	}
}

// --- Fixer (EUR-base, crossed through KRW) ---

func TestNormalize_FixerCrossesThroughKRW(t *testing.T) {
	n := newTestNormalizer()
	payload := []byte(`{"base":"EUR","timestamp":1755250200,"rates":{"KRW":1480.0,"USD":1.08}}`)

	ticks, skipped, err := n.Normalize(SourceFixer, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("expected no skipped items, got %v", skipped)
	}
	if len(ticks) != 1 {
		t.Fatalf("expected 1 tick, got %d", len(ticks))
	}

	// 1480 / 1.08 = 1370.3703... rounded to 4 places
	want := d("1370.3704")
	if !ticks[0].BaseRate.Equal(want) {
		t.Errorf("expected crossed rate %s, got %s", want, ticks[0].BaseRate)
	}
}

func TestNormalize_FixerMissingKRWCross(t *testing.T) {
	n := newTestNormalizer()
	_, _, err := n.Normalize(SourceFixer, []byte(`{"base":"EUR","rates":{"USD":1.08}}`))
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload without KRW cross rate, got %v", err)
	}
}

// --- Central bank rows ---

func TestNormalize_CentralBankRows(t *testing.T) {
	n := newTestNormalizer()
	payload := []byte(`{"as_of":"2025-08-15T09:00:00Z","rows":[
		{"currency_code":"USD","rate":1352.5},
		{"currency_code":"JPY","rate":9.12}
	]}`)

	ticks, skipped, err := n.Normalize(SourceCentralBank, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("expected no skipped items, got %v", skipped)
	}
	if len(ticks) != 2 {
		t.Fatalf("expected 2 ticks, got %d", len(ticks))
	}
	if !ticks[0].BaseRate.Equal(d("1352.5")) {
		t.Errorf("expected 1352.5, got %s", ticks[0].BaseRate)
	}
	asOf := time.Date(2025, 8, 15, 9, 0, 0, 0, time.UTC)
	if !ticks[0].ObservedAt.Equal(asOf) {
		t.Errorf("expected observed_at from as_of, got %s", ticks[0].ObservedAt)
	}
}

// --- Partial batches: one bad item never drops siblings ---

func TestNormalize_PartialBatchKeepsValidItems(t *testing.T) {
	n := newTestNormalizer()
	payload := []byte(`{"rows":[
		{"currency_code":"USD","rate":1352.5},
		{"currency_code":"XX","rate":100},
		{"currency_code":"JPY","rate":-5},
		{"currency_code":"EUR","rate":1480.25}
	]}`)

	ticks, skipped, err := n.Normalize(SourceCentralBank, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ticks) != 2 {
		t.Fatalf("expected 2 valid ticks, got %d", len(ticks))
	}
	if len(skipped) != 2 {
		t.Fatalf("expected 2 skipped items, got %d", len(skipped))
	}

	if !errors.Is(skipped[0].Err, ErrMalformedPayload) {
		t.Errorf("expected ErrMalformedPayload for bad code, got %v", skipped[0].Err)
	}
	if !errors.Is(skipped[1].Err, ErrOutOfRangeRate) {
		t.Errorf("expected ErrOutOfRangeRate for negative rate, got %v", skipped[1].Err)
	}
}

// --- Rate bounds: rejected, never clamped ---

func TestNormalize_OutOfRangeRejectedNotClamped(t *testing.T) {
	n := New(
		WithClock(func() time.Time { return testNow }),
		WithMaxRate(decimal.NewFromInt(10000)),
	)
	payload := []byte(`{"rows":[{"currency_code":"BTC","rate":99999999}]}`)

	ticks, skipped, err := n.Normalize(SourceCentralBank, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ticks) != 0 {
		t.Fatalf("expected no ticks, got %d", len(ticks))
	}
	if len(skipped) != 1 || !errors.Is(skipped[0].Err, ErrOutOfRangeRate) {
		t.Fatalf("expected single ErrOutOfRangeRate, got %v", skipped)
	}
}

// --- Buy/sell derivation ---

func TestNormalize_DerivesBuySellSpread(t *testing.T) {
	n := newTestNormalizer()
	payload := []byte(`{"rows":[{"currency_code":"USD","rate":1000}]}`)

	ticks, _, err := n.Normalize(SourceCentralBank, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tick := ticks[0]
	if !tick.BuyRate.Equal(d("980")) {
		t.Errorf("expected buy rate 980, got %s", tick.BuyRate)
	}
	if !tick.SellRate.Equal(d("1020")) {
		t.Errorf("expected sell rate 1020, got %s", tick.SellRate)
	}
}

// --- In-batch dedupe ---

func TestNormalize_DedupesWithinBatch(t *testing.T) {
	n := newTestNormalizer()
	payload := []byte(`{"as_of":"2025-08-15T09:00:00Z","rows":[
		{"currency_code":"USD","rate":1352.5},
		{"currency_code":"USD","rate":1352.5},
		{"currency_code":"USD","rate":1353.0}
	]}`)

	ticks, _, err := n.Normalize(SourceCentralBank, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Same (currency, source, observed_at): later occurrences dropped.
	if len(ticks) != 1 {
		t.Fatalf("expected 1 tick after dedupe, got %d", len(ticks))
	}
	if !ticks[0].BaseRate.Equal(d("1352.5")) {
		t.Errorf("expected first occurrence to win, got %s", ticks[0].BaseRate)
	}
}
