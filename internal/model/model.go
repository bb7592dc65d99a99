// Package model defines the core domain types shared across the rate engine.
// All exchange rates use shopspring/decimal — never float64 for money.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PriceTick is one observation of a currency's exchange rate from one
// upstream feed. Once created, ticks are never modified or deleted;
// (CurrencyCode, Source, ObservedAt) is unique and duplicate ingestion
// is a no-op.
type PriceTick struct {
	CurrencyCode string          `json:"currency_code" db:"currency_code"`
	BaseRate     decimal.Decimal `json:"base_rate" db:"base_rate"`
	BuyRate      decimal.Decimal `json:"buy_rate" db:"buy_rate"`   // rate when the provider buys (TTB)
	SellRate     decimal.Decimal `json:"sell_rate" db:"sell_rate"` // rate when the provider sells (TTS)
	Source       string          `json:"source" db:"source"`
	ObservedAt   time.Time       `json:"observed_at" db:"observed_at"` // source-reported
	IngestedAt   time.Time       `json:"ingested_at" db:"ingested_at"` // set by the normalizer
}

// DailyAggregate holds one currency's statistics for one calendar day.
// Re-running aggregation for the same day fully overwrites the prior row;
// the result depends only on the tick set, not arrival order.
type DailyAggregate struct {
	CurrencyCode string          `json:"currency_code" db:"currency_code"`
	TradeDate    string          `json:"trade_date" db:"trade_date"` // YYYY-MM-DD (UTC)
	OpenRate     decimal.Decimal `json:"open_rate" db:"open_rate"`
	CloseRate    decimal.Decimal `json:"close_rate" db:"close_rate"`
	HighRate     decimal.Decimal `json:"high_rate" db:"high_rate"`
	LowRate      decimal.Decimal `json:"low_rate" db:"low_rate"`
	AvgRate      decimal.Decimal `json:"avg_rate" db:"avg_rate"`
	SampleCount  int             `json:"sample_count" db:"sample_count"`
	Volatility   decimal.Decimal `json:"volatility" db:"volatility"` // population stddev, 0 for <2 samples
}

// SelectionEvent is one user choosing a destination country. Events are
// append-only: partitioned by SelectionDate, ordered within a partition by
// EventKey (millisecond timestamp + user disambiguator).
type SelectionEvent struct {
	SelectionDate string    `json:"selection_date" db:"selection_date"` // YYYY-MM-DD (UTC)
	EventKey      string    `json:"event_key" db:"event_key"`
	CountryCode   string    `json:"country_code" db:"country_code"`
	UserID        string    `json:"user_id" db:"user_id"`
	SessionID     string    `json:"session_id" db:"session_id"`
	Referrer      string    `json:"referrer,omitempty" db:"referrer"`
	ObservedAt    time.Time `json:"observed_at" db:"observed_at"`
}

// RankingEntry is one country's row in a ranking snapshot.
// RankDelta is nil when the country was unranked in the previous snapshot.
type RankingEntry struct {
	Rank              int     `json:"rank"`
	CountryCode       string  `json:"country_code"`
	Score             int64   `json:"score"`
	PercentageOfTotal float64 `json:"percentage_of_total"`
	RankDelta         *int    `json:"rank_delta"`
}

// RankingSnapshot is one materialized leaderboard for one period. Each
// materializer run replaces the snapshot wholesale; readers never observe
// partially written entries.
type RankingSnapshot struct {
	Period               Period         `json:"period"`
	GeneratedAt          time.Time      `json:"generated_at"`
	TotalSelections      int64          `json:"total_selections"`
	Entries              []RankingEntry `json:"entries"`
	ComputationLatencyMS int64          `json:"computation_latency_ms"`
}

// Period identifies a ranking window.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Periods lists all ranking periods in materialization order.
var Periods = []Period{PeriodDaily, PeriodWeekly, PeriodMonthly}

// ParsePeriod validates a period string.
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return Period(s), nil
	}
	return "", fmt.Errorf("model: unknown ranking period %q", s)
}

// WindowStart returns the inclusive start of the period window containing now.
// Daily starts at midnight UTC, weekly at Monday midnight of the ISO week,
// monthly at the first of the month.
func (p Period) WindowStart(now time.Time) time.Time {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch p {
	case PeriodWeekly:
		offset := (int(midnight.Weekday()) + 6) % 7 // Monday = 0
		return midnight.AddDate(0, 0, -offset)
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return midnight
	}
}

// DateString formats a time as the engine's canonical date key (UTC).
func DateString(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// --- Cache key helpers ---

// RateKey is the cache key for a currency's latest tick.
func RateKey(code string) string { return fmt.Sprintf("rate:%s", code) }

// AggregateKey is the cache key for one currency's daily aggregate.
func AggregateKey(code, date string) string { return fmt.Sprintf("agg:%s:%s", code, date) }

// RankingKey is the cache key for a period's ranking snapshot.
func RankingKey(p Period) string { return fmt.Sprintf("ranking:%s", p) }
