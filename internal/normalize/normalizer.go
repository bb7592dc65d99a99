// Package normalize converts heterogeneous upstream price-feed payloads
// into canonical price ticks. Each source has its own wire shape; the
// normalizer validates currency codes and rate bounds, derives buy/sell
// rates, and dedupes within a batch. One malformed item never drops its
// sibling valid items.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voyapay/rate-engine/internal/model"
)

var (
	// ErrMalformedPayload is returned when a payload (or one of its items)
	// is missing a currency code or rate, or cannot be decoded.
	ErrMalformedPayload = errors.New("normalize: malformed payload")

	// ErrUnsupportedSource is returned for a source tag with no registered
	// decoder.
	ErrUnsupportedSource = errors.New("normalize: unsupported source")

	// ErrOutOfRangeRate is returned for rates that are non-positive or
	// exceed the sanity bound. Rejected, never clamped — callers decide
	// whether to fall back to a cached prior value.
	ErrOutOfRangeRate = errors.New("normalize: rate out of range")
)

// Source tags with registered decoders.
const (
	SourceOpenRates   = "openrates"   // KRW-base quotes, inverted to KRW per unit
	SourceFixer       = "fixer"       // EUR-base quotes, crossed through KRW
	SourceCentralBank = "centralbank" // direct KRW rows
)

// DefaultMaxRate is the sanity bound: a single unit of any currency is not
// worth more than ten million KRW.
var DefaultMaxRate = decimal.NewFromInt(10_000_000)

// RateScale is the number of decimal places all normalized rates carry.
const RateScale int32 = 4

// Buy/sell spread applied to the base rate (provider fee of 2%).
var (
	buyFactor  = decimal.NewFromFloat(0.98)
	sellFactor = decimal.NewFromFloat(1.02)
)

var currencyCodeRe = regexp.MustCompile(`^[A-Z]{3}$`)

// ItemError records a rejected payload item alongside the valid ones.
type ItemError struct {
	CurrencyCode string
	Err          error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s: %v", e.CurrencyCode, e.Err)
}

func (e ItemError) Unwrap() error { return e.Err }

// Normalizer converts raw feed payloads into canonical PriceTicks.
type Normalizer struct {
	maxRate decimal.Decimal
	now     func() time.Time
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithMaxRate overrides the rate sanity bound.
func WithMaxRate(max decimal.Decimal) Option {
	return func(n *Normalizer) { n.maxRate = max }
}

// WithClock overrides the ingestion clock (tests).
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// New creates a Normalizer with the default sanity bound.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		maxRate: DefaultMaxRate,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize decodes one raw payload from the given source into canonical
// ticks. Per-item failures are collected in the returned ItemError slice;
// the error return is reserved for payload-level failures (unsupported
// source, undecodable body). Ticks are deduped by (currency, source,
// observed_at) within the batch.
func (n *Normalizer) Normalize(source string, payload []byte) ([]model.PriceTick, []ItemError, error) {
	var (
		ticks   []model.PriceTick
		skipped []ItemError
		err     error
	)

	switch source {
	case SourceOpenRates:
		ticks, skipped, err = n.decodeOpenRates(payload)
	case SourceFixer:
		ticks, skipped, err = n.decodeFixer(payload)
	case SourceCentralBank:
		ticks, skipped, err = n.decodeCentralBank(payload)
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, source)
	}
	if err != nil {
		return nil, nil, err
	}

	return dedupe(ticks), skipped, nil
}

// openRatesPayload mirrors the KRW-base feed: values are units of foreign
// currency per one KRW, so the canonical rate is the inverse.
type openRatesPayload struct {
	Base      string             `json:"base"`
	Timestamp int64              `json:"timestamp"`
	Rates     map[string]float64 `json:"rates"`
}

func (n *Normalizer) decodeOpenRates(payload []byte) ([]model.PriceTick, []ItemError, error) {
	var p openRatesPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(p.Rates) == 0 {
		return nil, nil, fmt.Errorf("%w: missing rates", ErrMalformedPayload)
	}

	observedAt := n.observedAt(p.Timestamp)

	var ticks []model.PriceTick
	var skipped []ItemError
	for code, perKRW := range p.Rates {
		if code == "KRW" {
			continue
		}
		if perKRW <= 0 {
			skipped = append(skipped, ItemError{code, fmt.Errorf("%w: non-positive quote", ErrOutOfRangeRate)})
			continue
		}
		rate := decimal.NewFromInt(1).Div(decimal.NewFromFloat(perKRW)).Round(RateScale)
		tick, err := n.buildTick(code, rate, SourceOpenRates, observedAt)
		if err != nil {
			skipped = append(skipped, ItemError{code, err})
			continue
		}
		ticks = append(ticks, *tick)
	}
	return ticks, skipped, nil
}

// fixerPayload mirrors the EUR-base feed: KRW rates are derived by crossing
// each quote through the payload's KRW/EUR rate.
type fixerPayload struct {
	Base      string             `json:"base"`
	Timestamp int64              `json:"timestamp"`
	Rates     map[string]float64 `json:"rates"`
}

func (n *Normalizer) decodeFixer(payload []byte) ([]model.PriceTick, []ItemError, error) {
	var p fixerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	krwPerEur, ok := p.Rates["KRW"]
	if !ok || krwPerEur <= 0 {
		return nil, nil, fmt.Errorf("%w: missing KRW cross rate", ErrMalformedPayload)
	}

	observedAt := n.observedAt(p.Timestamp)
	krw := decimal.NewFromFloat(krwPerEur)

	var ticks []model.PriceTick
	var skipped []ItemError
	for code, perEur := range p.Rates {
		if code == "KRW" {
			continue
		}
		if perEur <= 0 {
			skipped = append(skipped, ItemError{code, fmt.Errorf("%w: non-positive quote", ErrOutOfRangeRate)})
			continue
		}
		rate := krw.Div(decimal.NewFromFloat(perEur)).Round(RateScale)
		tick, err := n.buildTick(code, rate, SourceFixer, observedAt)
		if err != nil {
			skipped = append(skipped, ItemError{code, err})
			continue
		}
		ticks = append(ticks, *tick)
	}
	return ticks, skipped, nil
}

// centralBankPayload mirrors the row-oriented central bank feed with
// direct KRW rates.
type centralBankPayload struct {
	AsOf string `json:"as_of"` // RFC 3339, optional
	Rows []struct {
		CurrencyCode string      `json:"currency_code"`
		Rate         json.Number `json:"rate"`
	} `json:"rows"`
}

func (n *Normalizer) decodeCentralBank(payload []byte) ([]model.PriceTick, []ItemError, error) {
	var p centralBankPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(p.Rows) == 0 {
		return nil, nil, fmt.Errorf("%w: missing rows", ErrMalformedPayload)
	}

	observedAt := n.now()
	if p.AsOf != "" {
		if t, err := time.Parse(time.RFC3339, p.AsOf); err == nil {
			observedAt = t.UTC()
		}
	}

	var ticks []model.PriceTick
	var skipped []ItemError
	for _, row := range p.Rows {
		if row.CurrencyCode == "" || row.Rate == "" {
			skipped = append(skipped, ItemError{row.CurrencyCode, fmt.Errorf("%w: missing currency or rate", ErrMalformedPayload)})
			continue
		}
		rate, err := decimal.NewFromString(row.Rate.String())
		if err != nil {
			skipped = append(skipped, ItemError{row.CurrencyCode, fmt.Errorf("%w: %v", ErrMalformedPayload, err)})
			continue
		}
		tick, err := n.buildTick(row.CurrencyCode, rate.Round(RateScale), SourceCentralBank, observedAt)
		if err != nil {
			skipped = append(skipped, ItemError{row.CurrencyCode, err})
			continue
		}
		ticks = append(ticks, *tick)
	}
	return ticks, skipped, nil
}

// buildTick validates one normalized quote and derives buy/sell rates.
func (n *Normalizer) buildTick(code string, rate decimal.Decimal, source string, observedAt time.Time) (*model.PriceTick, error) {
	if !currencyCodeRe.MatchString(code) {
		return nil, fmt.Errorf("%w: invalid currency code %q", ErrMalformedPayload, code)
	}
	if rate.LessThanOrEqual(decimal.Zero) || rate.GreaterThan(n.maxRate) {
		return nil, fmt.Errorf("%w: %s", ErrOutOfRangeRate, rate)
	}

	return &model.PriceTick{
		CurrencyCode: code,
		BaseRate:     rate,
		BuyRate:      rate.Mul(buyFactor).Round(RateScale),
		SellRate:     rate.Mul(sellFactor).Round(RateScale),
		Source:       source,
		ObservedAt:   observedAt,
		IngestedAt:   n.now(),
	}, nil
}

func (n *Normalizer) observedAt(unixSec int64) time.Time {
	if unixSec > 0 {
		return time.Unix(unixSec, 0).UTC()
	}
	return n.now()
}

// dedupe drops later occurrences of the same (currency, source, observed_at)
// within one batch. The store enforces the same key across batches.
func dedupe(ticks []model.PriceTick) []model.PriceTick {
	seen := make(map[string]bool, len(ticks))
	out := ticks[:0]
	for _, t := range ticks {
		key := fmt.Sprintf("%s|%s|%d", t.CurrencyCode, t.Source, t.ObservedAt.UnixNano())
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}
