package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/voyapay/rate-engine/internal/model"
)

// PostgresStore implements TickRepository, AggregateRepository, and
// SelectionRepository using PostgreSQL as the source of truth. All rates
// are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Tick log (append-only) ---

func (s *PostgresStore) InsertTicks(ctx context.Context, ticks []model.PriceTick) (int, error) {
	inserted := 0
	for _, t := range ticks {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO price_ticks (currency_code, base_rate, buy_rate, sell_rate, source, observed_at, ingested_at)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5, $6, $7)
			 ON CONFLICT (currency_code, source, observed_at) DO NOTHING`,
			t.CurrencyCode,
			t.BaseRate.String(), t.BuyRate.String(), t.SellRate.String(),
			t.Source, t.ObservedAt, t.IngestedAt,
		)
		if err != nil {
			return inserted, fmt.Errorf("insert tick %s/%s: %w", t.CurrencyCode, t.Source, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (s *PostgresStore) LatestTick(ctx context.Context, currencyCode string) (*model.PriceTick, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT currency_code, base_rate::TEXT, buy_rate::TEXT, sell_rate::TEXT,
		        source, observed_at, ingested_at
		 FROM price_ticks
		 WHERE currency_code = $1
		 ORDER BY observed_at DESC LIMIT 1`, currencyCode)

	t, err := scanTick(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("latest tick %s: %w", currencyCode, ErrNotFound)
		}
		return nil, fmt.Errorf("latest tick %s: %w", currencyCode, err)
	}
	return t, nil
}

func (s *PostgresStore) TicksForDay(ctx context.Context, currencyCode string, day time.Time) ([]model.PriceTick, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	rows, err := s.pool.Query(ctx,
		`SELECT currency_code, base_rate::TEXT, buy_rate::TEXT, sell_rate::TEXT,
		        source, observed_at, ingested_at
		 FROM price_ticks
		 WHERE currency_code = $1 AND observed_at >= $2 AND observed_at < $3
		 ORDER BY observed_at, source`, currencyCode, start, end)
	if err != nil {
		return nil, fmt.Errorf("ticks for %s on %s: %w", currencyCode, model.DateString(day), err)
	}
	defer rows.Close()

	var ticks []model.PriceTick
	for rows.Next() {
		t, err := scanTick(rows)
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, *t)
	}
	return ticks, rows.Err()
}

func (s *PostgresStore) CurrenciesWithTicks(ctx context.Context, day time.Time) ([]string, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT currency_code FROM price_ticks
		 WHERE observed_at >= $1 AND observed_at < $2
		 ORDER BY currency_code`, start, end)
	if err != nil {
		return nil, fmt.Errorf("currencies for %s: %w", model.DateString(day), err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// --- Daily aggregates (upsert per currency+day) ---

func (s *PostgresStore) UpsertAggregate(ctx context.Context, a *model.DailyAggregate) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO daily_aggregates
		   (currency_code, trade_date, open_rate, close_rate, high_rate, low_rate, avg_rate, sample_count, volatility, computed_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC, $10)
		 ON CONFLICT (currency_code, trade_date) DO UPDATE SET
		   open_rate = EXCLUDED.open_rate,
		   close_rate = EXCLUDED.close_rate,
		   high_rate = EXCLUDED.high_rate,
		   low_rate = EXCLUDED.low_rate,
		   avg_rate = EXCLUDED.avg_rate,
		   sample_count = EXCLUDED.sample_count,
		   volatility = EXCLUDED.volatility,
		   computed_at = EXCLUDED.computed_at`,
		a.CurrencyCode, a.TradeDate,
		a.OpenRate.String(), a.CloseRate.String(),
		a.HighRate.String(), a.LowRate.String(), a.AvgRate.String(),
		a.SampleCount, a.Volatility.String(),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert aggregate %s/%s: %w", a.CurrencyCode, a.TradeDate, err)
	}
	return nil
}

func (s *PostgresStore) GetAggregate(ctx context.Context, currencyCode, tradeDate string) (*model.DailyAggregate, error) {
	var a model.DailyAggregate
	var openS, closeS, highS, lowS, avgS, volS string

	err := s.pool.QueryRow(ctx,
		`SELECT currency_code, trade_date::TEXT,
		        open_rate::TEXT, close_rate::TEXT, high_rate::TEXT, low_rate::TEXT, avg_rate::TEXT,
		        sample_count, volatility::TEXT
		 FROM daily_aggregates
		 WHERE currency_code = $1 AND trade_date = $2`, currencyCode, tradeDate).
		Scan(&a.CurrencyCode, &a.TradeDate,
			&openS, &closeS, &highS, &lowS, &avgS,
			&a.SampleCount, &volS)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("aggregate %s/%s: %w", currencyCode, tradeDate, ErrNotFound)
		}
		return nil, fmt.Errorf("aggregate %s/%s: %w", currencyCode, tradeDate, err)
	}

	a.OpenRate, _ = decimal.NewFromString(openS)
	a.CloseRate, _ = decimal.NewFromString(closeS)
	a.HighRate, _ = decimal.NewFromString(highS)
	a.LowRate, _ = decimal.NewFromString(lowS)
	a.AvgRate, _ = decimal.NewFromString(avgS)
	a.Volatility, _ = decimal.NewFromString(volS)

	return &a, nil
}

// --- Selection log (append-only) ---

func (s *PostgresStore) AppendSelection(ctx context.Context, ev *model.SelectionEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO selection_events
		   (selection_date, event_key, country_code, user_id, session_id, referrer, observed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (selection_date, event_key) DO NOTHING`,
		ev.SelectionDate, ev.EventKey, ev.CountryCode,
		ev.UserID, ev.SessionID, ev.Referrer, ev.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("append selection %s: %w", ev.EventKey, err)
	}
	return nil
}

func (s *PostgresStore) SelectionsSince(ctx context.Context, since time.Time) ([]model.SelectionEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT selection_date::TEXT, event_key, country_code, user_id, session_id, referrer, observed_at
		 FROM selection_events
		 WHERE selection_date >= $1
		 ORDER BY selection_date, event_key`, model.DateString(since))
	if err != nil {
		return nil, fmt.Errorf("selections since %s: %w", model.DateString(since), err)
	}
	defer rows.Close()

	return scanSelections(rows)
}

func (s *PostgresStore) SelectionsByCountry(ctx context.Context, countryCode string, since time.Time) ([]model.SelectionEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT selection_date::TEXT, event_key, country_code, user_id, session_id, referrer, observed_at
		 FROM selection_events
		 WHERE country_code = $1 AND selection_date >= $2
		 ORDER BY selection_date, event_key`, countryCode, model.DateString(since))
	if err != nil {
		return nil, fmt.Errorf("selections for %s: %w", countryCode, err)
	}
	defer rows.Close()

	return scanSelections(rows)
}

// --- Scan helpers ---

type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanTick(row pgxRow) (*model.PriceTick, error) {
	var t model.PriceTick
	var base, buy, sell string

	if err := row.Scan(&t.CurrencyCode, &base, &buy, &sell,
		&t.Source, &t.ObservedAt, &t.IngestedAt); err != nil {
		return nil, err
	}

	t.BaseRate, _ = decimal.NewFromString(base)
	t.BuyRate, _ = decimal.NewFromString(buy)
	t.SellRate, _ = decimal.NewFromString(sell)
	return &t, nil
}

func scanSelections(rows pgx.Rows) ([]model.SelectionEvent, error) {
	var events []model.SelectionEvent
	for rows.Next() {
		var ev model.SelectionEvent
		if err := rows.Scan(&ev.SelectionDate, &ev.EventKey, &ev.CountryCode,
			&ev.UserID, &ev.SessionID, &ev.Referrer, &ev.ObservedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
