// Package engine wires the derived-data components behind the HTTP
// surface: feed ingestion, cached rate and aggregate reads, selection
// recording, and ranking reads/triggers.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/voyapay/rate-engine/internal/cache"
	"github.com/voyapay/rate-engine/internal/metrics"
	"github.com/voyapay/rate-engine/internal/model"
	"github.com/voyapay/rate-engine/internal/normalize"
	"github.com/voyapay/rate-engine/internal/ranking"
	"github.com/voyapay/rate-engine/internal/selection"
	"github.com/voyapay/rate-engine/internal/store"
)

const maxPayloadBytes = 1 << 20

// TTLs holds the cache TTL per key class: short for latest rates, longer
// for daily aggregates, matching the materialization cadence for rankings.
type TTLs struct {
	Rate      time.Duration
	Aggregate time.Duration
	Ranking   time.Duration
}

// RatePublisher delivers rate updates to the optional queue collaborator.
type RatePublisher interface {
	PublishRateUpdate(ctx context.Context, tick *model.PriceTick) error
}

// Service handles the engine's request-driven operations.
type Service struct {
	normalizer   *normalize.Normalizer
	ticks        store.TickRepository
	aggs         store.AggregateRepository
	selections   store.SelectionRepository
	snapshots    store.SnapshotRepository
	recorder     *selection.Recorder
	materializer *ranking.Materializer
	cache        *cache.Store
	ttls         TTLs
	hub          *WSHub        // optional
	publisher    RatePublisher // optional
}

// NewService creates the engine service. Pass nil for hub and publisher
// when broadcasting / queue delivery is not wired.
func NewService(
	normalizer *normalize.Normalizer,
	ticks store.TickRepository,
	aggs store.AggregateRepository,
	selections store.SelectionRepository,
	snapshots store.SnapshotRepository,
	recorder *selection.Recorder,
	materializer *ranking.Materializer,
	c *cache.Store,
	ttls TTLs,
	hub *WSHub,
	publisher RatePublisher,
) *Service {
	return &Service{
		normalizer:   normalizer,
		ticks:        ticks,
		aggs:         aggs,
		selections:   selections,
		snapshots:    snapshots,
		recorder:     recorder,
		materializer: materializer,
		cache:        c,
		ttls:         ttls,
		hub:          hub,
		publisher:    publisher,
	}
}

// IngestResult summarizes one ingestion batch.
type IngestResult struct {
	Source    string `json:"source"`
	Inserted  int    `json:"inserted"`
	Duplicate int    `json:"duplicate"`
	Rejected  int    `json:"rejected"`
}

// Ingest normalizes one raw feed payload, appends the ticks to the log,
// pre-warms the latest-rate cache, and fans the updates out to the
// WebSocket hub and queue. Per-item rejections never drop sibling ticks.
func (s *Service) Ingest(ctx context.Context, source string, payload []byte) (*IngestResult, error) {
	ticks, skipped, err := s.normalizer.Normalize(source, payload)
	if err != nil {
		return nil, err
	}
	for _, item := range skipped {
		metrics.TicksIngested.WithLabelValues(source, "rejected").Inc()
		slog.Warn("tick rejected", "source", source, "currency", item.CurrencyCode, "err", item.Err)
	}

	inserted, err := s.ticks.InsertTicks(ctx, ticks)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	metrics.TicksIngested.WithLabelValues(source, "inserted").Add(float64(inserted))
	metrics.TicksIngested.WithLabelValues(source, "duplicate").Add(float64(len(ticks) - inserted))

	for i := range ticks {
		s.fanOut(ctx, &ticks[i])
	}

	slog.Info("payload ingested",
		"source", source,
		"inserted", inserted,
		"duplicate", len(ticks)-inserted,
		"rejected", len(skipped),
	)
	return &IngestResult{
		Source:    source,
		Inserted:  inserted,
		Duplicate: len(ticks) - inserted,
		Rejected:  len(skipped),
	}, nil
}

// fanOut pre-warms the rate cache and announces the tick. Best effort:
// the tick is already durable in the log.
func (s *Service) fanOut(ctx context.Context, tick *model.PriceTick) {
	if data, err := json.Marshal(tick); err == nil {
		if err := s.cache.Put(ctx, model.RateKey(tick.CurrencyCode), data, s.ttls.Rate); err != nil {
			slog.Warn("rate cache pre-warm failed", "currency", tick.CurrencyCode, "err", err)
		}
	}

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:         "rate_update",
			CurrencyCode: tick.CurrencyCode,
			BaseRate:     tick.BaseRate.String(),
			BuyRate:      tick.BuyRate.String(),
			SellRate:     tick.SellRate.String(),
			Source:       tick.Source,
			ObservedAt:   tick.ObservedAt.Format(time.RFC3339),
		})
	}

	if s.publisher != nil {
		if err := s.publisher.PublishRateUpdate(ctx, tick); err != nil {
			slog.Warn("rate update publish failed", "currency", tick.CurrencyCode, "err", err)
		}
	}
}

// LatestRate reads a currency's latest tick through the cache-aside path,
// recomputing from the tick log on a miss.
func (s *Service) LatestRate(ctx context.Context, currencyCode string) (*model.PriceTick, error) {
	data, err := s.cache.Get(ctx, model.RateKey(currencyCode), s.ttls.Rate, func(ctx context.Context) ([]byte, error) {
		tick, err := s.ticks.LatestTick(ctx, currencyCode)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%s: %w", currencyCode, cache.ErrNoData)
			}
			return nil, err
		}
		return json.Marshal(tick)
	})
	if err != nil {
		return nil, err
	}

	var tick model.PriceTick
	if err := json.Unmarshal(data, &tick); err != nil {
		return nil, fmt.Errorf("decode cached rate %s: %w", currencyCode, err)
	}
	return &tick, nil
}

// DailyAggregate reads one currency/day aggregate through the cache.
func (s *Service) DailyAggregate(ctx context.Context, currencyCode, tradeDate string) (*model.DailyAggregate, error) {
	key := model.AggregateKey(currencyCode, tradeDate)
	data, err := s.cache.Get(ctx, key, s.ttls.Aggregate, func(ctx context.Context) ([]byte, error) {
		agg, err := s.aggs.GetAggregate(ctx, currencyCode, tradeDate)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%s/%s: %w", currencyCode, tradeDate, cache.ErrNoData)
			}
			return nil, err
		}
		return json.Marshal(agg)
	})
	if err != nil {
		return nil, err
	}

	var agg model.DailyAggregate
	if err := json.Unmarshal(data, &agg); err != nil {
		return nil, fmt.Errorf("decode cached aggregate %s: %w", key, err)
	}
	return &agg, nil
}

// Ranking reads a period's snapshot through the cache.
func (s *Service) Ranking(ctx context.Context, period model.Period) (*model.RankingSnapshot, error) {
	data, err := s.cache.Get(ctx, model.RankingKey(period), s.ttls.Ranking, func(ctx context.Context) ([]byte, error) {
		snap, err := s.snapshots.GetSnapshot(ctx, period)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%s: %w", period, cache.ErrNoData)
			}
			return nil, err
		}
		return json.Marshal(snap)
	})
	if err != nil {
		return nil, err
	}

	var snap model.RankingSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode cached ranking %s: %w", period, err)
	}
	return &snap, nil
}

// --- HTTP handlers ---

// HandleIngest handles POST /api/v1/ingest/{source}.
func (s *Service) HandleIngest(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		writeError(w, "failed to read payload", http.StatusBadRequest)
		return
	}

	result, err := s.Ingest(r.Context(), source, payload)
	if err != nil {
		switch {
		case errors.Is(err, normalize.ErrUnsupportedSource):
			writeError(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, normalize.ErrMalformedPayload):
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, store.ErrStoreUnavailable):
			writeError(w, "tick log unavailable", http.StatusServiceUnavailable)
		default:
			writeError(w, "ingestion failed", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// HandleGetRate handles GET /api/v1/rates/{currencyCode}.
func (s *Service) HandleGetRate(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "currencyCode")

	tick, err := s.LatestRate(r.Context(), code)
	if err != nil {
		writeReadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tick)
}

// HandleGetRates handles GET /api/v1/rates?codes=USD,JPY,EUR.
// Currencies with no data are listed separately; their absence never fails
// the batch.
func (s *Service) HandleGetRates(w http.ResponseWriter, r *http.Request) {
	codes := splitCodes(r.URL.Query().Get("codes"))
	if len(codes) == 0 {
		codes = []string{"USD", "JPY", "EUR", "GBP", "CNY"}
	}

	rates := make(map[string]*model.PriceTick, len(codes))
	missing := []string{}
	for _, code := range codes {
		tick, err := s.LatestRate(r.Context(), code)
		if err != nil {
			if errors.Is(err, cache.ErrNoData) || errors.Is(err, cache.ErrSourceUnavailable) {
				missing = append(missing, code)
				continue
			}
			writeReadError(w, err)
			return
		}
		rates[code] = tick
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"base":      "KRW",
		"timestamp": time.Now().UTC().Unix(),
		"rates":     rates,
		"missing":   missing,
	})
}

// HandleGetAggregate handles GET /api/v1/aggregates/{currencyCode}/{date}.
func (s *Service) HandleGetAggregate(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "currencyCode")
	date := chi.URLParam(r, "date")

	if _, err := time.Parse("2006-01-02", date); err != nil {
		writeError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	agg, err := s.DailyAggregate(r.Context(), code, date)
	if err != nil {
		writeReadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// SelectionRequest is the JSON body for POST /api/v1/rankings/selections.
type SelectionRequest struct {
	CountryCode string `json:"country_code"`
	UserID      string `json:"user_id"`
	SessionID   string `json:"session_id"`
	Referrer    string `json:"referrer"`
}

// HandleRecordSelection handles POST /api/v1/rankings/selections.
func (s *Service) HandleRecordSelection(w http.ResponseWriter, r *http.Request) {
	var req SelectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ev, err := s.recorder.Record(r.Context(), req.CountryCode, req.UserID, req.SessionID, req.Referrer, time.Time{})
	if err != nil {
		switch {
		case errors.Is(err, selection.ErrInvalidSelection):
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, store.ErrStoreUnavailable):
			writeError(w, "selection log unavailable", http.StatusServiceUnavailable)
		default:
			writeError(w, "failed to record selection", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"selection_id":   ev.EventKey,
		"selection_date": ev.SelectionDate,
	})
}

// HandleGetRanking handles GET /api/v1/rankings/{period}.
func (s *Service) HandleGetRanking(w http.ResponseWriter, r *http.Request) {
	period, err := model.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap, err := s.Ranking(r.Context(), period)
	if err != nil {
		writeReadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleGetCountrySelections handles
// GET /api/v1/rankings/countries/{countryCode}?period=daily — per-country
// selection detail within the period window.
func (s *Service) HandleGetCountrySelections(w http.ResponseWriter, r *http.Request) {
	country := strings.ToUpper(chi.URLParam(r, "countryCode"))

	periodRaw := r.URL.Query().Get("period")
	if periodRaw == "" {
		periodRaw = string(model.PeriodDaily)
	}
	period, err := model.ParsePeriod(periodRaw)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	since := period.WindowStart(time.Now().UTC())
	events, err := s.selections.SelectionsByCountry(r.Context(), country, since)
	if err != nil {
		writeError(w, "selection log unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"country_code": country,
		"period":       period,
		"window_start": model.DateString(since),
		"score":        len(events),
		"selections":   events,
	})
}

// HandleRecalculateRanking handles POST /api/v1/rankings/{period}/recalculate —
// the manual materialization trigger.
func (s *Service) HandleRecalculateRanking(w http.ResponseWriter, r *http.Request) {
	period, err := model.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap, err := s.materializer.Run(r.Context(), period)
	if err != nil {
		if errors.Is(err, ranking.ErrRunInFlight) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"status": "skipped",
				"reason": "materialization already in flight",
			})
			return
		}
		writeError(w, "materialization failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"calculation_id":   fmt.Sprintf("calc_%s_%s", time.Now().UTC().Format("20060102_150405"), uuid.New().String()[:8]),
		"period":           period,
		"total_selections": snap.TotalSelections,
		"entries":          len(snap.Entries),
	})
}

// --- helpers ---

func splitCodes(raw string) []string {
	if raw == "" {
		return nil
	}
	var codes []string
	for _, c := range strings.Split(raw, ",") {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			codes = append(codes, c)
		}
	}
	return codes
}

// writeReadError maps cache-aside read failures onto HTTP statuses: "no
// data" is distinguishable from an unavailable source.
func writeReadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cache.ErrNoData):
		writeError(w, "no data", http.StatusNotFound)
	case errors.Is(err, cache.ErrSourceUnavailable):
		writeError(w, "source unavailable", http.StatusServiceUnavailable)
	default:
		writeError(w, "read failed", http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
