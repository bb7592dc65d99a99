// Package selection records destination selection events. The log is
// append-only: events are keyed by (selection date, event key) and the
// event key combines a millisecond timestamp with the user identifier, so
// same-millisecond events from different users cannot silently overwrite
// each other.
package selection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/voyapay/rate-engine/internal/metrics"
	"github.com/voyapay/rate-engine/internal/model"
	"github.com/voyapay/rate-engine/internal/store"
)

// ErrInvalidSelection is returned for a missing or malformed country code
// or user identifier.
var ErrInvalidSelection = errors.New("selection: invalid selection")

var countryCodeRe = regexp.MustCompile(`^[A-Z]{2}$`)

// EventPublisher delivers recorded events to an optional downstream queue.
// Publishing is fire-and-forget: it must never block or fail a Record call.
type EventPublisher interface {
	PublishSelection(ctx context.Context, ev *model.SelectionEvent) error
}

// Recorder appends selection events. The record path stays off the
// critical latency path of whatever triggered it: store failures are
// surfaced to the caller but never retried here.
type Recorder struct {
	selections store.SelectionRepository
	publisher  EventPublisher // optional
	now        func() time.Time
}

// NewRecorder creates a Recorder. Pass nil for publisher to disable
// queue delivery.
func NewRecorder(selections store.SelectionRepository, publisher EventPublisher) *Recorder {
	return &Recorder{
		selections: selections,
		publisher:  publisher,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// EventKey builds the per-partition sort key: a zero-padded millisecond
// timestamp plus the user identifier as a same-millisecond disambiguator.
func EventKey(observedAt time.Time, userID string) string {
	return fmt.Sprintf("%013d#%s", observedAt.UTC().UnixMilli(), userID)
}

// Record appends one selection event and returns it. A zero observedAt
// means "now". An empty session ID gets a fresh one.
func (r *Recorder) Record(ctx context.Context, countryCode, userID, sessionID, referrer string, observedAt time.Time) (*model.SelectionEvent, error) {
	if !countryCodeRe.MatchString(countryCode) {
		metrics.SelectionsRecorded.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: country code %q", ErrInvalidSelection, countryCode)
	}
	if userID == "" {
		metrics.SelectionsRecorded.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidSelection)
	}

	if observedAt.IsZero() {
		observedAt = r.now()
	}
	observedAt = observedAt.UTC()
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	ev := &model.SelectionEvent{
		SelectionDate: model.DateString(observedAt),
		EventKey:      EventKey(observedAt, userID),
		CountryCode:   countryCode,
		UserID:        userID,
		SessionID:     sessionID,
		Referrer:      referrer,
		ObservedAt:    observedAt,
	}

	if err := r.selections.AppendSelection(ctx, ev); err != nil {
		metrics.SelectionsRecorded.WithLabelValues("store_error").Inc()
		return nil, fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}
	metrics.SelectionsRecorded.WithLabelValues("ok").Inc()

	if r.publisher != nil {
		// Queue delivery runs detached so a slow broker cannot block
		// the action that triggered the selection.
		go func(ev model.SelectionEvent) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.publisher.PublishSelection(ctx, &ev); err != nil {
				slog.Warn("selection event publish failed",
					"event_key", ev.EventKey, "err", err)
			}
		}(*ev)
	}

	return ev, nil
}
