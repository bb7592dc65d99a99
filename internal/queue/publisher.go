// Package queue publishes engine events to Kafka topics. The queue is an
// optional delivery collaborator: a nil Publisher disables publishing, and
// consumers are assumed to handle at-least-once delivery with idempotent
// handlers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/voyapay/rate-engine/internal/model"
)

// Topic names consumed by downstream services.
const (
	TopicRateUpdates     = "exchange-rate-updates"
	TopicSelectionEvents = "user-selection-events"
	TopicRankingTriggers = "ranking-calculation-triggers"
)

// Publisher writes engine events to Kafka.
type Publisher struct {
	rates      *kafka.Writer
	selections *kafka.Writer
	triggers   *kafka.Writer
}

// NewPublisher creates a Publisher against the given brokers.
func NewPublisher(brokers []string) *Publisher {
	writer := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: 5 * time.Second,
			Async:        false,
		}
	}
	return &Publisher{
		rates:      writer(TopicRateUpdates),
		selections: writer(TopicSelectionEvents),
		triggers:   writer(TopicRankingTriggers),
	}
}

// PublishRateUpdate announces a freshly ingested tick, keyed by currency
// so per-currency ordering is preserved.
func (p *Publisher) PublishRateUpdate(ctx context.Context, tick *model.PriceTick) error {
	return p.publish(ctx, p.rates, tick.CurrencyCode, tick)
}

// PublishSelection delivers a recorded selection event, keyed by country.
func (p *Publisher) PublishSelection(ctx context.Context, ev *model.SelectionEvent) error {
	return p.publish(ctx, p.selections, ev.CountryCode, ev)
}

// PublishRankingTrigger requests an out-of-schedule materialization.
func (p *Publisher) PublishRankingTrigger(ctx context.Context, period model.Period) error {
	msg := struct {
		Period      model.Period `json:"period"`
		TriggeredAt time.Time    `json:"triggered_at"`
	}{period, time.Now().UTC()}
	return p.publish(ctx, p.triggers, string(period), msg)
}

func (p *Publisher) publish(ctx context.Context, w *kafka.Writer, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", w.Topic, err)
	}
	if err := w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: data}); err != nil {
		return fmt.Errorf("publish to %s: %w", w.Topic, err)
	}
	return nil
}

// Close flushes and closes all writers.
func (p *Publisher) Close() error {
	for _, w := range []*kafka.Writer{p.rates, p.selections, p.triggers} {
		if err := w.Close(); err != nil {
			return err
		}
	}
	return nil
}
