package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/ksred/klear-engine/internal/types"
)

// Event types
const (
	TypeFill        = "fill"
	TypeOrderStatus = "order_status"
)

// Event is the envelope published for every settled fill and order
// status change
type Event struct {
	Type      string       `json:"type"`
	Fill      *types.Fill  `json:"fill,omitempty"`
	Order     *types.Order `json:"order,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Publisher delivers engine events to downstream consumers. Publishing
// happens after the owning transaction commits and never fails the
// operation that produced the event.
type Publisher interface {
	Publish(ctx context.Context, events ...Event)
	Close() error
}

// NopPublisher drops every event
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ...Event) {}
func (NopPublisher) Close() error { return nil }

// KafkaPublisher writes events to a Kafka topic keyed by symbol so that a
// symbol's events stay ordered within a partition
type KafkaPublisher struct {
	writer *kafka.Writer
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher writing to topic on brokers
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
			Async:    true,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) {
	if len(events) == 0 {
		return
	}

	messages := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Str("type", ev.Type).Msg("failed to encode event")
			continue
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(eventKey(ev)),
			Value: value,
			Time:  ev.Timestamp,
		})
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		log.Error().Err(err).Int("count", len(messages)).Msg("failed to publish events")
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func eventKey(ev Event) string {
	switch {
	case ev.Fill != nil:
		return ev.Fill.Symbol
	case ev.Order != nil:
		return ev.Order.Symbol
	}
	return ev.Type
}

// FillEvent wraps a settled fill
func FillEvent(fill *types.Fill) Event {
	return Event{Type: TypeFill, Fill: fill, Timestamp: fill.CreatedAt}
}

// OrderEvent wraps an order snapshot after a status change
func OrderEvent(order *types.Order) Event {
	snapshot := *order
	return Event{Type: TypeOrderStatus, Order: &snapshot, Timestamp: order.UpdatedAt}
}

// Recorder keeps published events in memory for inspection
type Recorder struct {
	ch chan Event
}

// NewRecorder creates a recorder buffering up to size events
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Publish(_ context.Context, events ...Event) {
	for _, ev := range events {
		select {
		case r.ch <- ev:
		default:
		}
	}
}

func (r *Recorder) Close() error { return nil }

// Drain returns every event recorded so far
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-r.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
