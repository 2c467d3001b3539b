package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/permitdesk/permitdesk/internal/permits"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes permit events to Kafka.
type Producer struct {
	l     *slog.Logger
	w     messageWriter
	topic string
}

// envelope is the wire shape shared by all permit events.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// NewProducer builds an async producer. It returns nil when no brokers are
// configured, which disables publishing.
func NewProducer(l *slog.Logger, brokers []string, topic string) *Producer {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	if l == nil {
		l = slog.Default()
	}
	l = l.WithGroup("kafka").With("topic", topic)

	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		Async:                  true,
		RequiredAcks:           kafka.RequireOne,
		Logger:                 kafka.LoggerFunc(func(msg string, args ...any) { l.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:            kafka.LoggerFunc(func(msg string, args ...any) { l.Error(fmt.Sprintf(msg, args...)) }),
		AllowAutoTopicCreation: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				l.Warn("kafka delivery failed", slog.Int("messages", len(messages)), slog.Any("error", err))
			}
		},
	}
	return &Producer{l: l, w: w, topic: topic}
}

// PublishStatusChanged writes the event keyed by permit id so a permit's
// events stay ordered within one partition.
func (p *Producer) PublishStatusChanged(ctx context.Context, event permits.StatusChanged) error {
	if p == nil || p.w == nil {
		return nil
	}
	msg, err := p.statusMessage(event)
	if err != nil {
		return err
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

func (p *Producer) statusMessage(event permits.StatusChanged) (kafka.Message, error) {
	b, err := json.Marshal(envelope{Type: permits.EventStatusChanged, Data: event})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return kafka.Message{
		Topic: p.topic,
		Key:   []byte(event.PermitID.String()),
		Value: b,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(permits.EventStatusChanged)},
		},
	}, nil
}

// Close flushes pending messages.
func (p *Producer) Close() {
	if p == nil || p.w == nil {
		return
	}
	if err := p.w.Close(); err != nil {
		p.l.Error("close kafka writer", slog.Any("error", err))
	}
}
