package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"fx-rate-alerts/internal/config"
)

// AlertEvent is published once per delivery attempt.
type AlertEvent struct {
	ID            string    `json:"id"`
	CycleID       string    `json:"cycle_id,omitempty"`
	Kind          string    `json:"kind"`
	Fingerprint   string    `json:"fingerprint"`
	Source        string    `json:"source,omitempty"`
	Rate          string    `json:"rate,omitempty"`
	Threshold     string    `json:"threshold,omitempty"`
	VolatilityPct string    `json:"volatility_pct,omitempty"`
	Outcome       string    `json:"outcome"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Publisher emits alert events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, events ...AlertEvent) error
	Close() error
}

// KafkaPublisher writes alert events to a Kafka topic keyed by fingerprint.
type KafkaPublisher struct {
	writer  *kafka.Writer
	timeout time.Duration
	logger  zerolog.Logger
}

// NewKafkaPublisher builds a publisher for cfg.Brokers.
func NewKafkaPublisher(cfg config.EventsConfig, logger zerolog.Logger) *KafkaPublisher {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			WriteTimeout: timeout,
			RequiredAcks: kafka.RequireOne,
		},
		timeout: timeout,
		logger:  logger.With().Str("component", "kafka_publisher").Logger(),
	}
}

func (k *KafkaPublisher) Publish(ctx context.Context, events ...AlertEvent) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		msg, err := toMessage(ev)
		if err != nil {
			k.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("skip unencodable alert event")
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return fmt.Errorf("no valid alert events to publish")
	}

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write alert events: %w", err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

func toMessage(ev AlertEvent) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(ev.Fingerprint),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}, nil
}

// Nop discards events. Used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, ...AlertEvent) error { return nil }
func (Nop) Close() error                                 { return nil }

// New returns a Kafka publisher when brokers are configured and Nop otherwise.
func New(cfg config.EventsConfig, logger zerolog.Logger) Publisher {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return Nop{}
	}
	return NewKafkaPublisher(cfg, logger)
}

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = Nop{}
)
