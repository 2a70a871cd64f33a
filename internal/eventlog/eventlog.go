// Package eventlog publishes a durable copy of terminal task events to
// Kafka, giving downstream consumers an audit trail outside the live
// subscription path.
package eventlog

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/blueapplecc-ppp/tts-vocl/internal/monitor"
	"github.com/blueapplecc-ppp/tts-vocl/internal/observability/logging"
)

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers   []string
	Topic     string
	Principal string
	Enabled   bool
}

// Publisher publishes terminal task events to Kafka.
type Publisher struct {
	writer    *kafka.Writer
	principal string
	enabled   bool
}

// New creates a new Kafka event-log publisher. A disabled or brokerless
// config logs a warning and returns a no-op publisher that only logs
// events locally.
func New(cfg Config) *Publisher {
	log := logging.WithComponent("eventlog")

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Warn().Msg("eventlog: kafka disabled, terminal events are not durably logged")
		return &Publisher{principal: cfg.Principal, enabled: false}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
		Resolver:  &net.Resolver{PreferGo: true},
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}

	log.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("eventlog: kafka publisher enabled")
	return &Publisher{writer: writer, principal: cfg.Principal, enabled: true}
}

// taskEvent is the durable payload shape: a terminal event enriched with
// the text_id it belongs to, since monitor.Event alone doesn't carry it.
type taskEvent struct {
	TextID    string            `json:"text_id"`
	Type      monitor.EventType `json:"type"`
	Status    monitor.Status    `json:"status"`
	AudioURL  string            `json:"audio_url,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// PublishTerminal publishes a terminal event for textID. Non-terminal
// events (progress, keepalive) are not logged here — they belong to the
// live subscription path only.
func (p *Publisher) PublishTerminal(ctx context.Context, textID string, evt monitor.Event) error {
	log := logging.WithTask(textID)

	payload, err := json.Marshal(taskEvent{
		TextID:    textID,
		Type:      evt.Type,
		Status:    evt.Status,
		AudioURL:  evt.AudioURL,
		Error:     evt.Error,
		Timestamp: evt.Timestamp,
	})
	if err != nil {
		return err
	}

	if !p.enabled || p.writer == nil {
		log.Debug().RawJSON("event", payload).Msg("eventlog: logged (kafka disabled)")
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(textID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(evt.Type)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		log.Error().Err(err).Msg("eventlog: failed to publish to kafka")
		return err
	}
	return nil
}

// Close closes the underlying Kafka writer, if any.
func (p *Publisher) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
