package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/christcr2012/StreamFlow-sub010/internal/clock"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes audit events keyed by tenant so a tenant's events stay
// ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	clock  clock.Clock
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Warn("audit publish failed", "error", err, "messages", len(messages))
			}
		},
	}
}

func NewKafkaSink(w messageWriter, c clock.Clock) *KafkaSink {
	return &KafkaSink{writer: w, clock: c}
}

func (k *KafkaSink) Record(ctx context.Context, tenantID, action, actorID string, metadata map[string]any) {
	payload, err := json.Marshal(Event{
		TenantID:   tenantID,
		Action:     action,
		ActorID:    actorID,
		Metadata:   metadata,
		RecordedAt: k.clock.Now(),
	})
	if err != nil {
		slog.Warn("audit encode failed", "error", err, "action", action)
		return
	}

	// The async writer only queues; a cancelled request must not drop the event.
	if err := k.writer.WriteMessages(context.WithoutCancel(ctx), kafka.Message{
		Key:   []byte(tenantID),
		Value: payload,
	}); err != nil {
		slog.Warn("audit publish failed", "error", err, "action", action, "tenant_id", tenantID)
	}
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
