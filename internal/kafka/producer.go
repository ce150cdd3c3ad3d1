package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/battlevote/config"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// AnalyticsEvent is the payload written to the analytics topic.
type AnalyticsEvent struct {
	EventID       string         `json:"eventId"`
	Name          string         `json:"name"`
	ParticipantID string         `json:"participantId"`
	Properties    map[string]any `json:"properties,omitempty"`
	OccurredAt    time.Time      `json:"occurredAt"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer is the analytics sink. Writes are asynchronous; delivery
// failures are logged and never reach the caller.
type Producer struct {
	writer messageWriter
	logger *zap.Logger
}

func NewProducer(cfg config.KafkaConfig, logger *zap.Logger) *Producer {
	logger = logger.With(zap.String("module", "kafka"), zap.String("topic", cfg.AnalyticsTopic))
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.AnalyticsTopic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("analytics delivery failed",
					zap.String("event", "analytics_delivery_failed"),
					zap.Int("messages", len(messages)),
					zap.Error(err),
				)
			}
		},
	}
	return newProducer(writer, logger)
}

func newProducer(writer messageWriter, logger *zap.Logger) *Producer {
	return &Producer{writer: writer, logger: logger}
}

// Track implements service.Analytics.
func (p *Producer) Track(participantID, eventName string, properties map[string]any) {
	msg, err := buildMessage(participantID, eventName, properties, time.Now())
	if err != nil {
		p.logger.Warn("encode analytics event failed",
			zap.String("event", "analytics_encode_failed"),
			zap.String("analytics_event", eventName),
			zap.Error(err),
		)
		return
	}
	if err := p.writer.WriteMessages(context.Background(), msg); err != nil {
		p.logger.Warn("enqueue analytics event failed",
			zap.String("event", "analytics_enqueue_failed"),
			zap.String("analytics_event", eventName),
			zap.Error(err),
		)
	}
}

// buildMessage keys by participant so one participant's events stay ordered
// within a partition.
func buildMessage(participantID, eventName string, properties map[string]any, now time.Time) (kafka.Message, error) {
	data, err := json.Marshal(AnalyticsEvent{
		EventID:       uuid.NewString(),
		Name:          eventName,
		ParticipantID: participantID,
		Properties:    properties,
		OccurredAt:    now.UTC(),
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal analytics event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(participantID),
		Value: data,
		Time:  now,
	}, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
