package events

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer  messageWriter
	log     *zap.Logger
	timeout time.Duration
}

// NewKafkaPublisher writes asynchronously, so Publish only enqueues and
// delivery failures surface through the completion log.
func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) *KafkaPublisher {
	log = log.Named("events.kafka")
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
		Async:                  true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Warn("failed to deliver events", zap.Int("count", len(messages)), zap.Error(err))
			}
		},
	}
	return newKafkaPublisher(writer, log)
}

func newKafkaPublisher(writer messageWriter, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, log: log, timeout: 5 * time.Second}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) {
	payload, err := Encode(ctx, evt)
	if err != nil {
		p.log.Warn("failed to encode event", zap.String("type", evt.Type), zap.Error(err))
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	err = p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(evt.Subject),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
		},
	})
	if err != nil {
		p.log.Warn("failed to publish event",
			zap.String("type", evt.Type),
			zap.String("subject", evt.Subject),
			zap.Error(err),
		)
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NoopPublisher logs and drops events when no broker is configured.
type NoopPublisher struct {
	log *zap.Logger
}

func NewNoopPublisher(log *zap.Logger) *NoopPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &NoopPublisher{log: log.Named("events.noop")}
}

func (p *NoopPublisher) Publish(_ context.Context, evt Event) {
	p.log.Debug("event dropped", zap.String("type", evt.Type), zap.String("subject", evt.Subject))
}
