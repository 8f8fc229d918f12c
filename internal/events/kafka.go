package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/banking/fraud-service/internal/config"
	"github.com/banking/fraud-service/internal/pkg/logger"
)

// NewSyncProducer builds a sarama producer from the kafka config
func NewSyncProducer(cfg config.KafkaConfig) (sarama.SyncProducer, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.Return.Successes = true
	sc.Producer.Retry.Max = cfg.MaxRetries
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	switch cfg.RequiredAcks {
	case "none":
		sc.Producer.RequiredAcks = sarama.NoResponse
	case "leader":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	default:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}

// KafkaPublisher forwards bus events to Kafka as JSON keyed by Event.Key.
// Alert events go to the alerts topic, everything else to the events topic.
type KafkaPublisher struct {
	producer    sarama.SyncProducer
	eventsTopic string
	alertsTopic string
	log         *logger.Logger
}

// NewKafkaPublisher wraps a producer
func NewKafkaPublisher(producer sarama.SyncProducer, cfg config.KafkaConfig, log *logger.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		producer:    producer,
		eventsTopic: cfg.EventsTopic,
		alertsTopic: cfg.AlertsTopic,
		log:         log.Named("kafka_publisher"),
	}
}

func (p *KafkaPublisher) topic(t EventType) string {
	if t.IsAlert() && p.alertsTopic != "" {
		return p.alertsTopic
	}
	return p.eventsTopic
}

// Send publishes one event synchronously
func (p *KafkaPublisher) Send(e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.ID, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic(e.Type),
		Key:   sarama.StringEncoder(e.Key),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(e.Type)},
			{Key: []byte("event_id"), Value: []byte(e.ID)},
		},
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send event %s: %w", e.ID, err)
	}

	p.log.Debug("event published",
		zap.String("event_type", string(e.Type)),
		zap.String("topic", msg.Topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// Run forwards events until ctx is done or the channel is closed. Send
// failures are logged and the event is skipped.
func (p *KafkaPublisher) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := p.Send(e); err != nil {
				p.log.Error("failed to publish event",
					zap.String("event_type", string(e.Type)),
					zap.String("key", e.Key),
					logger.ErrorField(err),
				)
			}
		}
	}
}

// Close closes the producer
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
