package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"ambulance/internal/dispatch"
	"ambulance/internal/logger"
)

// EventTopics lists every topic the relay may write to.
var EventTopics = []string{
	string(dispatch.EventBookingCreated),
	string(dispatch.EventBookingStatusUpdated),
	string(dispatch.EventDriverAssigned),
	string(dispatch.EventPaymentCompleted),
}

// KafkaPublisher writes each event to the topic named after its kind, keyed
// by booking id so one booking's events stay ordered within a partition.
type KafkaPublisher struct {
	brokers []string
	writer  *kafkago.Writer
	log     *logger.Logger
}

func NewKafkaPublisher(brokers []string, log *logger.Logger) *KafkaPublisher {
	if log == nil {
		log = logger.Nop()
	}
	return &KafkaPublisher{
		brokers: brokers,
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(brokers...),
			Balancer:     &kafkago.Hash{},
			RequiredAcks: kafkago.RequireOne,
			WriteTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// EnsureTopics creates the event topics, retrying while the broker starts.
func (k *KafkaPublisher) EnsureTopics(ctx context.Context) error {
	if len(k.brokers) == 0 {
		return errors.New("kafka: no brokers configured")
	}
	for attempt := 1; attempt <= 20; attempt++ {
		conn, err := kafkago.DialContext(ctx, "tcp", k.brokers[0])
		if err != nil {
			k.log.Warn(logger.Entry{Action: "kafka_not_ready", Message: "retrying in 3s", Error: logger.Err(err),
				Additional: map[string]any{"attempt": attempt}})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
			continue
		}
		configs := make([]kafkago.TopicConfig, len(EventTopics))
		for i, t := range EventTopics {
			configs[i] = kafkago.TopicConfig{Topic: t, NumPartitions: 3, ReplicationFactor: 1}
		}
		err = conn.CreateTopics(configs...)
		conn.Close()
		if err != nil {
			k.log.Info(logger.Entry{Action: "kafka_topics", Message: "topic creation returned an error, topics may already exist", Error: logger.Err(err)})
		}
		k.log.Info(logger.Entry{Action: "kafka_topics", Message: "topics ensured", Additional: map[string]any{"topics": EventTopics}})
		return nil
	}
	return fmt.Errorf("kafka: could not connect after 20 attempts")
}

func (k *KafkaPublisher) Publish(ctx context.Context, msg dispatch.OutboxMessage) error {
	err := k.writer.WriteMessages(ctx, kafkago.Message{
		Topic: msg.Kind,
		Key:   []byte(msg.BookingID),
		Value: msg.Payload,
		Time:  msg.CreatedAt,
		Headers: []kafkago.Header{
			{Key: "message_id", Value: []byte(msg.ID)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka write %s: %w", msg.Kind, err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
