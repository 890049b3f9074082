package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
)

// KafkaNotifier publishes enrollment.granted events to a Kafka topic. An
// external consumer turns them into emails; redelivery is its problem, not
// ours.
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}

	return &KafkaNotifier{producer: producer, topic: topic}, nil
}

func (n *KafkaNotifier) EnrollmentGranted(ctx context.Context, ev EnrollmentEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal enrollment.granted event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(ev.StudentID),
		Value: sarama.ByteEncoder(data),
	}

	if _, _, err := n.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("send enrollment.granted message: %w", err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}
