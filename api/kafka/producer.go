package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
)

type Producer interface {
	SendTaskEvent(ctx context.Context, topic string, event *TaskEvent) error
	Close() error
}

// TaskEvent is published for every lifecycle transition and progress
// change, keyed by task ID so per-task ordering is preserved. Consumers
// that prefer subscription over polling read this stream.
type TaskEvent struct {
	TaskID       string    `json:"task_id"`
	UserID       string    `json:"user_id,omitempty"`
	Status       string    `json:"status"`
	Progress     int       `json:"progress"`
	Step         string    `json:"step,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	At           time.Time `json:"at"`
}

type producer struct {
	producer sarama.SyncProducer
}

func NewProducer(brokers []string) (Producer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	p, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	return &producer{producer: p}, nil
}

func (p *producer) SendTaskEvent(ctx context.Context, topic string, event *TaskEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.TaskID),
		Value: sarama.ByteEncoder(data),
	}

	_, _, err = p.producer.SendMessage(msg)
	return err
}

func (p *producer) Close() error {
	return p.producer.Close()
}
