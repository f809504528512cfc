package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
)

// TaskEvent mirrors the API producer's wire format for the shared
// task_events topic.
type TaskEvent struct {
	TaskID       string    `json:"task_id"`
	UserID       string    `json:"user_id,omitempty"`
	Status       string    `json:"status"`
	Progress     int       `json:"progress"`
	Step         string    `json:"step,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	At           time.Time `json:"at"`
}

type Producer interface {
	Send(ctx context.Context, event *TaskEvent) error
	Close() error
}

type producer struct {
	producer sarama.SyncProducer
	topic    string
}

func NewProducer(brokers []string, topic string) (Producer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	p, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	return &producer{producer: p, topic: topic}, nil
}

func (p *producer) Send(ctx context.Context, event *TaskEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.TaskID),
		Value: sarama.ByteEncoder(data),
	}

	_, _, err = p.producer.SendMessage(msg)
	return err
}

func (p *producer) Close() error {
	return p.producer.Close()
}
