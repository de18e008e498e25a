// Package events publishes task lifecycle changes to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/andrej220/logfleet/pkg/lg"
)

const DefaultTopic = "logfleet-task-events"

// TaskEvent is emitted whenever a Task or one of its Steps changes status.
type TaskEvent struct {
	TaskID    string    `json:"task_id"`
	ProcessID int64     `json:"process_id"`
	Operation string    `json:"operation,omitempty"`
	MachineID int64     `json:"machine_id,omitempty"`
	Step      string    `json:"step,omitempty"`
	Status    string    `json:"status"`
	Time      time.Time `json:"time"`
}

// Publisher is what the tracker needs to announce changes.
type Publisher interface {
	Publish(ctx context.Context, ev TaskEvent) error
}

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers string `yaml:"brokers" json:"brokers"`
	Topic   string `yaml:"topic" json:"topic"`
}

type KafkaPublisher struct {
	writer messageWriter
	topic  string
	lg     lg.Logger
}

func NewKafkaPublisher(cfg Config, logger lg.Logger) *KafkaPublisher {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(strings.Split(cfg.Brokers, ",")...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			Async:                  false,
			AllowAutoTopicCreation: true,
			BatchTimeout:           50 * time.Millisecond,
		},
		topic: topic,
		lg:    logger,
	}
}

// Events of one task share a key so they stay ordered on one partition.
func (p *KafkaPublisher) Publish(ctx context.Context, ev TaskEvent) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.TaskID),
		Value: value,
		Time:  ev.Time,
	})
	if errors.Is(err, kafka.UnknownTopicOrPartition) {
		p.lg.Error("kafka topic does not exist", lg.String("topic", p.topic))
	}
	if err != nil {
		return fmt.Errorf("publish task event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, TaskEvent) error { return nil }

// Nop drops every event.
var Nop Publisher = nopPublisher{}
