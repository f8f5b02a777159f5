package events

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaPublisher struct {
	writer *kafka.Writer
}

var _ Publisher = (*KafkaPublisher)(nil)

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	value, err := e.Encode()
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", e.Type, err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   e.Key(),
		Value: value,
		Time:  e.At,
	})
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", e.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads the chat topic as part of a consumer group.
type Consumer struct {
	reader messageReader
	retry  time.Duration
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	return &Consumer{
		retry: time.Second,
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 10e3, // 10KB
			MaxBytes: 10e6, // 10MB
		}),
	}
}

// Consume calls handle for every event until ctx is cancelled. Undecodable
// records are logged and skipped. A record whose handler fails is retried
// until it succeeds, and its offset is committed only after that, so a
// later commit never passes over it.
func (c *Consumer) Consume(ctx context.Context, handle func(context.Context, Event) error) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			log.Printf("Error reading event: %v. Retrying in %s...", err, c.retry)
			if !c.wait(ctx) {
				return nil
			}
			continue
		}

		if !c.deliver(ctx, m, handle) {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			log.Printf("Failed to commit offset %d: %v", m.Offset, err)
		}
	}
}

// deliver hands m to handle until it succeeds. It reports false when ctx
// ends first.
func (c *Consumer) deliver(ctx context.Context, m kafka.Message, handle func(context.Context, Event) error) bool {
	e, err := Decode(m.Value)
	if err != nil {
		log.Printf("Skipping record at offset %d: %v", m.Offset, err)
		return true
	}
	for {
		err := handle(ctx, e)
		if err == nil {
			return true
		}
		log.Printf("Failed to handle %s event at offset %d: %v. Retrying in %s...", e.Type, m.Offset, err, c.retry)
		if !c.wait(ctx) {
			return false
		}
	}
}

func (c *Consumer) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.retry):
		return true
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
