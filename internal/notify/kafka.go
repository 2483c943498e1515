package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher 把推送事件写入 kafka topic，key 为 groupKey，同一用户的事件落在同一分区
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger

	closed       atomic.Bool
	publishCount atomic.Int64
	errorCount   atomic.Int64
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		Async:        false,
	}

	return newKafkaPublisher(writer, topic, logger)
}

func newKafkaPublisher(writer messageWriter, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: writer,
		topic:  topic,
		logger: logger.Named("kafka"),
	}
}

func (p *KafkaPublisher) Notify(ctx context.Context, groupKey, event string, payload any) error {
	if p.closed.Load() {
		return fmt.Errorf("kafka publisher is closed")
	}

	e, err := NewEvent(groupKey, event, payload)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(groupKey),
		Value: data,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(event)},
		},
	})
	if err != nil {
		p.errorCount.Add(1)
		return fmt.Errorf("publish failed: %w", err)
	}

	p.publishCount.Add(1)

	p.logger.Debug("event published",
		zap.String("topic", p.topic),
		zap.String("event", event),
		zap.Int("size", len(data)),
	)

	return nil
}

// Close 刷新并关闭 writer
func (p *KafkaPublisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.logger.Info("closing kafka publisher",
		zap.Int64("published", p.publishCount.Load()),
		zap.Int64("errors", p.errorCount.Load()),
	)

	return p.writer.Close()
}
