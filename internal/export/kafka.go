package export

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/vitaminmoo/pmlog/internal/config"
	"github.com/vitaminmoo/pmlog/internal/protocol"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes records as JSON messages keyed by the device address
// from the publish context, or "pmlog" when there is none.
type KafkaSink struct {
	writer kafkaWriter
	key    []byte
}

// NewKafkaSink creates a writer for the configured brokers. Connections
// are made lazily. Writes are asynchronous; delivery failures are logged.
func NewKafkaSink(cfg config.KafkaConfig) *KafkaSink {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Async:                  true,
		BatchTimeout:           10 * time.Millisecond,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Warn().Err(err).Int("messages", len(msgs)).Str("topic", cfg.Topic).Msg("Kafka delivery failed")
			}
		},
	}
	return newKafkaSink(w, "pmlog")
}

func newKafkaSink(w kafkaWriter, key string) *KafkaSink {
	return &KafkaSink{writer: w, key: []byte(key)}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, r protocol.Record) error {
	data, err := Encode(r)
	if err != nil {
		return err
	}
	key := s.key
	if address, ok := DeviceFrom(ctx); ok {
		key = []byte(address)
	}
	msg := kafka.Message{Key: key, Value: data, Time: r.Time}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
