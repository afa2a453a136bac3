package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"photoingest/internal/models"
)

type Kafka struct {
	writer *kafka.Writer
	reader *kafka.Reader
	log    zerolog.Logger
}

var _ Queue = (*Kafka)(nil)

func NewKafka(broker, topic, group string, log zerolog.Logger) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(broker),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: []string{broker},
			Topic:   topic,
			GroupID: group,
		}),
		log: log.With().Str("component", "kafka-queue").Logger(),
	}
}

func (k *Kafka) Publish(ctx context.Context, msg models.JobMessage) error {
	const op = "queue.Kafka.Publish"

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	// keyed by image so one image's attempts land on one partition
	err = k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(msg.ImageID.String()), Value: value})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (k *Kafka) Consume(ctx context.Context, h Handler) error {
	for {
		m, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			k.log.Error().Err(err).Msg("error reading message")
			continue
		}

		var msg models.JobMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			k.log.Error().Err(err).Int64("offset", m.Offset).Msg("dropping malformed message")
		} else if err := h(ctx, msg); err != nil {
			k.log.Error().Err(err).Str("job_id", msg.JobID.String()).Msg("error handling message")
		}

		if err := k.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			k.log.Error().Err(err).Msg("error committing offset")
		}
	}
}

func (k *Kafka) Close() error {
	return errors.Join(k.writer.Close(), k.reader.Close())
}
