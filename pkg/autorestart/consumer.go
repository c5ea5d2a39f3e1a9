package autorestart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/openfroyo/idler/pkg/config"
	"github.com/openfroyo/idler/pkg/engine"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds audit events from a Kafka topic into a Detector.
type Consumer struct {
	reader   messageReader
	detector *Detector
	logger   zerolog.Logger
	backoff  time.Duration
}

// NewConsumer joins the configured consumer group.
func NewConsumer(cfg config.AutoRestartKafkaConfig, detector *Detector, logger zerolog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		CommitInterval: 0,
		StartOffset:    kafka.LastOffset,
	})
	return newConsumer(reader, detector, logger)
}

func newConsumer(reader messageReader, detector *Detector, logger zerolog.Logger) *Consumer {
	return &Consumer{
		reader:   reader,
		detector: detector,
		logger:   logger.With().Str("component", "autorestart-consumer").Logger(),
		backoff:  time.Second,
	}
}

// Run consumes until ctx is done. A message is committed once handled;
// a message that fails on infrastructure errors is retried in place.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to fetch audit event: %w", err)
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to commit offset: %w", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	for {
		res, err := c.detector.Handle(ctx, msg.Value)
		switch {
		case err == nil:
			c.logger.Debug().
				Int64("offset", msg.Offset).
				Str("event_id", res.EventID).
				Str("action", res.Action).
				Msg("Audit event handled")
			return nil
		case engine.IsConfiguration(err):
			// Poison message; skip it.
			c.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("Skipping unreadable audit event")
			return nil
		}

		c.logger.Error().Err(err).Int64("offset", msg.Offset).Dur("backoff", c.backoff).Msg("Failed to handle audit event")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff):
		}
	}
}
