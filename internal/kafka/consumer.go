package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lvdashuaibi/battlevote/config"
	"github.com/lvdashuaibi/battlevote/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	EventVotingStarted = "battle.voting_started"

	handlerAttempts = 3
)

// LifecycleEvent is published by the battle service when a battle changes
// phase.
type LifecycleEvent struct {
	EventID    string    `json:"eventId"`
	Type       string    `json:"type"`
	BattleID   string    `json:"battleId"`
	CreatorID  string    `json:"creatorId"`
	OpponentID string    `json:"opponentId"`
	OccurredAt time.Time `json:"occurredAt"`
}

// VotingInitializer is the part of the vote service the consumer drives.
type VotingInitializer interface {
	InitializeVoting(ctx context.Context, eventID, battleID, creatorID, opponentID string) (*model.InitializeResult, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads battle lifecycle events with a pool of group readers.
// Offsets are committed after the handler runs, so delivery is
// at-least-once and relies on InitializeVoting being idempotent.
type Consumer struct {
	readers    []messageReader
	handler    VotingInitializer
	retryDelay time.Duration
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConsumer(cfg config.KafkaConfig, handler VotingInitializer, logger *zap.Logger) *Consumer {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	readers := make([]messageReader, 0, workers)
	for i := 0; i < workers; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       cfg.LifecycleTopic,
			GroupID:     cfg.GroupID,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     time.Second,
			StartOffset: kafka.FirstOffset,
		}))
	}
	return newConsumer(readers, handler, logger.With(
		zap.String("module", "kafka"),
		zap.String("topic", cfg.LifecycleTopic),
		zap.String("group_id", cfg.GroupID),
	))
}

func newConsumer(readers []messageReader, handler VotingInitializer, logger *zap.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		readers:    readers,
		handler:    handler,
		retryDelay: time.Second,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (c *Consumer) Start() {
	for i, reader := range c.readers {
		c.wg.Add(1)
		go func(workerID int, r messageReader) {
			defer c.wg.Done()
			c.consume(workerID, r)
		}(i, reader)
	}
	c.logger.Info("lifecycle consumer started", zap.Int("workers", len(c.readers)))
}

func (c *Consumer) consume(workerID int, reader messageReader) {
	logger := c.logger.With(zap.Int("worker", workerID))
	for {
		m, err := reader.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			logger.Warn("fetch lifecycle message failed", zap.Error(err))
			if !c.sleep(c.retryDelay) {
				return
			}
			continue
		}

		c.handleWithRetry(logger, m)

		if err := reader.CommitMessages(c.ctx, m); err != nil && c.ctx.Err() == nil {
			logger.Warn("commit lifecycle offset failed",
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(err),
			)
		}
	}
}

// handleWithRetry retries infrastructure failures a few times, then gives
// up on the message so one bad battle cannot stall the partition.
func (c *Consumer) handleWithRetry(logger *zap.Logger, m kafka.Message) {
	for attempt := 1; attempt <= handlerAttempts; attempt++ {
		err := c.dispatch(c.ctx, m.Value)
		if err == nil {
			return
		}
		logger.Warn("handle lifecycle event failed",
			zap.String("event", "lifecycle_event_failed"),
			zap.Int("attempt", attempt),
			zap.Int64("offset", m.Offset),
			zap.Error(err),
		)
		if attempt < handlerAttempts && !c.sleep(c.retryDelay) {
			return
		}
	}
	logger.Error("dropping lifecycle event after retries",
		zap.String("event", "lifecycle_event_dropped"),
		zap.Int64("offset", m.Offset),
	)
}

// dispatch returns an error only for failures worth retrying.
func (c *Consumer) dispatch(ctx context.Context, payload []byte) error {
	var event LifecycleEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		c.logger.Warn("skipping undecodable lifecycle event",
			zap.String("event", "lifecycle_event_invalid"), zap.Error(err))
		return nil
	}

	switch event.Type {
	case EventVotingStarted:
		res, err := c.handler.InitializeVoting(ctx, event.EventID, event.BattleID, event.CreatorID, event.OpponentID)
		if err != nil {
			return fmt.Errorf("initialize voting for %s: %w", event.BattleID, err)
		}
		if !res.Success {
			c.logger.Warn("lifecycle event rejected",
				zap.String("event", "lifecycle_event_rejected"),
				zap.String("battle_id", event.BattleID),
				zap.Error(res.Err),
			)
		}
	default:
		c.logger.Debug("ignoring lifecycle event", zap.String("type", event.Type))
	}
	return nil
}

func (c *Consumer) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	var errs []error
	for i, reader := range c.readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader %d: %w", i, err))
		}
	}
	c.logger.Info("lifecycle consumer stopped")
	return errors.Join(errs...)
}
