// Package kafka ingests smash events from remote devices and folds
// them into the durable records through the reconciler.
package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/SamuelBlebo/smash-leaderboard/internal/config"
	"github.com/SamuelBlebo/smash-leaderboard/internal/domain"
)

// DeltaApplier folds a coalesced delta into a user's record.
type DeltaApplier interface {
	ApplyDelta(ctx context.Context, id string, amount int64, displayName string) (*domain.UserScoreRecord, error)
}

// Consumer consumes smash events from Kafka.
type Consumer struct {
	config        *config.KafkaConfig
	applier       DeltaApplier
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer.
func NewConsumer(cfg *config.KafkaConfig, applier DeltaApplier, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		applier:       applier,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming events from Kafka.
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if err == sarama.ErrClosedConsumerGroup {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	// Wait until consumer is ready
	<-c.ready
	c.logger.Info("Kafka consumer ready")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer.
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// pendingDelta coalesces events for one user within a batch window,
// mirroring what the in-process accumulator does for button presses.
type pendingDelta struct {
	amount      int64
	displayName string
}

// ConsumeClaim processes events from a topic partition, coalescing
// per-user deltas within each batch before applying them atomically.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.consumer.config
	batch := make(map[string]*pendingDelta, cfg.BatchSize)
	batched := 0
	batchTimer := time.NewTimer(cfg.BatchTimeout)
	defer batchTimer.Stop()

	applyBatch := func() {
		if batched == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		for userID, delta := range batch {
			if _, err := h.consumer.applier.ApplyDelta(ctx, userID, delta.amount, delta.displayName); err != nil {
				h.consumer.logger.Error("failed to apply remote delta",
					"user_id", userID,
					"amount", delta.amount,
					"error", err,
				)
			}
		}
		h.consumer.logger.Debug("applied remote batch", "users", len(batch), "events", batched)

		batch = make(map[string]*pendingDelta, cfg.BatchSize)
		batched = 0
	}

	for {
		select {
		case <-session.Context().Done():
			applyBatch()
			return nil

		case <-batchTimer.C:
			applyBatch()
			batchTimer.Reset(cfg.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				applyBatch()
				return nil
			}

			var event domain.SmashEvent
			if err := json.Unmarshal(message.Value, &event); err != nil {
				h.consumer.logger.Warn("failed to unmarshal event",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				session.MarkMessage(message, "")
				continue
			}

			if event.UserID == "" || event.Count <= 0 {
				h.consumer.logger.Warn("invalid smash event",
					"user_id", event.UserID,
					"count", event.Count,
				)
				session.MarkMessage(message, "")
				continue
			}

			delta, ok := batch[event.UserID]
			if !ok {
				delta = &pendingDelta{}
				batch[event.UserID] = delta
			}
			delta.amount += event.Count
			if event.DisplayName != "" {
				delta.displayName = event.DisplayName
			}
			batched++
			session.MarkMessage(message, "")

			if batched >= cfg.BatchSize {
				applyBatch()
				batchTimer.Reset(cfg.BatchTimeout)
			}
		}
	}
}
