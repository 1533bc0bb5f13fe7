package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/ecobuddy-backend/internal/config"
	"github.com/ecobuddy-backend/internal/domain"
	"github.com/ecobuddy-backend/internal/pipeline"
)

// ChangeHandler processes purchase change events
type ChangeHandler interface {
	HandleChange(ctx context.Context, event domain.ChangeEvent) (pipeline.Outcome, error)
}

// Consumer consumes purchase change events from Kafka and feeds them to the
// pipeline coordinator, one independent handler invocation per event.
type Consumer struct {
	config        *config.KafkaConfig
	handler       ChangeHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler ChangeHandler, logger *slog.Logger) (*Consumer, error) {
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
		handler:       handler,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming messages from Kafka
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

			// Check if context was cancelled
			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	// Wait until consumer is ready
	<-c.ready
	c.logger.Info("Kafka consumer ready")

	// Handle errors in separate goroutine
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

// Stop gracefully stops the consumer
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

// ConsumeClaim processes messages from a topic partition. A message is
// marked only after the coordinator succeeds, so failed events are
// redelivered (at-least-once); malformed events are logged and skipped.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil

		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			var event domain.ChangeEvent
			if err := json.Unmarshal(message.Value, &event); err != nil {
				h.consumer.logger.Warn("failed to unmarshal change event",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				session.MarkMessage(message, "")
				continue
			}

			if event.UserID == "" || event.PurchaseID == "" {
				h.consumer.logger.Warn("invalid change event",
					"user_id", event.UserID,
					"purchase_id", event.PurchaseID,
				)
				session.MarkMessage(message, "")
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			outcome, err := h.consumer.handler.HandleChange(ctx, event)
			cancel()
			if err != nil {
				h.consumer.logger.Error("failed to process change event",
					"user_id", event.UserID,
					"purchase_id", event.PurchaseID,
					"offset", message.Offset,
					"error", err,
				)
				// Not marked: the event will be redelivered.
				continue
			}

			h.consumer.logger.Debug("change event processed",
				"user_id", event.UserID,
				"purchase_id", event.PurchaseID,
				"outcome", string(outcome),
			)
			session.MarkMessage(message, "")
		}
	}
}
