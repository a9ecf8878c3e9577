package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"incident-escalation-service/pkg/config"
	"incident-escalation-service/pkg/constants"
	"incident-escalation-service/pkg/metrics"
)

// Consumer drains the escalation notifications stream through a consumer
// group and hands each event to a delivery dispatcher. Messages are
// acknowledged only after successful delivery, and messages left pending
// by a dead worker are reclaimed periodically.
type Consumer struct {
	rdb          *redis.Client
	config       *config.Config
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	delivery     Dispatcher
	consumerName string
	stopCh       chan struct{}
}

func NewConsumer(rdb *redis.Client, config *config.Config, logger *logrus.Logger, metrics *metrics.Metrics, delivery Dispatcher) *Consumer {
	return &Consumer{
		rdb:          rdb,
		config:       config,
		logger:       logger,
		metrics:      metrics,
		delivery:     delivery,
		consumerName: fmt.Sprintf("consumer-%s", config.PodID),
		stopCh:       make(chan struct{}),
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	if err := EnsureConsumerGroup(ctx, c.rdb, c.config.ConsumerGroupName); err != nil {
		return err
	}

	c.logger.WithField("consumer_name", c.consumerName).Info("Starting escalation notification consumer")

	go c.consumeLoop(ctx)
	go c.pendingMessagesRecovery(ctx)

	return nil
}

func (c *Consumer) Stop() {
	close(c.stopCh)
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
			c.consumeMessages(ctx)
		}
	}
}

func (c *Consumer) consumeMessages(ctx context.Context) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.config.ConsumerGroupName,
		Consumer: c.consumerName,
		Streams:  []string{constants.NotificationsStream, ">"},
		Count:    10,
		Block:    1 * time.Second,
	}).Result()

	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			c.logger.WithError(err).Error("Failed to read from notifications stream")
		}
		return
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			c.processMessage(ctx, message)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, message redis.XMessage) {
	notification, err := parseNotification(message)
	if err != nil {
		c.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to parse escalation notification")
		c.metrics.NotificationsDelivered.WithLabelValues("parse_error").Inc()
		// Malformed messages can never succeed; ack to prevent reprocessing
		c.acknowledgeMessage(ctx, message.ID)
		return
	}

	if err := c.delivery.Dispatch(ctx, *notification); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"incident_id": notification.IncidentID,
			"message_id":  message.ID,
		}).Error("Failed to deliver escalation notification")
		c.metrics.NotificationsDelivered.WithLabelValues("delivery_error").Inc()
		// Leave unacked so it is retried
		return
	}

	if err := c.acknowledgeMessage(ctx, message.ID); err != nil {
		c.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to acknowledge notification")
		return
	}

	c.metrics.NotificationsDelivered.WithLabelValues("success").Inc()

	c.logger.WithFields(logrus.Fields{
		"incident_id": notification.IncidentID,
		"message_id":  message.ID,
	}).Debug("Delivered escalation notification")
}

func (c *Consumer) acknowledgeMessage(ctx context.Context, messageID string) error {
	return c.rdb.XAck(ctx, constants.NotificationsStream, c.config.ConsumerGroupName, messageID).Err()
}

func (c *Consumer) pendingMessagesRecovery(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.processPendingMessages(ctx)
		}
	}
}

func (c *Consumer) processPendingMessages(ctx context.Context) {
	pending, err := c.rdb.XPending(ctx, constants.NotificationsStream, c.config.ConsumerGroupName).Result()
	if err != nil {
		c.logger.WithError(err).Error("Failed to get pending notifications")
		return
	}
	if pending.Count == 0 {
		return
	}

	c.logger.WithField("pending_count", pending.Count).Info("Reclaiming pending notifications")

	messages, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   constants.NotificationsStream,
		Group:    c.config.ConsumerGroupName,
		Consumer: c.consumerName,
		MinIdle:  1 * time.Minute,
		Count:    10,
		Start:    "0-0",
	}).Result()
	if err != nil {
		c.logger.WithError(err).Error("Failed to auto-claim pending notifications")
		return
	}

	for _, message := range messages {
		c.processMessage(ctx, message)
	}
}
