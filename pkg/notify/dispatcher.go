// Package notify carries escalation-fired events to whatever delivers
// them. The engine is agnostic to the delivery mechanism; it calls the
// Dispatcher exactly once per Escalated transition, fire-and-forget.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"incident-escalation-service/pkg/constants"
	"incident-escalation-service/pkg/metrics"
	"incident-escalation-service/pkg/models"
)

// Dispatcher consumes escalation-fired events.
type Dispatcher interface {
	Dispatch(ctx context.Context, notification models.EscalationNotification) error
}

// LogDispatcher just records the escalation. Useful standalone and as
// the delivery step behind the stream consumer.
type LogDispatcher struct {
	logger *logrus.Logger
}

func NewLogDispatcher(logger *logrus.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(_ context.Context, notification models.EscalationNotification) error {
	d.logger.WithFields(logrus.Fields{
		"incident_id": notification.IncidentID,
		"deadline_at": notification.DeadlineAt,
		"occurred_at": notification.OccurredAt,
	}).Warn("Incident escalated")
	return nil
}

// StreamDispatcher publishes escalation-fired events to a Redis stream
// for a consumer group of delivery workers to pick up.
type StreamDispatcher struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewStreamDispatcher(rdb *redis.Client, logger *logrus.Logger, metrics *metrics.Metrics) *StreamDispatcher {
	return &StreamDispatcher{
		rdb:     rdb,
		logger:  logger,
		metrics: metrics,
	}
}

func (d *StreamDispatcher) Dispatch(ctx context.Context, notification models.EscalationNotification) error {
	messageID, err := d.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: constants.NotificationsStream,
		Values: map[string]interface{}{
			"incident_id":    notification.IncidentID,
			"deadline_at_ms": notification.DeadlineAt.UnixMilli(),
			"occurred_at_ms": notification.OccurredAt.UnixMilli(),
			"attempt":        notification.Attempt,
		},
	}).Result()
	if err != nil {
		d.metrics.NotificationsDispatched.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to publish escalation notification: %w", err)
	}

	d.metrics.NotificationsDispatched.WithLabelValues("success").Inc()

	d.logger.WithFields(logrus.Fields{
		"incident_id": notification.IncidentID,
		"message_id":  messageID,
	}).Debug("Published escalation notification to stream")

	return nil
}

// EnsureConsumerGroup creates the delivery consumer group if it does not
// exist yet. Idempotent.
func EnsureConsumerGroup(ctx context.Context, rdb *redis.Client, group string) error {
	err := rdb.XGroupCreateMkStream(ctx, constants.NotificationsStream, group, "$").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func parseNotification(message redis.XMessage) (*models.EscalationNotification, error) {
	notification := &models.EscalationNotification{}

	incidentID, ok := message.Values["incident_id"].(string)
	if !ok || incidentID == "" {
		return nil, fmt.Errorf("missing or invalid incident_id")
	}
	notification.IncidentID = incidentID

	deadlineAt, err := int64Field(message, "deadline_at_ms")
	if err != nil {
		return nil, err
	}
	notification.DeadlineAt = time.UnixMilli(deadlineAt)

	occurredAt, err := int64Field(message, "occurred_at_ms")
	if err != nil {
		return nil, err
	}
	notification.OccurredAt = time.UnixMilli(occurredAt)

	if attempt, err := int64Field(message, "attempt"); err == nil {
		notification.Attempt = int(attempt)
	} else {
		notification.Attempt = 1
	}

	return notification, nil
}

func int64Field(message redis.XMessage, field string) (int64, error) {
	raw, ok := message.Values[field].(string)
	if !ok {
		return 0, fmt.Errorf("missing or invalid %s", field)
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s format: %w", field, err)
	}
	return value, nil
}
