package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"incident-escalation-service/pkg/constants"
	"incident-escalation-service/pkg/metrics"
	"incident-escalation-service/pkg/models"
)

// RedisHistoryLog implements HistoryLog on per-incident Redis streams.
// Stream entry IDs preserve insertion order, which is the tiebreak for
// events sharing an occurredAt timestamp.
type RedisHistoryLog struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewRedisHistoryLog(rdb *redis.Client, logger *logrus.Logger, metrics *metrics.Metrics) *RedisHistoryLog {
	return &RedisHistoryLog{
		rdb:     rdb,
		logger:  logger,
		metrics: metrics,
	}
}

func (l *RedisHistoryLog) Append(ctx context.Context, event models.EscalationEvent) error {
	start := time.Now()
	defer func() {
		l.metrics.RedisOperationDuration.WithLabelValues("history_append").Observe(time.Since(start).Seconds())
	}()

	err := l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: constants.HistoryStream(event.IncidentID),
		Values: map[string]interface{}{
			"id":             event.ID,
			"kind":           string(event.Kind),
			"reason":         event.Reason,
			"occurred_at_ms": event.OccurredAt.UnixMilli(),
			"actor_id":       event.ActorID,
		},
	}).Err()
	if err != nil {
		l.logger.WithError(err).WithFields(logrus.Fields{
			"incident_id": event.IncidentID,
			"kind":        event.Kind,
		}).Error("Failed to append escalation history entry")
		return fmt.Errorf("failed to append history entry: %w", err)
	}

	l.logger.WithFields(logrus.Fields{
		"incident_id": event.IncidentID,
		"kind":        event.Kind,
		"occurred_at": event.OccurredAt,
	}).Debug("Appended escalation history entry")

	return nil
}

func (l *RedisHistoryLog) ListByIncident(ctx context.Context, incidentID string) ([]models.EscalationEvent, error) {
	start := time.Now()
	defer func() {
		l.metrics.RedisOperationDuration.WithLabelValues("history_list").Observe(time.Since(start).Seconds())
	}()

	messages, err := l.rdb.XRange(ctx, constants.HistoryStream(incidentID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history for incident %s: %w", incidentID, err)
	}

	events := make([]models.EscalationEvent, 0, len(messages))
	for _, msg := range messages {
		event, err := eventFromMessage(incidentID, msg)
		if err != nil {
			l.logger.WithError(err).WithFields(logrus.Fields{
				"incident_id": incidentID,
				"stream_id":   msg.ID,
			}).Error("Skipping malformed history entry")
			continue
		}
		events = append(events, event)
	}

	// Stream order is already insertion order; a stable sort by
	// occurredAt keeps that order for ties.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})

	return events, nil
}

func eventFromMessage(incidentID string, msg redis.XMessage) (models.EscalationEvent, error) {
	kind, _ := msg.Values["kind"].(string)
	eventKind := models.EventKind(kind)
	switch eventKind {
	case models.EventStarted, models.EventPaused, models.EventResumed, models.EventEscalated, models.EventResolved:
	default:
		return models.EscalationEvent{}, fmt.Errorf("unknown event kind %q", kind)
	}

	occurredAtStr, _ := msg.Values["occurred_at_ms"].(string)
	occurredAt, err := strconv.ParseInt(occurredAtStr, 10, 64)
	if err != nil {
		return models.EscalationEvent{}, fmt.Errorf("invalid occurred_at: %w", err)
	}

	id, _ := msg.Values["id"].(string)
	reason, _ := msg.Values["reason"].(string)
	actorID, _ := msg.Values["actor_id"].(string)

	return models.EscalationEvent{
		ID:         id,
		IncidentID: incidentID,
		Kind:       eventKind,
		Reason:     reason,
		OccurredAt: time.UnixMilli(occurredAt),
		ActorID:    actorID,
	}, nil
}
