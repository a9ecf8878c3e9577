// Package escalation implements the incident escalation state machine:
// SLA deadline computation, pause/resume elapsed-time accounting, and
// at-most-once escalation firing. The engine holds no timers in memory;
// every operation is a short-lived unit of work against the store, and
// escalation is detected lazily whenever a running timer is read.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"incident-escalation-service/pkg/config"
	"incident-escalation-service/pkg/metrics"
	"incident-escalation-service/pkg/models"
	"incident-escalation-service/pkg/notify"
	"incident-escalation-service/pkg/policy"
	"incident-escalation-service/pkg/store"
)

// TimerView is the computed snapshot returned by every engine operation.
type TimerView struct {
	IncidentID      string             `json:"incident_id"`
	Status          models.TimerStatus `json:"status"`
	BaseDurationMS  int64              `json:"base_duration_ms"`
	DeadlineAt      time.Time          `json:"deadline_at"`
	ElapsedActiveMS int64              `json:"elapsed_active_ms"`
	RemainingMS     int64              `json:"remaining_ms"`
	Severity        string             `json:"severity"`
	Version         int64              `json:"version"`
}

// Engine orchestrates policy resolution, the timer state machine, the
// history log and notification dispatch. Dependencies are injected once
// at startup and the engine is reused across requests.
type Engine struct {
	store      store.TimerStore
	history    store.HistoryLog
	resolver   *policy.Resolver
	dispatcher notify.Dispatcher
	logger     *logrus.Logger
	metrics    *metrics.Metrics

	retryAttempts int
	retryBackoff  time.Duration

	// now is swappable for tests
	now func() time.Time
}

func NewEngine(
	timerStore store.TimerStore,
	history store.HistoryLog,
	resolver *policy.Resolver,
	dispatcher notify.Dispatcher,
	cfg *config.Config,
	logger *logrus.Logger,
	metrics *metrics.Metrics,
) *Engine {
	return &Engine{
		store:         timerStore,
		history:       history,
		resolver:      resolver,
		dispatcher:    dispatcher,
		logger:        logger,
		metrics:       metrics,
		retryAttempts: cfg.ConflictRetryAttempts,
		retryBackoff:  cfg.RetryBackoff(),
		now:           time.Now,
	}
}

// outcome is what a transition function asks the engine to commit.
type outcome struct {
	changed      bool
	event        *models.EscalationEvent
	notification *models.EscalationNotification
}

// Calculate resolves the SLA policy and creates the timer on first call
// for an incident; subsequent calls are idempotent reads that never
// re-resolve policy and never append history.
func (e *Engine) Calculate(ctx context.Context, incidentID, incidentType, priority, eventID string) (TimerView, error) {
	_, err := e.store.Load(ctx, incidentID)
	switch {
	case err == nil:
		return e.Status(ctx, incidentID)
	case errors.Is(err, store.ErrNotFound):
		// First calculate call for this incident; fall through to create.
	default:
		return TimerView{}, err
	}

	pol, err := e.resolver.Resolve(incidentType, priority, eventID)
	if err != nil {
		return TimerView{}, err
	}

	now := e.now()
	timer := &models.EscalationTimer{
		IncidentID:     incidentID,
		Status:         models.StatusRunning,
		BaseDurationMS: pol.BaseDurationMS,
		StartedAt:      now,
		WarningRatio:   pol.WarningRatio,
		CriticalRatio:  pol.CriticalRatio,
	}

	if err := e.store.Create(ctx, timer); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// Lost a create race; the winner's timer is authoritative.
			return e.Status(ctx, incidentID)
		}
		return TimerView{}, err
	}

	e.metrics.TransitionsTotal.WithLabelValues(string(models.EventStarted)).Inc()
	e.appendHistory(ctx, models.EscalationEvent{
		ID:         uuid.New().String(),
		IncidentID: incidentID,
		Kind:       models.EventStarted,
		OccurredAt: now,
	})

	e.logger.WithFields(logrus.Fields{
		"incident_id":   incidentID,
		"incident_type": incidentType,
		"priority":      priority,
		"deadline_at":   timer.DeadlineAt(),
	}).Info("Started escalation timer")

	return e.view(timer, now), nil
}

// Status returns the current computed snapshot, applying the lazy
// Running→Escalated transition first if the deadline has passed.
func (e *Engine) Status(ctx context.Context, incidentID string) (TimerView, error) {
	return e.transition(ctx, incidentID, "read", func(t *models.EscalationTimer, now time.Time) (outcome, error) {
		return outcome{}, nil
	})
}

// Pause stops the SLA clock. Pausing an already-paused timer is a
// success no-op that appends nothing, so retried requests are safe.
func (e *Engine) Pause(ctx context.Context, incidentID, reason, actorID string) (TimerView, error) {
	return e.transition(ctx, incidentID, "pause", func(t *models.EscalationTimer, now time.Time) (outcome, error) {
		switch t.Status {
		case models.StatusPaused:
			return outcome{}, nil
		case models.StatusRunning:
			t.Status = models.StatusPaused
			t.CurrentPauseStarted = now
			return outcome{
				changed: true,
				event: &models.EscalationEvent{
					ID:         uuid.New().String(),
					IncidentID: incidentID,
					Kind:       models.EventPaused,
					Reason:     reason,
					OccurredAt: now,
					ActorID:    actorID,
				},
			}, nil
		default:
			return outcome{}, &TransitionError{Operation: "pause", Status: t.Status}
		}
	})
}

// Resume restarts the SLA clock, folding the completed pause interval
// into totalPaused and shifting the deadline forward by the same amount.
// Resuming an already-running timer is a success no-op.
func (e *Engine) Resume(ctx context.Context, incidentID, reason, actorID string) (TimerView, error) {
	return e.transition(ctx, incidentID, "resume", func(t *models.EscalationTimer, now time.Time) (outcome, error) {
		switch t.Status {
		case models.StatusRunning:
			return outcome{}, nil
		case models.StatusPaused:
			t.TotalPausedMS += now.Sub(t.CurrentPauseStarted).Milliseconds()
			t.CurrentPauseStarted = time.Time{}
			t.Status = models.StatusRunning
			return outcome{
				changed: true,
				event: &models.EscalationEvent{
					ID:         uuid.New().String(),
					IncidentID: incidentID,
					Kind:       models.EventResumed,
					Reason:     reason,
					OccurredAt: now,
					ActorID:    actorID,
				},
			}, nil
		default:
			return outcome{}, &TransitionError{Operation: "resume", Status: t.Status}
		}
	})
}

// Resolve terminates the timer from Running or Paused. Escalated and
// Resolved timers are terminal and reject further transitions.
func (e *Engine) Resolve(ctx context.Context, incidentID, reason, actorID string) (TimerView, error) {
	return e.transition(ctx, incidentID, "resolve", func(t *models.EscalationTimer, now time.Time) (outcome, error) {
		switch t.Status {
		case models.StatusRunning, models.StatusPaused:
			t.Status = models.StatusResolved
			t.CurrentPauseStarted = time.Time{}
			return outcome{
				changed: true,
				event: &models.EscalationEvent{
					ID:         uuid.New().String(),
					IncidentID: incidentID,
					Kind:       models.EventResolved,
					Reason:     reason,
					OccurredAt: now,
					ActorID:    actorID,
				},
			}, nil
		default:
			return outcome{}, &TransitionError{Operation: "resolve", Status: t.Status}
		}
	})
}

// History returns the incident's ordered transition log.
func (e *Engine) History(ctx context.Context, incidentID string) ([]models.EscalationEvent, error) {
	if _, err := e.store.Load(ctx, incidentID); err != nil {
		return nil, err
	}
	return e.history.ListByIncident(ctx, incidentID)
}

// CheckAndEscalate applies the lazy escalation check for one incident.
// The sweeper calls this to shorten worst-case detection latency; it is
// the same path every read takes, so it is safe to call concurrently
// with API traffic.
func (e *Engine) CheckAndEscalate(ctx context.Context, incidentID string) (TimerView, error) {
	return e.Status(ctx, incidentID)
}

// transition runs one engine operation with bounded retry on version
// conflicts: re-load, re-check lazy escalation, re-apply, conditional
// save. Guards run before any mutation; nothing partial is persisted.
func (e *Engine) transition(ctx context.Context, incidentID, op string, apply func(*models.EscalationTimer, time.Time) (outcome, error)) (TimerView, error) {
	for attempt := 0; attempt <= e.retryAttempts; attempt++ {
		if attempt > 0 {
			e.metrics.ConflictRetries.Inc()
			select {
			case <-ctx.Done():
				return TimerView{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * e.retryBackoff):
			}
		}

		timer, err := e.store.Load(ctx, incidentID)
		if err != nil {
			return TimerView{}, err
		}

		now := e.now()

		if timer.Overdue(now) {
			if err := e.escalate(ctx, timer, now); err != nil {
				if errors.Is(err, store.ErrVersionConflict) {
					continue
				}
				return TimerView{}, err
			}
		}

		out, err := apply(timer, now)
		if err != nil {
			return e.view(timer, now), err
		}
		if !out.changed {
			return e.view(timer, now), nil
		}

		if err := e.store.ConditionalSave(ctx, timer); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			return TimerView{}, err
		}

		e.metrics.TransitionsTotal.WithLabelValues(string(out.event.Kind)).Inc()
		e.appendHistory(ctx, *out.event)
		if out.notification != nil {
			e.dispatch(ctx, *out.notification)
		}

		e.logger.WithFields(logrus.Fields{
			"incident_id": incidentID,
			"operation":   op,
			"status":      timer.Status,
			"version":     timer.Version,
		}).Debug("Committed escalation timer transition")

		return e.view(timer, now), nil
	}

	e.metrics.ConflictsExhausted.Inc()
	return TimerView{}, fmt.Errorf("%s incident %s: %w", op, incidentID, ErrConflict)
}

// escalate commits the Running→Escalated transition. The conditional
// save admits exactly one winner per version, so the escalated history
// entry is appended and the dispatcher invoked at most once per timer
// no matter how many concurrent reads observe the breached deadline.
func (e *Engine) escalate(ctx context.Context, timer *models.EscalationTimer, now time.Time) error {
	timer.Status = models.StatusEscalated

	if err := e.store.ConditionalSave(ctx, timer); err != nil {
		return err
	}

	e.metrics.TransitionsTotal.WithLabelValues(string(models.EventEscalated)).Inc()
	e.metrics.EscalationsFired.Inc()

	e.appendHistory(ctx, models.EscalationEvent{
		ID:         uuid.New().String(),
		IncidentID: timer.IncidentID,
		Kind:       models.EventEscalated,
		OccurredAt: now,
	})

	e.dispatch(ctx, models.EscalationNotification{
		IncidentID: timer.IncidentID,
		DeadlineAt: timer.DeadlineAt(),
		OccurredAt: now,
		Attempt:    1,
	})

	e.logger.WithFields(logrus.Fields{
		"incident_id": timer.IncidentID,
		"deadline_at": timer.DeadlineAt(),
	}).Warn("Escalation fired: SLA deadline exceeded")

	return nil
}

// appendHistory records a committed transition. The save already took
// effect, so an append failure is logged rather than unwinding state.
func (e *Engine) appendHistory(ctx context.Context, event models.EscalationEvent) {
	if err := e.history.Append(ctx, event); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"incident_id": event.IncidentID,
			"kind":        event.Kind,
		}).Error("Failed to append history for committed transition")
	}
}

// dispatch hands the escalation-fired event to the dispatcher,
// fire-and-forget.
func (e *Engine) dispatch(ctx context.Context, notification models.EscalationNotification) {
	if err := e.dispatcher.Dispatch(ctx, notification); err != nil {
		e.logger.WithError(err).WithField("incident_id", notification.IncidentID).Error("Failed to dispatch escalation notification")
	}
}

func (e *Engine) view(timer *models.EscalationTimer, now time.Time) TimerView {
	return TimerView{
		IncidentID:      timer.IncidentID,
		Status:          timer.Status,
		BaseDurationMS:  timer.BaseDurationMS,
		DeadlineAt:      timer.DeadlineAt(),
		ElapsedActiveMS: timer.ElapsedActiveMS(now),
		RemainingMS:     timer.RemainingMS(now),
		Severity:        timer.SeverityBand(now),
		Version:         timer.Version,
	}
}
