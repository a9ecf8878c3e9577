// Package store provides durable persistence for escalation timers and
// their append-only history. Timer mutations go through create-once and
// version-checked conditional-save primitives only; there is no blind
// overwrite path.
package store

import (
	"context"
	"errors"
	"time"

	"incident-escalation-service/pkg/models"
)

var (
	// ErrNotFound - no timer exists for the incident.
	ErrNotFound = errors.New("escalation timer not found")

	// ErrAlreadyExists - create raced with another create for the same
	// incident.
	ErrAlreadyExists = errors.New("escalation timer already exists")

	// ErrVersionConflict - a conditional save observed a stale version.
	// Transient; callers re-load and re-apply.
	ErrVersionConflict = errors.New("escalation timer version conflict")
)

// TimerStore is the persistence contract required by the escalation
// engine.
type TimerStore interface {
	// Load returns the timer for an incident, or ErrNotFound.
	Load(ctx context.Context, incidentID string) (*models.EscalationTimer, error)

	// Create persists a new timer at version 1. Fails with
	// ErrAlreadyExists if a timer already exists for the incident.
	Create(ctx context.Context, timer *models.EscalationTimer) error

	// ConditionalSave persists timer only if the stored version equals
	// timer.Version; on success the stored and in-memory versions are
	// incremented by one. Fails with ErrVersionConflict on mismatch and
	// ErrNotFound if the timer vanished.
	ConditionalSave(ctx context.Context, timer *models.EscalationTimer) error

	// OverdueRunning returns incident IDs of running timers whose
	// deadline is at or before now, oldest first, capped at limit.
	OverdueRunning(ctx context.Context, now time.Time, limit int64) ([]string, error)
}

// HistoryLog is the append-only transition record. Append is the only
// mutation; entries are never rewritten.
type HistoryLog interface {
	Append(ctx context.Context, event models.EscalationEvent) error

	// ListByIncident returns all events for an incident in ascending
	// occurredAt order, ties broken by insertion order.
	ListByIncident(ctx context.Context, incidentID string) ([]models.EscalationEvent, error)
}
