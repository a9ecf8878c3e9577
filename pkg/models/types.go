package models

import "time"

// TimerStatus is the lifecycle state of an escalation timer.
type TimerStatus string

const (
	StatusRunning   TimerStatus = "running"
	StatusPaused    TimerStatus = "paused"
	StatusEscalated TimerStatus = "escalated"
	StatusResolved  TimerStatus = "resolved"
)

// Terminal reports whether no further transitions are permitted from s.
func (s TimerStatus) Terminal() bool {
	return s == StatusEscalated || s == StatusResolved
}

// Valid reports whether s is one of the four known statuses.
func (s TimerStatus) Valid() bool {
	switch s {
	case StatusRunning, StatusPaused, StatusEscalated, StatusResolved:
		return true
	}
	return false
}

// EventKind is the closed set of history entry kinds.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventPaused    EventKind = "paused"
	EventResumed   EventKind = "resumed"
	EventEscalated EventKind = "escalated"
	EventResolved  EventKind = "resolved"
)

// EscalationTimer tracks SLA consumption for one incident.
// There is at most one timer per incident; it is created lazily on the
// first calculate call and mutated only through version-checked writes.
type EscalationTimer struct {
	IncidentID          string      `json:"incident_id"`
	Status              TimerStatus `json:"status"`
	BaseDurationMS      int64       `json:"base_duration_ms"`
	StartedAt           time.Time   `json:"started_at"`
	TotalPausedMS       int64       `json:"total_paused_ms"`
	CurrentPauseStarted time.Time   `json:"current_pause_started_at,omitempty"`
	WarningRatio        float64     `json:"warning_ratio"`
	CriticalRatio       float64     `json:"critical_ratio"`
	Version             int64       `json:"version"`
}

// EscalationEvent is one immutable history entry for an incident.
type EscalationEvent struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incident_id"`
	Kind       EventKind `json:"kind"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	ActorID    string    `json:"actor_id,omitempty"`
}

// EscalationNotification is the payload handed to the notification
// dispatcher when a timer escalates.
type EscalationNotification struct {
	IncidentID string    `json:"incident_id"`
	DeadlineAt time.Time `json:"deadline_at"`
	OccurredAt time.Time `json:"occurred_at"`
	Attempt    int       `json:"attempt"`
}

// Policy is a resolved SLA policy for an incident.
type Policy struct {
	BaseDurationMS int64   `json:"base_duration_ms"`
	WarningRatio   float64 `json:"warning_ratio"`
	CriticalRatio  float64 `json:"critical_ratio"`
}

// BaseDuration returns the SLA duration as a time.Duration.
func (p Policy) BaseDuration() time.Duration {
	return time.Duration(p.BaseDurationMS) * time.Millisecond
}
