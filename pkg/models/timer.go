package models

import "time"

// Severity bands reported on status reads, derived from active elapsed
// time against the policy's warning/critical ratios.
const (
	SeverityOK       = "ok"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
	SeverityBreached = "breached"
)

// DeadlineAt returns the moment escalation fires if the timer stays
// running. Pausing stops the clock, so every paused millisecond pushes
// the deadline forward by the same amount.
func (t *EscalationTimer) DeadlineAt() time.Time {
	return t.StartedAt.Add(time.Duration(t.BaseDurationMS+t.TotalPausedMS) * time.Millisecond)
}

// ElapsedActiveMS returns wall-clock time consumed against the SLA,
// excluding completed paused intervals and, while paused, the current
// open interval.
func (t *EscalationTimer) ElapsedActiveMS(now time.Time) int64 {
	elapsed := now.Sub(t.StartedAt).Milliseconds() - t.TotalPausedMS
	if t.Status == StatusPaused && !t.CurrentPauseStarted.IsZero() {
		elapsed -= now.Sub(t.CurrentPauseStarted).Milliseconds()
	}
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// RemainingMS returns how much active time is left before the deadline.
// Negative once the SLA is breached.
func (t *EscalationTimer) RemainingMS(now time.Time) int64 {
	return t.BaseDurationMS - t.ElapsedActiveMS(now)
}

// Overdue reports whether a running timer has consumed its full SLA
// duration and must escalate.
func (t *EscalationTimer) Overdue(now time.Time) bool {
	return t.Status == StatusRunning && t.ElapsedActiveMS(now) >= t.BaseDurationMS
}

// SeverityBand classifies SLA consumption for status reporting.
func (t *EscalationTimer) SeverityBand(now time.Time) string {
	if t.BaseDurationMS <= 0 {
		return SeverityBreached
	}
	consumed := float64(t.ElapsedActiveMS(now)) / float64(t.BaseDurationMS)
	switch {
	case consumed >= 1:
		return SeverityBreached
	case consumed >= t.CriticalRatio:
		return SeverityCritical
	case consumed >= t.WarningRatio:
		return SeverityWarning
	default:
		return SeverityOK
	}
}
