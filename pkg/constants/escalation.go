package constants

import "time"

// Redis key prefixes and names
const (
	// TimerKeyPrefix - escalation timer hashes, one per incident
	TimerKeyPrefix = "escalation:timer:"

	// HistoryStreamPrefix - per-incident append-only history streams
	HistoryStreamPrefix = "escalation:history:"

	// DeadlineIndexKey - sorted set of running timers scored by deadline (ms)
	DeadlineIndexKey = "escalation:deadlines"

	// NotificationsStream - escalation-fired events for downstream delivery
	NotificationsStream = "escalation_notifications"

	// LeaderElectionKey - holder of the sweep leadership lease
	LeaderElectionKey = "escalation:sweep:leader"
)

// Conflict retry defaults
const (
	// DefaultConflictRetryAttempts - bounded retries on version conflict
	// before surfacing a conflict error to the caller
	DefaultConflictRetryAttempts = 3

	// DefaultRetryBackoffMS - linear backoff step between retry rounds
	DefaultRetryBackoffMS = 25
)

// Sweep and leader election defaults
const (
	// DefaultSweepIntervalSeconds - how often the leader scans for
	// overdue timers
	DefaultSweepIntervalSeconds = 5

	// DefaultLeaderElectionTTLSeconds - sweep leadership lease TTL
	DefaultLeaderElectionTTLSeconds = 10

	// DefaultLeaderElectionIntervalSeconds - leadership acquisition and
	// renewal cadence
	DefaultLeaderElectionIntervalSeconds = 5
)

// Default policy ratios applied when a policy table entry omits them
const (
	DefaultWarningRatio  = 0.75
	DefaultCriticalRatio = 0.9
)

// TimerKey returns the Redis key of an incident's escalation timer hash.
func TimerKey(incidentID string) string {
	return TimerKeyPrefix + incidentID
}

// HistoryStream returns the Redis stream key of an incident's history.
func HistoryStream(incidentID string) string {
	return HistoryStreamPrefix + incidentID
}

// SecondsToDuration converts a whole-second count to a time.Duration.
func SecondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
