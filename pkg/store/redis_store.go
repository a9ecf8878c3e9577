package store

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

// Timer hash fields. The deadline index sorted set is maintained inside
// the same Lua script as the hash write so the two can never disagree.
const (
	fieldIncidentID    = "incident_id"
	fieldStatus        = "status"
	fieldBaseDuration  = "base_duration_ms"
	fieldStartedAt     = "started_at_ms"
	fieldTotalPaused   = "total_paused_ms"
	fieldPauseStarted  = "pause_started_at_ms"
	fieldWarningRatio  = "warning_ratio"
	fieldCriticalRatio = "critical_ratio"
	fieldVersion       = "version"
)

// createScript inserts a timer at version 1 unless one already exists.
// Returns 1 on success, 0 when the incident already has a timer.
var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1],
	"incident_id", ARGV[1],
	"status", ARGV[2],
	"base_duration_ms", ARGV[3],
	"started_at_ms", ARGV[4],
	"total_paused_ms", ARGV[5],
	"pause_started_at_ms", ARGV[6],
	"warning_ratio", ARGV[7],
	"critical_ratio", ARGV[8],
	"version", 1)
if ARGV[2] == "running" then
	redis.call("ZADD", KEYS[2], ARGV[9], ARGV[1])
end
return 1
`)

// saveScript applies a transition only when the stored version matches
// the caller's expected version. Returns the new version on success,
// 0 on version mismatch, -1 when the timer does not exist.
var saveScript = redis.NewScript(`
local v = redis.call("HGET", KEYS[1], "version")
if not v then
	return -1
end
if v ~= ARGV[10] then
	return 0
end
redis.call("HSET", KEYS[1],
	"status", ARGV[2],
	"total_paused_ms", ARGV[5],
	"pause_started_at_ms", ARGV[6],
	"version", v + 1)
if ARGV[2] == "running" then
	redis.call("ZADD", KEYS[2], ARGV[9], ARGV[1])
else
	redis.call("ZREM", KEYS[2], ARGV[1])
end
return v + 1
`)

// RedisStore implements TimerStore on Redis hashes plus a deadline
// sorted set for sweep queries.
type RedisStore struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewRedisStore(rdb *redis.Client, logger *logrus.Logger, metrics *metrics.Metrics) *RedisStore {
	return &RedisStore{
		rdb:     rdb,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *RedisStore) Load(ctx context.Context, incidentID string) (*models.EscalationTimer, error) {
	start := time.Now()
	defer func() {
		s.metrics.RedisOperationDuration.WithLabelValues("load_timer").Observe(time.Since(start).Seconds())
	}()

	fields, err := s.rdb.HGetAll(ctx, constants.TimerKey(incidentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load escalation timer: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("incident %s: %w", incidentID, ErrNotFound)
	}

	timer, err := timerFromFields(fields)
	if err != nil {
		return nil, fmt.Errorf("corrupt escalation timer for incident %s: %w", incidentID, err)
	}
	return timer, nil
}

func (s *RedisStore) Create(ctx context.Context, timer *models.EscalationTimer) error {
	start := time.Now()
	defer func() {
		s.metrics.RedisOperationDuration.WithLabelValues("create_timer").Observe(time.Since(start).Seconds())
	}()

	res, err := createScript.Run(ctx, s.rdb,
		[]string{constants.TimerKey(timer.IncidentID), constants.DeadlineIndexKey},
		timerArgs(timer)...,
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to create escalation timer: %w", err)
	}
	if res == 0 {
		return fmt.Errorf("incident %s: %w", timer.IncidentID, ErrAlreadyExists)
	}

	timer.Version = 1

	s.logger.WithFields(logrus.Fields{
		"incident_id": timer.IncidentID,
		"deadline_at": timer.DeadlineAt(),
	}).Debug("Created escalation timer")

	return nil
}

func (s *RedisStore) ConditionalSave(ctx context.Context, timer *models.EscalationTimer) error {
	start := time.Now()
	defer func() {
		s.metrics.RedisOperationDuration.WithLabelValues("conditional_save").Observe(time.Since(start).Seconds())
	}()

	args := append(timerArgs(timer), timer.Version)
	res, err := saveScript.Run(ctx, s.rdb,
		[]string{constants.TimerKey(timer.IncidentID), constants.DeadlineIndexKey},
		args...,
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to save escalation timer: %w", err)
	}

	switch {
	case res == -1:
		return fmt.Errorf("incident %s: %w", timer.IncidentID, ErrNotFound)
	case res == 0:
		return fmt.Errorf("incident %s at version %d: %w", timer.IncidentID, timer.Version, ErrVersionConflict)
	}

	timer.Version = res
	return nil
}

func (s *RedisStore) OverdueRunning(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	start := time.Now()
	defer func() {
		s.metrics.RedisOperationDuration.WithLabelValues("overdue_running").Observe(time.Since(start).Seconds())
	}()

	ids, err := s.rdb.ZRangeByScore(ctx, constants.DeadlineIndexKey, &redis.ZRangeBy{
		Min:   "0",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue timers: %w", err)
	}
	return ids, nil
}

// timerArgs builds the script ARGV prefix shared by create and save.
// Deadline (ARGV[9]) only matters for running timers; the scripts drop
// paused and terminal timers from the index.
func timerArgs(t *models.EscalationTimer) []interface{} {
	pauseStarted := int64(0)
	if !t.CurrentPauseStarted.IsZero() {
		pauseStarted = t.CurrentPauseStarted.UnixMilli()
	}
	return []interface{}{
		t.IncidentID,
		string(t.Status),
		t.BaseDurationMS,
		t.StartedAt.UnixMilli(),
		t.TotalPausedMS,
		pauseStarted,
		strconv.FormatFloat(t.WarningRatio, 'f', -1, 64),
		strconv.FormatFloat(t.CriticalRatio, 'f', -1, 64),
		t.DeadlineAt().UnixMilli(),
	}
}

func timerFromFields(fields map[string]string) (*models.EscalationTimer, error) {
	baseDuration, err := strconv.ParseInt(fields[fieldBaseDuration], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid base duration: %w", err)
	}
	startedAt, err := strconv.ParseInt(fields[fieldStartedAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid started_at: %w", err)
	}
	totalPaused, err := strconv.ParseInt(fields[fieldTotalPaused], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid total_paused: %w", err)
	}
	pauseStarted, err := strconv.ParseInt(fields[fieldPauseStarted], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid pause_started_at: %w", err)
	}
	version, err := strconv.ParseInt(fields[fieldVersion], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid version: %w", err)
	}
	warningRatio, err := strconv.ParseFloat(fields[fieldWarningRatio], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid warning ratio: %w", err)
	}
	criticalRatio, err := strconv.ParseFloat(fields[fieldCriticalRatio], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid critical ratio: %w", err)
	}

	status := models.TimerStatus(fields[fieldStatus])
	if !status.Valid() {
		return nil, fmt.Errorf("unknown timer status %q", fields[fieldStatus])
	}

	timer := &models.EscalationTimer{
		IncidentID:     fields[fieldIncidentID],
		Status:         status,
		BaseDurationMS: baseDuration,
		StartedAt:      time.UnixMilli(startedAt),
		TotalPausedMS:  totalPaused,
		WarningRatio:   warningRatio,
		CriticalRatio:  criticalRatio,
		Version:        version,
	}
	if pauseStarted > 0 {
		timer.CurrentPauseStarted = time.UnixMilli(pauseStarted)
	}
	return timer, nil
}
