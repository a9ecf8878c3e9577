package sweep

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"incident-escalation-service/pkg/config"
	"incident-escalation-service/pkg/constants"
	"incident-escalation-service/pkg/metrics"
)

// LeaderElection elects a single sweep leader across service replicas so
// only one pod scans the deadline index at a time. Correctness does not
// depend on it: the engine escalates lazily on reads, and the sweep path
// is version-checked like every other transition.
type LeaderElection struct {
	rdb      *redis.Client
	config   *config.Config
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	isLeader bool
	stopCh   chan struct{}
}

func NewLeaderElection(rdb *redis.Client, config *config.Config, logger *logrus.Logger, metrics *metrics.Metrics) *LeaderElection {
	return &LeaderElection{
		rdb:     rdb,
		config:  config,
		logger:  logger,
		metrics: metrics,
		stopCh:  make(chan struct{}),
	}
}

func (le *LeaderElection) Start(ctx context.Context) {
	le.logger.Info("Starting sweep leader election")
	go le.electionLoop(ctx)
}

func (le *LeaderElection) Stop() {
	close(le.stopCh)
	if le.isLeader {
		le.resignLeadership(context.Background())
	}
}

// IsLeader verifies leadership against Redis rather than trusting the
// cached flag, so a pod whose lease expired stops sweeping promptly.
func (le *LeaderElection) IsLeader(ctx context.Context) bool {
	currentLeader, err := le.rdb.Get(ctx, constants.LeaderElectionKey).Result()
	if err != nil {
		le.isLeader = false
		return false
	}

	isActualLeader := currentLeader == le.config.PodID
	if le.isLeader != isActualLeader {
		le.isLeader = isActualLeader
		if isActualLeader {
			le.logger.Info("Confirmed sweep leadership")
		} else {
			le.logger.Info("Sweep leadership lost")
		}
	}

	return le.isLeader
}

func (le *LeaderElection) electionLoop(ctx context.Context) {
	ticker := time.NewTicker(constants.SecondsToDuration(constants.DefaultLeaderElectionIntervalSeconds))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-le.stopCh:
			return
		case <-ticker.C:
			le.tryBecomeLeader(ctx)
		}
	}
}

func (le *LeaderElection) tryBecomeLeader(ctx context.Context) {
	start := time.Now()
	defer func() {
		le.metrics.LeaderElectionDuration.Observe(time.Since(start).Seconds())
	}()

	result := le.rdb.SetArgs(ctx, constants.LeaderElectionKey, le.config.PodID, redis.SetArgs{
		Mode: "NX",
		TTL:  le.config.LeaderElectionTTLDuration(),
	})

	if result.Err() != nil {
		le.logger.WithError(result.Err()).Error("Failed to attempt sweep leader election")
		return
	}

	if result.Val() == "OK" {
		if !le.isLeader {
			le.logger.Info("Became sweep leader")
			le.metrics.LeaderChanges.Inc()
			le.isLeader = true
		}
		le.renewLeadership(ctx)
	} else if le.isLeader {
		currentLeader, err := le.rdb.Get(ctx, constants.LeaderElectionKey).Result()
		if err != nil || currentLeader != le.config.PodID {
			le.logger.Info("Lost sweep leadership")
			le.isLeader = false
		}
	}
}

func (le *LeaderElection) renewLeadership(ctx context.Context) {
	// Extend the lease only if we still hold it
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("EXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`

	result := le.rdb.Eval(ctx, script, []string{constants.LeaderElectionKey}, le.config.PodID, le.config.LeaderElectionTTL)
	if result.Err() != nil {
		le.logger.WithError(result.Err()).Error("Failed to renew sweep leadership")
		le.isLeader = false
		return
	}

	if result.Val().(int64) == 0 {
		le.logger.Warn("Sweep leadership renewal failed, no longer leader")
		le.isLeader = false
	}
}

func (le *LeaderElection) resignLeadership(ctx context.Context) {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`

	result := le.rdb.Eval(ctx, script, []string{constants.LeaderElectionKey}, le.config.PodID)
	if result.Err() != nil {
		le.logger.WithError(result.Err()).Error("Failed to resign sweep leadership")
	} else {
		le.logger.Info("Resigned sweep leadership")
	}
	le.isLeader = false
}
