// Package sweep provides the optional periodic sweep that shortens
// worst-case escalation detection latency when nobody is querying an
// incident. It reuses the engine's check-and-escalate path, so running
// it is never required for correctness.
package sweep

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"incident-escalation-service/pkg/config"
	"incident-escalation-service/pkg/escalation"
	"incident-escalation-service/pkg/metrics"
	"incident-escalation-service/pkg/store"
)

// batchLimit caps how many overdue timers one sweep round touches.
const batchLimit = 100

type Sweeper struct {
	engine         *escalation.Engine
	store          store.TimerStore
	leaderElection *LeaderElection
	config         *config.Config
	logger         *logrus.Logger
	metrics        *metrics.Metrics
	stopCh         chan struct{}
}

func NewSweeper(engine *escalation.Engine, timerStore store.TimerStore, leaderElection *LeaderElection, config *config.Config, logger *logrus.Logger, metrics *metrics.Metrics) *Sweeper {
	return &Sweeper{
		engine:         engine,
		store:          timerStore,
		leaderElection: leaderElection,
		config:         config,
		logger:         logger,
		metrics:        metrics,
		stopCh:         make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.leaderElection.Start(ctx)
	go s.sweepLoop(ctx)
	s.logger.WithField("interval", s.config.SweepInterval()).Info("Started escalation sweeper")
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.leaderElection.Stop()
}

func (s *Sweeper) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.leaderElection.IsLeader(ctx) {
				s.Sweep(ctx)
			}
		}
	}
}

// Sweep escalates every running timer whose deadline has passed. Each
// timer goes through the engine's version-checked path, so a sweep that
// races an API request cannot double-fire.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()
	defer func() {
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	overdue, err := s.store.OverdueRunning(ctx, time.Now(), batchLimit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to query overdue timers")
		return
	}
	if len(overdue) == 0 {
		return
	}

	s.metrics.SweepOverdueFound.Add(float64(len(overdue)))
	s.logger.WithField("overdue_count", len(overdue)).Debug("Sweeping overdue escalation timers")

	for _, incidentID := range overdue {
		view, err := s.engine.CheckAndEscalate(ctx, incidentID)
		if err != nil {
			// NotFound means the timer was deleted between the index
			// query and the check; conflicts mean a concurrent request
			// already transitioned it. Neither is a sweep failure.
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, escalation.ErrConflict) {
				continue
			}
			s.logger.WithError(err).WithField("incident_id", incidentID).Error("Failed to sweep overdue timer")
			continue
		}

		s.logger.WithFields(logrus.Fields{
			"incident_id": incidentID,
			"status":      view.Status,
		}).Debug("Swept overdue timer")
	}
}
