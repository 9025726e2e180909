package scheduler

import (
	"context"
	"time"

	"metergate/pkg/locker"
	"metergate/services/alert"
	"metergate/services/metering"
	"metergate/services/sync"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	hourlyInterval = time.Hour
	lockTTL        = 55 * time.Minute
	dailyRunHour   = 1
)

// Scheduler drives the recurring jobs: hourly license sync, usage
// aggregation, usage push, limit checks and heartbeat; daily cleanup.
// Each job runs under a redis advisory lock so multiple replicas never
// overlap on the same task.
type Scheduler struct {
	sync       *sync.Service
	aggregator *metering.Aggregator
	cleaner    *metering.Cleaner
	alerts     *alert.Manager
	locker     *locker.TaskLocker

	cancel context.CancelFunc
	done   chan struct{}
}

type Params struct {
	fx.In
	Sync       *sync.Service
	Aggregator *metering.Aggregator
	Cleaner    *metering.Cleaner
	Alerts     *alert.Manager
	Locker     *locker.TaskLocker
}

func New(p Params) *Scheduler {
	return &Scheduler{
		sync:       p.Sync,
		aggregator: p.Aggregator,
		cleaner:    p.Cleaner,
		alerts:     p.Alerts,
		locker:     p.Locker,
		done:       make(chan struct{}),
	}
}

var Module = fx.Module("scheduler",
	fx.Provide(New),
	fx.Invoke(register),
)

func register(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			s.cancel = cancel
			go s.run(ctx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.cancel()
			select {
			case <-s.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	hourly := time.NewTicker(hourlyInterval)
	defer hourly.Stop()

	daily := time.NewTimer(untilNextDailyRun(time.Now()))
	defer daily.Stop()

	zap.L().Info("scheduler started")

	// One catch-up pass at boot so a restarted process does not wait a
	// full hour to resync.
	s.runHourly(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("scheduler stopped")
			return
		case <-hourly.C:
			s.runHourly(ctx)
		case <-daily.C:
			s.runTask(ctx, "cleanup_usage_records", func(ctx context.Context) error {
				_, err := s.cleaner.CleanupOldRecords(ctx)
				return err
			})
			daily.Reset(untilNextDailyRun(time.Now()))
		}
	}
}

func (s *Scheduler) runHourly(ctx context.Context) {
	s.runTask(ctx, "sync_license", func(ctx context.Context) error {
		_, err := s.sync.SyncLicense(ctx)
		return err
	})
	s.runTask(ctx, "aggregate_usage", func(ctx context.Context) error {
		_, err := s.aggregator.AggregateUsage(ctx)
		return err
	})
	s.runTask(ctx, "sync_usage", func(ctx context.Context) error {
		_, err := s.sync.SyncUsageToCentral(ctx)
		return err
	})
	s.runTask(ctx, "check_limits", func(ctx context.Context) error {
		_, err := s.alerts.CheckAllLimits(ctx)
		return err
	})
	s.runTask(ctx, "heartbeat", func(ctx context.Context) error {
		_, err := s.sync.Heartbeat(ctx)
		return err
	})
}

// runTask executes one job under its advisory lock. A held lock means
// another replica is on it; that is not an error.
func (s *Scheduler) runTask(ctx context.Context, name string, fn func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}

	acquired, err := s.locker.TryLock(ctx, name, lockTTL)
	if err != nil {
		zap.L().Warn("failed to acquire task lock", zap.String("task", name), zap.Error(err))
		return
	}
	if !acquired {
		zap.L().Debug("task lock held elsewhere, skipping", zap.String("task", name))
		return
	}
	defer func() {
		if err := s.locker.Unlock(context.WithoutCancel(ctx), name); err != nil {
			zap.L().Warn("failed to release task lock", zap.String("task", name), zap.Error(err))
		}
	}()

	start := time.Now()
	if err := fn(ctx); err != nil {
		zap.L().Error("scheduled task failed",
			zap.String("task", name),
			zap.Duration("took", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	zap.L().Info("scheduled task finished",
		zap.String("task", name),
		zap.Duration("took", time.Since(start)),
	)
}

// untilNextDailyRun returns the wait until the next daily run hour in
// UTC.
func untilNextDailyRun(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), dailyRunHour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
