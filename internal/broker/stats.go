package broker

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"

	"notifyhub/internal/telemetry"
	"notifyhub/internal/types"
)

const statsTimeout = 10 * time.Second

// startStatsPoller logs queue depths every StatsInterval. A zero interval
// disables it.
func (b *RabbitMQBroker) startStatsPoller() {
	if b.cfg.StatsInterval <= 0 {
		return
	}
	s, err := newStatsScheduler(b.cfg.StatsInterval, b.pollStats)
	if err != nil {
		b.logger.Warn("queue stats poller disabled", "error", err.Error())
		return
	}
	b.mu.Lock()
	b.scheduler = s
	b.mu.Unlock()
}

func (b *RabbitMQBroker) stopStatsPoller() {
	b.mu.Lock()
	s := b.scheduler
	b.scheduler = nil
	b.mu.Unlock()
	if s == nil {
		return
	}
	if err := s.Shutdown(); err != nil {
		b.logger.Warn("failed to stop stats poller", "error", err.Error())
	}
}

func (b *RabbitMQBroker) pollStats() {
	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()
	stats, err := b.GetStats(ctx)
	if err != nil {
		b.logger.Warn("queue stats unavailable", "error", err.Error())
		return
	}
	recordStats(ctx, b.logger, b.metrics, stats)
}

func newStatsScheduler(interval time.Duration, task func()) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, err
	}
	s.Start()
	return s, nil
}

func recordStats(ctx context.Context, logger types.Logger, metrics telemetry.Metrics, stats *Stats) {
	for _, q := range stats.Queues {
		metrics.RecordQueueDepth(ctx, q.Name, q.Messages, q.Consumers)
		logger.Info("queue stats",
			"queue", q.Name,
			"messages", q.Messages,
			"consumers", q.Consumers,
			"state", stats.State,
		)
	}
}
