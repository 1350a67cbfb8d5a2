package scheduler

import (
	"context"
	"time"

	"switchline/internal/logger"
	"switchline/internal/metrics"
)

// Producer moves due tasks from the process tracker onto the task stream.
type Producer struct {
	Settings Settings
	Queue    TaskQueue
	Store    TaskStore
	Now      func() time.Time
}

func (p *Producer) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// Produce publishes one batch of due tasks and returns how many it published. Tasks whose
// publish failed are released back to Pending.
func (p *Producer) Produce(ctx context.Context) (int, error) {
	tasks, err := p.Store.ClaimDueTasks(ctx, p.now(), p.Settings.Producer.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	if err := p.Queue.Publish(ctx, tasks); err != nil {
		ids := make([]string, 0, len(tasks))
		for _, t := range tasks {
			ids = append(ids, t.ID)
		}
		if rerr := p.Store.ReleaseTasks(ctx, ids, p.now()); rerr != nil {
			logger.Logger.Error().Err(rerr).Strs("task_ids", ids).Msg("release unpublished tasks")
		}
		return 0, err
	}
	metrics.TasksPublished.Add(float64(len(tasks)))
	return len(tasks), nil
}

// Run calls Produce every producer loop interval until shutdown.
func (p *Producer) Run(ctx context.Context, shutdown <-chan struct{}) error {
	if err := p.Settings.Validate(); err != nil {
		return err
	}
	log := logger.Logger.With().Str("stream", p.Settings.Stream).Logger()
	log.Info().Dur("interval", p.Settings.Producer.LoopInterval).Msg("producer started")
	ticker := time.NewTicker(p.Settings.Producer.LoopInterval)
	defer ticker.Stop()
	for {
		n, err := p.Produce(ctx)
		if err != nil {
			log.Error().Err(err).Msg("produce tasks")
		} else if n > 0 {
			log.Debug().Int("tasks", n).Msg("published due tasks")
		}
		select {
		case <-shutdown:
			log.Info().Msg("producer stopped")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
