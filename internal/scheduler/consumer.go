package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"switchline/internal/domain"
	"switchline/internal/logger"
	"switchline/internal/metrics"
)

// Consumer polls the task stream, moves claimed tasks to ProcessStarted and runs their
// workflows. InFlight counts running cycles and tasks; Run returns after shutdown only once
// it drops to zero.
type Consumer struct {
	Settings Settings
	Queue    TaskQueue
	Store    TaskStore
	Select   Selector
	InFlight *atomic.Int64
	Now      func() time.Time
	Name     string
}

func NewConsumer(settings Settings, queue TaskQueue, store TaskStore, selector Selector, inFlight *atomic.Int64) *Consumer {
	if inFlight == nil {
		inFlight = new(atomic.Int64)
	}
	return &Consumer{
		Settings: settings,
		Queue:    queue,
		Store:    store,
		Select:   selector,
		InFlight: inFlight,
		Name:     "consumer_" + uuid.NewString(),
	}
}

func (c *Consumer) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// Run spawns one cycle per loop interval until shutdown is signalled, then waits for
// in-flight work. Tasks keep running on ctx after shutdown; cancelling ctx aborts them.
func (c *Consumer) Run(ctx context.Context, shutdown <-chan struct{}) error {
	if err := c.Settings.Validate(); err != nil {
		return err
	}
	if c.Queue == nil || c.Store == nil || c.Select == nil || c.InFlight == nil {
		return fmt.Errorf("%w: consumer is missing a queue, store, selector or counter", ErrConfiguration)
	}
	log := logger.Logger.With().Str("consumer", c.Name).Str("stream", c.Settings.Stream).Logger()
	log.Info().Dur("interval", c.Settings.LoopInterval).Msg("consumer started")

	// Desynchronize consumers that start together.
	jitter := time.Duration(rand.Int64N(int64(c.Settings.LoopInterval)))
	start := time.NewTimer(jitter)
	select {
	case <-shutdown:
		start.Stop()
		return c.awaitIdle(ctx)
	case <-ctx.Done():
		start.Stop()
		return ctx.Err()
	case <-start.C:
	}

	ticker := time.NewTicker(c.Settings.LoopInterval)
	defer ticker.Stop()
	for {
		if !c.Settings.Consumer.Disabled {
			c.InFlight.Add(1)
			go func() {
				defer c.InFlight.Add(-1)
				c.cycle(ctx)
			}()
		}
		select {
		case <-shutdown:
			return c.awaitIdle(ctx)
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			select {
			case <-shutdown:
				return c.awaitIdle(ctx)
			default:
			}
		}
	}
}

func (c *Consumer) awaitIdle(ctx context.Context) error {
	log := logger.Logger.With().Str("consumer", c.Name).Logger()
	log.Info().Int64("in_flight", c.InFlight.Load()).Msg("shutdown requested, waiting for in-flight tasks")
	check := time.NewTicker(c.Settings.GracefulShutdownInterval)
	defer check.Stop()
	for {
		n := c.InFlight.Load()
		if n == 0 {
			log.Info().Msg("consumer stopped")
			return nil
		}
		log.Debug().Int64("in_flight", n).Msg("waiting for in-flight tasks")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-check.C:
		}
	}
}

func (c *Consumer) cycle(ctx context.Context) {
	group := c.Settings.Consumer.Group
	log := logger.Logger.With().Str("consumer", c.Name).Str("group", group).Logger()
	if err := c.Queue.EnsureGroup(ctx, group); err != nil {
		metrics.ConsumerCycles.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("create consumer group")
		return
	}
	deliveries, err := c.Queue.Claim(ctx, group, c.Name, c.Settings.Consumer.BatchSize)
	if err != nil {
		metrics.ConsumerCycles.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("claim tasks")
		return
	}
	if len(deliveries) == 0 {
		metrics.ConsumerCycles.WithLabelValues("idle").Inc()
		return
	}

	allowed := c.Settings.Consumer.ValidBusinessStatus
	var (
		accepted []Delivery
		ids      []string
		discard  []string
		seen     = map[string]bool{}
	)
	for _, d := range deliveries {
		switch {
		case d.Err != nil:
			log.Error().Err(d.Err).Str("entry_id", d.EntryID).Msg("discarding undecodable task entry")
			discard = append(discard, d.EntryID)
		case seen[d.Task.ID]:
			log.Warn().Str("task_id", d.Task.ID).Str("entry_id", d.EntryID).Msg("duplicate task entry in batch")
			discard = append(discard, d.EntryID)
		case !slices.Contains(allowed, d.Task.BusinessStatus):
			log.Debug().Str("task_id", d.Task.ID).Str("business_status", d.Task.BusinessStatus).Msg("skipping task")
			discard = append(discard, d.EntryID)
		default:
			seen[d.Task.ID] = true
			accepted = append(accepted, d)
			ids = append(ids, d.Task.ID)
		}
	}

	now := c.now()
	started, err := c.Store.StartTasks(ctx, ids, allowed, now)
	if err != nil {
		// Entries stay pending and are redelivered.
		metrics.ConsumerCycles.WithLabelValues("error").Inc()
		log.Error().Err(err).Int("tasks", len(ids)).Msg("mark tasks started")
		return
	}
	for _, d := range accepted {
		if !slices.Contains(started, d.Task.ID) {
			log.Debug().Str("task_id", d.Task.ID).Msg("task no longer runnable")
			discard = append(discard, d.EntryID)
			continue
		}
		d.Task.Status = domain.TaskProcessStarted
		metrics.TasksConsumed.Inc()
		if d.Task.ScheduleTime != nil {
			metrics.TaskPickupDelay.Observe(now.Sub(*d.Task.ScheduleTime).Seconds())
		}
		c.InFlight.Add(1)
		go func(d Delivery) {
			defer c.InFlight.Add(-1)
			c.runTask(ctx, d)
		}(d)
	}
	if err := c.Queue.Ack(ctx, group, discard...); err != nil {
		log.Error().Err(err).Msg("ack skipped entries")
	}
	metrics.ConsumerCycles.WithLabelValues("ok").Inc()
}

func (c *Consumer) runTask(ctx context.Context, d Delivery) {
	task := d.Task
	log := logger.Logger.With().Str("task_id", task.ID).Str("runner", task.Runner).Logger()
	wf, ok := c.Select(task)
	if !ok {
		// Left unacknowledged for redelivery once a workflow is registered.
		err := fmt.Errorf("%w: no workflow for runner %q", ErrUnexpectedFlow, task.Runner)
		log.Error().Err(err).Msg("cannot run task")
		metrics.TasksProcessed.WithLabelValues(task.Runner, "unknown_workflow").Inc()
		return
	}

	outcome := "success"
	err := execute(ctx, wf, task)
	if err == nil {
		if err = wf.OnSuccess(ctx, task); err != nil {
			log.Warn().Err(err).Msg("success handler failed")
		}
	}
	if err != nil {
		outcome = "error"
		log.Warn().Err(err).Msg("task execution failed")
		if herr := wf.OnError(ctx, task, err); herr != nil {
			outcome = "global_failure"
			log.Error().Err(herr).Msg("error handler failed, finishing task")
			if _, ferr := c.Store.FinishTask(ctx, task.ID, domain.BusinessStatusGlobalFailure, c.now()); ferr != nil {
				log.Error().Err(ferr).Msg("finish task")
			}
		}
	}
	metrics.TasksProcessed.WithLabelValues(task.Runner, outcome).Inc()
	if err := c.Queue.Ack(ctx, c.Settings.Consumer.Group, d.EntryID); err != nil {
		log.Error().Err(err).Msg("ack task entry")
	}
}

func execute(ctx context.Context, wf Workflow, task domain.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panicked: %v", r)
		}
	}()
	return wf.Execute(ctx, task)
}
