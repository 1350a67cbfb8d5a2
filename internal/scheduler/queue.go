package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"switchline/internal/domain"
	"switchline/internal/logger"
	"switchline/internal/storeerr"
)

const entityTaskStream = "task_stream"

// Delivery is one claimed stream entry. Err is set when the entry could not be decoded.
type Delivery struct {
	EntryID string
	Task    domain.Task
	Err     error
}

// TaskQueue is the stream consumers claim tasks from. Entries stay pending in the group until
// acknowledged.
type TaskQueue interface {
	EnsureGroup(ctx context.Context, group string) error
	Claim(ctx context.Context, group, consumer string, count int) ([]Delivery, error)
	Ack(ctx context.Context, group string, entryIDs ...string) error
	Publish(ctx context.Context, tasks []domain.Task) error
}

// RedisTaskQueue keeps tasks in a redis stream, one entry per task.
type RedisTaskQueue struct {
	Client      redis.UniversalClient
	Stream      string
	ReclaimIdle time.Duration
}

func NewRedisTaskQueue(client redis.UniversalClient, settings Settings) *RedisTaskQueue {
	return &RedisTaskQueue{Client: client, Stream: settings.Stream, ReclaimIdle: settings.Consumer.ReclaimIdle}
}

// EnsureGroup creates the consumer group at the start of the stream. An existing group is
// not an error.
func (q *RedisTaskQueue) EnsureGroup(ctx context.Context, group string) error {
	err := q.Client.XGroupCreateMkStream(ctx, q.Stream, group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.HasPrefix(err.Error(), "BUSYGROUP") {
		logger.Logger.Debug().Str("stream", q.Stream).Str("group", group).Msg("consumer group already exists")
		return nil
	}
	return storeerr.Connection(entityTaskStream, fmt.Errorf("create group %s: %w", group, err))
}

// Claim takes over entries idle longer than ReclaimIdle, then fills the batch with new ones.
func (q *RedisTaskQueue) Claim(ctx context.Context, group, consumer string, count int) ([]Delivery, error) {
	var msgs []redis.XMessage
	if q.ReclaimIdle > 0 {
		reclaimed, _, err := q.Client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.Stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  q.ReclaimIdle,
			Start:    "0-0",
			Count:    int64(count),
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, storeerr.Connection(entityTaskStream, fmt.Errorf("reclaim: %w", err))
		}
		msgs = append(msgs, reclaimed...)
	}
	if remaining := count - len(msgs); remaining > 0 {
		streams, err := q.Client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{q.Stream, ">"},
			Count:    int64(remaining),
			Block:    -1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, storeerr.Connection(entityTaskStream, fmt.Errorf("read group: %w", err))
		}
		for _, s := range streams {
			msgs = append(msgs, s.Messages...)
		}
	}
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, decodeDelivery(m))
	}
	return out, nil
}

func decodeDelivery(m redis.XMessage) Delivery {
	d := Delivery{EntryID: m.ID}
	raw, ok := m.Values["task"].(string)
	if !ok {
		d.Err = storeerr.Serialization(entityTaskStream, fmt.Errorf("entry %s has no task field", m.ID))
		return d
	}
	if err := json.Unmarshal([]byte(raw), &d.Task); err != nil {
		d.Err = storeerr.Serialization(entityTaskStream, fmt.Errorf("entry %s: %w", m.ID, err))
	}
	return d
}

func (q *RedisTaskQueue) Ack(ctx context.Context, group string, entryIDs ...string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	if err := q.Client.XAck(ctx, q.Stream, group, entryIDs...).Err(); err != nil {
		return storeerr.Connection(entityTaskStream, fmt.Errorf("ack: %w", err))
	}
	return nil
}

func (q *RedisTaskQueue) Publish(ctx context.Context, tasks []domain.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	pipe := q.Client.Pipeline()
	for _, t := range tasks {
		raw, err := json.Marshal(t)
		if err != nil {
			return storeerr.Serialization(entityTaskStream, fmt.Errorf("task %s: %w", t.ID, err))
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.Stream,
			Values: map[string]any{"task_id": t.ID, "runner": t.Runner, "task": string(raw)},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return storeerr.Connection(entityTaskStream, fmt.Errorf("publish: %w", err))
	}
	return nil
}
