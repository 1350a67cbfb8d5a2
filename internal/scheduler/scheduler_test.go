package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchline/internal/db"
	"switchline/internal/domain"
	"switchline/internal/migrate"
	"switchline/internal/repo"
)

type testEnv struct {
	repo     repo.Repo
	client   *redis.Client
	queue    *RedisTaskQueue
	tasks    Tasks
	settings Settings
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	r := repo.New(conn, db.SQLite)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	settings := DefaultSettings()
	settings.LoopInterval = 10 * time.Millisecond
	settings.GracefulShutdownInterval = 5 * time.Millisecond
	settings.Consumer.ReclaimIdle = 0
	settings.Producer.LoopInterval = 10 * time.Millisecond
	return &testEnv{
		repo:     r,
		client:   client,
		queue:    NewRedisTaskQueue(client, settings),
		tasks:    Tasks{Store: r},
		settings: settings,
	}
}

// enqueue creates the tasks and publishes them the way the producer does.
func (e *testEnv) enqueue(t *testing.T, runner string, n int) []domain.Task {
	t.Helper()
	ctx := context.Background()
	var out []domain.Task
	for i := 0; i < n; i++ {
		task, err := e.tasks.Create(ctx, domain.TaskNew{Name: "sync", Runner: runner})
		require.NoError(t, err)
		out = append(out, task)
	}
	require.NoError(t, e.queue.Publish(ctx, out))
	return out
}

func (e *testEnv) consumer(sel Selector) *Consumer {
	return NewConsumer(e.settings, e.queue, e.repo, sel, nil)
}

func (e *testEnv) pending(t *testing.T) int64 {
	t.Helper()
	p, err := e.client.XPending(context.Background(), e.settings.Stream, e.settings.Consumer.Group).Result()
	require.NoError(t, err)
	return p.Count
}

func (e *testEnv) task(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := e.repo.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

type recordingWorkflow struct {
	BaseWorkflow
	mu       sync.Mutex
	runs     map[string]int
	execErr  error
	onErrErr error
	block    chan struct{}
	started  atomic.Int64
}

func newRecordingWorkflow(tasks Tasks) *recordingWorkflow {
	return &recordingWorkflow{BaseWorkflow: BaseWorkflow{Tasks: tasks}, runs: map[string]int{}}
}

func (w *recordingWorkflow) Execute(ctx context.Context, task domain.Task) error {
	w.mu.Lock()
	w.runs[task.ID]++
	w.mu.Unlock()
	w.started.Add(1)
	if w.block != nil {
		<-w.block
	}
	return w.execErr
}

func (w *recordingWorkflow) OnError(ctx context.Context, task domain.Task, err error) error {
	if w.onErrErr != nil {
		return w.onErrErr
	}
	return w.BaseWorkflow.OnError(ctx, task, err)
}

func (w *recordingWorkflow) runCount(id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runs[id]
}

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, DefaultSettings().Validate())

	s := DefaultSettings()
	s.Consumer.BatchSize = 0
	require.ErrorIs(t, s.Validate(), ErrConfiguration)

	s = DefaultSettings()
	s.Consumer.ValidBusinessStatus = nil
	require.ErrorIs(t, s.Validate(), ErrConfiguration)

	c := &Consumer{Settings: s, InFlight: new(atomic.Int64)}
	require.ErrorIs(t, c.Run(context.Background(), make(chan struct{})), ErrConfiguration)
}

func TestCycleRunsPendingTaskAndAcks(t *testing.T) {
	e := newTestEnv(t)
	wf := newRecordingWorkflow(e.tasks)
	task := e.enqueue(t, "PAYMENT_STATUS_SYNC", 1)[0]

	c := e.consumer(Registry{"PAYMENT_STATUS_SYNC": wf}.Select)
	c.cycle(context.Background())
	require.Eventually(t, func() bool { return c.InFlight.Load() == 0 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, wf.runCount(task.ID))
	got := e.task(t, task.ID)
	assert.Equal(t, domain.TaskFinish, got.Status)
	assert.Equal(t, domain.BusinessStatusCompleted, got.BusinessStatus)
	assert.Equal(t, int64(0), e.pending(t))
}

func TestConcurrentConsumersRunTaskOnce(t *testing.T) {
	e := newTestEnv(t)
	wf := newRecordingWorkflow(e.tasks)
	tasks := e.enqueue(t, "PAYMENT_STATUS_SYNC", 5)
	sel := Registry{"PAYMENT_STATUS_SYNC": wf}.Select

	ctx := context.Background()
	shutdown := make(chan struct{})
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		c := e.consumer(sel)
		go func() { errs <- c.Run(ctx, shutdown) }()
	}
	require.Eventually(t, func() bool {
		for _, task := range tasks {
			if e.task(t, task.ID).Status != domain.TaskFinish {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
	close(shutdown)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	for _, task := range tasks {
		assert.Equal(t, 1, wf.runCount(task.ID), task.ID)
	}
}

func TestCycleSkipsTasksOutsideAllowList(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	wf := newRecordingWorkflow(e.tasks)
	task := e.enqueue(t, "PAYMENT_STATUS_SYNC", 1)[0]
	require.NoError(t, e.tasks.Finish(ctx, task.ID, domain.BusinessStatusCompleted))

	// The stream copy still says Pending; the durable row decides.
	c := e.consumer(Registry{"PAYMENT_STATUS_SYNC": wf}.Select)
	c.cycle(ctx)
	require.Eventually(t, func() bool { return c.InFlight.Load() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, wf.runCount(task.ID))
	assert.Equal(t, int64(0), e.pending(t))

	// A stream entry that already carries a non-allowed status is dropped before the store.
	created, err := e.tasks.Create(ctx, domain.TaskNew{Name: "sync", Runner: "PAYMENT_STATUS_SYNC"})
	require.NoError(t, err)
	created.BusinessStatus = domain.BusinessStatusGlobalError
	require.NoError(t, e.queue.Publish(ctx, []domain.Task{created}))
	c.cycle(ctx)
	require.Eventually(t, func() bool { return c.InFlight.Load() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, wf.runCount(created.ID))
	assert.Equal(t, domain.TaskPending, e.task(t, created.ID).Status)
}

func TestUnknownWorkflowIsNotRunOrAcked(t *testing.T) {
	e := newTestEnv(t)
	task := e.enqueue(t, "NOT_REGISTERED", 1)[0]

	c := e.consumer(Registry{}.Select)
	c.cycle(context.Background())
	require.Eventually(t, func() bool { return c.InFlight.Load() == 0 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, domain.TaskProcessStarted, e.task(t, task.ID).Status)
	assert.Equal(t, int64(1), e.pending(t))
}

func TestErrorHandlerFailureFinishesWithGlobalFailure(t *testing.T) {
	e := newTestEnv(t)
	wf := newRecordingWorkflow(e.tasks)
	wf.execErr = errors.New("connector timeout")
	wf.onErrErr = errors.New("handler broke")
	task := e.enqueue(t, "PAYMENT_STATUS_SYNC", 1)[0]

	c := e.consumer(Registry{"PAYMENT_STATUS_SYNC": wf}.Select)
	c.cycle(context.Background())
	require.Eventually(t, func() bool { return c.InFlight.Load() == 0 }, time.Second, 5*time.Millisecond)

	got := e.task(t, task.ID)
	assert.Equal(t, domain.TaskFinish, got.Status)
	assert.Equal(t, domain.BusinessStatusGlobalFailure, got.BusinessStatus)
	assert.Equal(t, int64(0), e.pending(t))
}

func TestExecuteErrorUsesErrorHandler(t *testing.T) {
	e := newTestEnv(t)
	wf := newRecordingWorkflow(e.tasks)
	wf.execErr = errors.New("connector timeout")
	task := e.enqueue(t, "PAYMENT_STATUS_SYNC", 1)[0]

	c := e.consumer(Registry{"PAYMENT_STATUS_SYNC": wf}.Select)
	c.cycle(context.Background())
	require.Eventually(t, func() bool { return c.InFlight.Load() == 0 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, domain.BusinessStatusGlobalError, e.task(t, task.ID).BusinessStatus)
}

func TestGracefulShutdownWaitsForInFlightTasks(t *testing.T) {
	e := newTestEnv(t)
	wf := newRecordingWorkflow(e.tasks)
	wf.block = make(chan struct{})
	tasks := e.enqueue(t, "PAYMENT_STATUS_SYNC", 3)

	inFlight := new(atomic.Int64)
	c := NewConsumer(e.settings, e.queue, e.repo, Registry{"PAYMENT_STATUS_SYNC": wf}.Select, inFlight)
	shutdown := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), shutdown) }()

	require.Eventually(t, func() bool { return wf.started.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	close(shutdown)

	require.Eventually(t, func() bool { return inFlight.Load() == 3 }, time.Second, 5*time.Millisecond)
	late := e.enqueue(t, "PAYMENT_STATUS_SYNC", 2)
	select {
	case err := <-done:
		t.Fatalf("consumer returned with tasks in flight: %v", err)
	case <-time.After(10 * e.settings.LoopInterval):
	}
	assert.Equal(t, int64(3), inFlight.Load())
	assert.Equal(t, int64(3), wf.started.Load(), "no batch is claimed after shutdown")

	close(wf.block)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after tasks finished")
	}
	assert.Equal(t, int64(0), inFlight.Load())
	for _, task := range tasks {
		assert.Equal(t, domain.TaskFinish, e.task(t, task.ID).Status)
	}
	for _, task := range late {
		assert.Equal(t, domain.TaskPending, e.task(t, task.ID).Status, "published after shutdown, never started")
	}
	length, err := e.client.XLen(context.Background(), e.settings.Stream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(5), length)
	assert.Equal(t, int64(0), e.pending(t), "late entries were never read by the group")
}

func TestProducerPublishesDueTasks(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	due, err := e.tasks.Create(ctx, domain.TaskNew{Name: "sync", Runner: "PAYMENT_STATUS_SYNC"})
	require.NoError(t, err)
	later := time.Now().Add(time.Hour)
	_, err = e.tasks.Create(ctx, domain.TaskNew{Name: "sync", Runner: "PAYMENT_STATUS_SYNC", ScheduleTime: &later})
	require.NoError(t, err)

	p := &Producer{Settings: e.settings, Queue: e.queue, Store: e.repo}
	n, err := p.Produce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.TaskProcessing, e.task(t, due.ID).Status)

	length, err := e.client.XLen(ctx, e.settings.Stream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)

	n, err = p.Produce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

type failingQueue struct{ TaskQueue }

func (failingQueue) Publish(context.Context, []domain.Task) error {
	return errors.New("stream unavailable")
}

func TestProducerReleasesTasksWhenPublishFails(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	task, err := e.tasks.Create(ctx, domain.TaskNew{Name: "sync", Runner: "PAYMENT_STATUS_SYNC"})
	require.NoError(t, err)

	p := &Producer{Settings: e.settings, Queue: failingQueue{}, Store: e.repo}
	_, err = p.Produce(ctx)
	require.Error(t, err)
	assert.Equal(t, domain.TaskPending, e.task(t, task.ID).Status)
}

func TestUndecodableEntryIsAcked(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, e.client.XAdd(ctx, &redis.XAddArgs{Stream: e.settings.Stream, Values: map[string]any{"task": "{not json"}}).Err())

	c := e.consumer(Registry{}.Select)
	c.cycle(ctx)
	assert.Equal(t, int64(0), e.pending(t))
}

func TestTasksCreateValidates(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.tasks.Create(context.Background(), domain.TaskNew{Name: "sync"})
	require.Error(t, err)

	task, err := e.tasks.Create(context.Background(), domain.TaskNew{ID: "pt_1", Name: "sync", Runner: "R", TrackingData: []byte(`{"a":1}`)})
	require.NoError(t, err)
	assert.Equal(t, "pt_1", task.ID)
	assert.Equal(t, domain.BusinessStatusPending, task.BusinessStatus)
	require.NotNil(t, task.ScheduleTime)
}
