package workflows_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchline/internal/db"
	"switchline/internal/domain"
	"switchline/internal/migrate"
	"switchline/internal/repo"
	"switchline/internal/router"
	"switchline/internal/scheduler"
	"switchline/internal/workflows"
)

type syncEnv struct {
	repo   repo.Repo
	router *router.Router
	tasks  scheduler.Tasks
	wf     *workflows.PaymentSync
}

func newSyncEnv(t *testing.T, handler http.HandlerFunc) *syncEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	r := repo.New(conn, db.SQLite)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	rt := router.New(router.Options{Durable: r})
	tasks := scheduler.Tasks{Store: r}
	return &syncEnv{
		repo:   r,
		router: rt,
		tasks:  tasks,
		wf: &workflows.PaymentSync{
			BaseWorkflow: scheduler.BaseWorkflow{Tasks: tasks},
			Attempts:     rt,
			Fetcher:      workflows.NewHTTPStatusFetcher(srv.URL, time.Second),
			Schedule:     []time.Duration{time.Minute, 2 * time.Minute},
		},
	}
}

func (e *syncEnv) setup(t *testing.T) domain.Task {
	t.Helper()
	ctx := context.Background()
	_, err := e.router.InsertAttempt(ctx, domain.AttemptNew{
		MerchantID: "T1", PaymentID: "X1", AttemptID: "A1", Amount: 500, Currency: "USD",
		Status: domain.AttemptPending, Connector: domain.Str("adyen"),
	})
	require.NoError(t, err)
	n, err := workflows.NewSyncTask("T1", "X1", "A1")
	require.NoError(t, err)
	task, err := e.tasks.Create(ctx, n)
	require.NoError(t, err)
	return task
}

func (e *syncEnv) attempt(t *testing.T) domain.PaymentAttempt {
	t.Helper()
	a, err := e.router.FindAttempt(context.Background(), domain.Identifier{Kind: domain.ByAttemptID, MerchantID: "T1", Value: "A1"})
	require.NoError(t, err)
	return a
}

func statusHandler(t *testing.T, status workflows.ConnectorStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/adyen/payments/A1", r.URL.Path)
		assert.Equal(t, "T1", r.URL.Query().Get("merchant_id"))
		w.Header().Set("Content-Type", "application/json")
		assert.NoError(t, json.NewEncoder(w).Encode(status))
	}
}

func TestSyncRecordsTerminalStatusAndFinishes(t *testing.T) {
	e := newSyncEnv(t, statusHandler(t, workflows.ConnectorStatus{Status: domain.AttemptCharged, ConnectorTransactionID: "CT1"}))
	task := e.setup(t)

	require.NoError(t, e.wf.Execute(context.Background(), task))

	a := e.attempt(t)
	assert.Equal(t, domain.AttemptCharged, a.Status)
	require.NotNil(t, a.ConnectorTransactionID)
	assert.Equal(t, "CT1", *a.ConnectorTransactionID)

	got, err := e.repo.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFinish, got.Status)
	assert.Equal(t, domain.BusinessStatusCompleted, got.BusinessStatus)
}

func TestSyncRetriesNonTerminalStatus(t *testing.T) {
	e := newSyncEnv(t, statusHandler(t, workflows.ConnectorStatus{Status: domain.AttemptPending}))
	task := e.setup(t)
	before := time.Now().UTC()

	require.NoError(t, e.wf.Execute(context.Background(), task))

	got, err := e.repo.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRetry, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.ScheduleTime)
	assert.True(t, got.ScheduleTime.After(before.Add(59*time.Second)))

	var td workflows.SyncTrackingData
	require.NoError(t, got.DecodeTrackingData(&td))
	assert.Equal(t, workflows.SyncTrackingData{
		MerchantID: "T1", PaymentID: "X1", AttemptID: "A1", LastConnectorStatus: domain.AttemptPending,
	}, td, "the next run sees the status this run observed")
}

func TestSyncFinishesWhenRetriesRunOut(t *testing.T) {
	e := newSyncEnv(t, statusHandler(t, workflows.ConnectorStatus{Status: domain.AttemptPending}))
	task := e.setup(t)
	task.RetryCount = 2

	require.NoError(t, e.wf.Execute(context.Background(), task))

	got, err := e.repo.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFinish, got.Status)
	assert.Equal(t, domain.BusinessStatusRetriesExceeded, got.BusinessStatus)
}

func TestSyncConnectorErrors(t *testing.T) {
	t.Run("server error retries", func(t *testing.T) {
		e := newSyncEnv(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "busy", http.StatusServiceUnavailable)
		})
		task := e.setup(t)
		require.NoError(t, e.wf.Execute(context.Background(), task))
		got, err := e.repo.GetTask(context.Background(), task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskRetry, got.Status)
	})

	t.Run("client error fails", func(t *testing.T) {
		e := newSyncEnv(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unknown payment", http.StatusNotFound)
		})
		task := e.setup(t)
		err := e.wf.Execute(context.Background(), task)
		var se *workflows.StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusNotFound, se.StatusCode)

		require.NoError(t, e.wf.OnError(context.Background(), task, err))
		got, err := e.repo.GetTask(context.Background(), task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.BusinessStatusGlobalError, got.BusinessStatus)
	})
}

func TestSyncSkipsTerminalAttempt(t *testing.T) {
	var called atomic.Bool
	e := newSyncEnv(t, func(w http.ResponseWriter, r *http.Request) { called.Store(true) })
	task := e.setup(t)
	_, err := e.router.UpdateAttempt(context.Background(), e.attempt(t), domain.StatusUpdate{Status: domain.AttemptFailure})
	require.NoError(t, err)

	require.NoError(t, e.wf.Execute(context.Background(), task))
	assert.False(t, called.Load())
}

func TestFetcherIsSafeToShare(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"pending"}`))
	}))
	t.Cleanup(srv.Close)

	a := domain.AttemptNew{MerchantID: "T1", PaymentID: "X1", AttemptID: "A1", Amount: 1, Currency: "USD", Connector: domain.Str("adyen")}.
		Build(time.Now(), domain.SchemeDurableOnly)
	for _, f := range []*workflows.HTTPStatusFetcher{
		workflows.NewHTTPStatusFetcher(srv.URL, time.Second),
		{BaseURL: srv.URL},
	} {
		before := f.HTTPClient
		done := make(chan error, 8)
		for range 8 {
			go func() {
				_, err := f.FetchStatus(context.Background(), a)
				done <- err
			}()
		}
		for range 8 {
			require.NoError(t, <-done)
		}
		assert.Same(t, before, f.HTTPClient, "fetching never replaces the client")
	}
	assert.Equal(t, int64(16), calls.Load())
	assert.Equal(t, time.Second, workflows.NewHTTPStatusFetcher(srv.URL, time.Second).HTTPClient.Timeout)
}
