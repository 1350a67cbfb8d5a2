package switchlinesdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchline/internal/db"
	"switchline/internal/domain"
	"switchline/internal/migrate"
	"switchline/internal/repo"
	"switchline/internal/router"
	"switchline/internal/scheduler"
	"switchline/internal/server"
	switchlinesdk "switchline/sdk/go"
)

func newClient(t *testing.T) (*switchlinesdk.Client, *router.Router) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	r := repo.New(conn, db.SQLite)
	rt := router.New(router.Options{Durable: r})

	handler, err := server.New(server.Config{Attempts: rt, Tasks: scheduler.Tasks{Store: r}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return switchlinesdk.New(srv.URL + "/v0"), rt
}

func TestClientAttemptsAndTasks(t *testing.T) {
	ctx := context.Background()
	c, rt := newClient(t)
	a, err := rt.InsertAttempt(ctx, domain.AttemptNew{
		MerchantID: "T2", PaymentID: "X1", AttemptID: "A1", Amount: 900, Currency: "EUR", Connector: domain.Str("adyen"),
	})
	require.NoError(t, err)
	_, err = rt.UpdateAttempt(ctx, a, domain.ResponseUpdate{Status: domain.AttemptAuthorized, ConnectorTransactionID: domain.Str("CT9")})
	require.NoError(t, err)

	got, err := c.GetAttempt(ctx, "T2", "A1")
	require.NoError(t, err)
	assert.Equal(t, "authorized", got.Status)
	assert.Equal(t, "CT9", got.ConnectorTransactionID)

	got, err = c.FindAttemptByConnectorTransactionID(ctx, "T2", "CT9")
	require.NoError(t, err)
	assert.Equal(t, "A1", got.AttemptID)

	list, err := c.ListPaymentAttempts(ctx, "T2", "X1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	taskID, err := c.SendWebhook(ctx, "T2", "adyen", map[string]any{"connector_transaction_id": "CT9"})
	require.NoError(t, err)
	task, err := c.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, "PAYMENT_STATUS_SYNC", task.Runner)
	assert.Equal(t, "T2", task.TrackingData["merchant_id"])

	created, err := c.CreateTask(ctx, switchlinesdk.NewTask{Name: "cleanup", Runner: "CLEANUP"})
	require.NoError(t, err)
	assert.Equal(t, "Pending", created.Status)
}

func TestClientErrors(t *testing.T) {
	c, _ := newClient(t)
	_, err := c.GetAttempt(context.Background(), "T2", "missing")
	var apiErr *switchlinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)
}
