package drain_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchline/internal/db"
	"switchline/internal/domain"
	"switchline/internal/drain"
	"switchline/internal/migrate"
	"switchline/internal/repo"
	"switchline/internal/storeerr"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func attempt(id string) domain.PaymentAttempt {
	return domain.AttemptNew{MerchantID: "T1", PaymentID: "X1", AttemptID: id, Amount: 500, Currency: "USD"}.
		Build(baseTime, domain.SchemeCacheFirst)
}

func updateIntent(t *testing.T, orig domain.PaymentAttempt, u domain.AttemptUpdate) drain.Intent {
	t.Helper()
	in, err := drain.AttemptUpdate(orig, u, baseTime.Add(time.Minute), domain.SchemeCacheFirst)
	require.NoError(t, err)
	return in
}

func TestRedisStreamKeepsPartitionOrder(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	q := drain.RedisStreamQueue{
		Client:        redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		StreamName:    "drainer_stream",
		NumPartitions: 4,
		Now:           func() time.Time { return baseTime },
	}
	pk := domain.AttemptKey("T1", "X1")
	a := attempt("A1")

	require.NoError(t, q.Append(ctx, pk, drain.AttemptInsert(a)))
	require.NoError(t, q.Append(ctx, pk, updateIntent(t, a, domain.StatusUpdate{Status: domain.AttemptAuthorized})))
	require.NoError(t, q.Append(ctx, domain.AttemptKey("T2", "Y1"), drain.AttemptInsert(attempt("B1"))))

	assert.Equal(t, q.StreamFor(pk), q.StreamFor(pk))
	assert.Contains(t, q.StreamFor(pk), "_drainer_stream")

	entries, err := q.Read(ctx, pk)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, drain.OpInsert, entries[0].Intent.Operation)
	assert.Equal(t, drain.OpUpdate, entries[1].Intent.Operation)
	assert.Equal(t, a, entries[1].Intent.Updatable.Orig)
	assert.Equal(t, domain.UpdateStatus, entries[1].Intent.Updatable.UpdateData.Kind)
}

func TestAppendRejectsMalformedIntent(t *testing.T) {
	mr := miniredis.RunT(t)
	q := drain.RedisStreamQueue{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()}), StreamName: "s"}
	err := q.Append(context.Background(), "pk", drain.Intent{Operation: drain.OpInsert, EntityType: drain.EntityPaymentAttempt})
	require.ErrorIs(t, err, storeerr.ErrSerialization)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaQueueKeysByPartition(t *testing.T) {
	w := &fakeWriter{}
	q := &drain.KafkaQueue{Writer: w, Now: func() time.Time { return baseTime }}
	pk := domain.AttemptKey("T1", "X1")

	require.NoError(t, q.Append(context.Background(), pk, drain.AttemptInsert(attempt("A1"))))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, pk, string(msg.Key))
	assert.Equal(t, "insert", string(msg.Headers[0].Value))

	var entry drain.Entry
	require.NoError(t, json.Unmarshal(msg.Value, &entry))
	assert.Equal(t, pk, entry.PartitionKey)
	assert.Equal(t, "A1", entry.Intent.Insertable.AttemptID)
}

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	return repo.New(conn, db.SQLite)
}

func TestOutboxAfterReturnsAppendOrder(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	o := drain.Outbox{DB: r.DB, Dialect: db.SQLite, Now: func() time.Time { return baseTime }}
	a := attempt("A1")

	require.NoError(t, o.Append(ctx, "p1", drain.AttemptInsert(a)))
	require.NoError(t, o.Append(ctx, "p1", updateIntent(t, a, domain.StatusUpdate{Status: domain.AttemptCharged})))

	recs, err := o.After(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Less(t, recs[0].ID, recs[1].ID)
	assert.Equal(t, drain.OpUpdate, recs[1].Intent.Operation)

	rest, err := o.After(ctx, recs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
}

func TestApplyReplaysUpdateSemantics(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	a := attempt("A1")
	a.Connector = domain.Str("stripe")

	require.NoError(t, drain.Apply(ctx, r, drain.AttemptInsert(a)))
	require.NoError(t, drain.Apply(ctx, r, drain.AttemptInsert(a)), "replayed insert is idempotent")

	require.NoError(t, drain.Apply(ctx, r, updateIntent(t, a, domain.ResponseUpdate{
		Status:                 domain.AttemptAuthorized,
		ConnectorTransactionID: domain.Str("CT1"),
	})))

	got, err := r.FindAttempt(ctx, domain.Identifier{Kind: domain.ByConnectorTransactionID, MerchantID: "T1", Value: "CT1"})
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptAuthorized, got.Status)
	assert.Equal(t, "stripe", *got.Connector)
	assert.Equal(t, baseTime.Add(time.Minute), got.ModifiedAt)
}

func TestApplyRejectsConflictingInsert(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	a := attempt("A1")
	require.NoError(t, drain.Apply(ctx, r, drain.AttemptInsert(a)))

	retried := a
	retried.CreatedAt = baseTime.Add(time.Second)
	require.NoError(t, drain.Apply(ctx, r, drain.AttemptInsert(retried)), "same attempt of the same payment is already applied")

	other := a
	other.PaymentID = "X2"
	other.Amount = 700
	err := drain.Apply(ctx, r, drain.AttemptInsert(other))
	require.ErrorIs(t, err, storeerr.ErrDuplicateValue)

	got, err := r.FindAttempt(ctx, domain.Identifier{Kind: domain.ByAttemptID, MerchantID: "T1", Value: "A1"})
	require.NoError(t, err)
	assert.Equal(t, "X1", got.PaymentID)
	assert.Equal(t, int64(500), got.Amount)
}
