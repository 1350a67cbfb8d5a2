package kv_test

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchline/internal/kv"
	"switchline/internal/storeerr"
)

func backends(t *testing.T) map[string]kv.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := kv.NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)

	bc, err := kv.OpenBolt(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)

	caches := map[string]kv.Cache{"redis": rc, "bolt": bc}
	t.Cleanup(func() {
		for _, c := range caches {
			c.Close()
		}
	})
	return caches
}

func TestSetFieldIfAbsent(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			set, err := c.SetFieldIfAbsent(ctx, "mid_T1_pid_X1", "pa_A1", []byte("first"))
			require.NoError(t, err)
			assert.True(t, set)

			set, err = c.SetFieldIfAbsent(ctx, "mid_T1_pid_X1", "pa_A1", []byte("second"))
			require.NoError(t, err)
			assert.False(t, set)

			v, err := c.GetField(ctx, "mid_T1_pid_X1", "pa_A1")
			require.NoError(t, err)
			assert.Equal(t, "first", string(v))
		})
	}
}

func TestConcurrentSetFieldIfAbsentHasOneWinner(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					set, err := c.SetFieldIfAbsent(ctx, "k", "f", []byte("v"))
					assert.NoError(t, err)
					if set {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
		})
	}
}

func TestSetFieldOverwritesAndMissIsNotFound(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := c.GetField(ctx, "k", "pa_A1")
			require.ErrorIs(t, err, storeerr.ErrNotFound)

			require.NoError(t, c.SetField(ctx, "k", "pa_A1", []byte("v1")))
			require.NoError(t, c.SetField(ctx, "k", "pa_A1", []byte("v2")))
			v, err := c.GetField(ctx, "k", "pa_A1")
			require.NoError(t, err)
			assert.Equal(t, "v2", string(v))
		})
	}
}

func TestScanFieldsMatchesPattern(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, c.SetField(ctx, "k", "pa_A1", []byte("a1")))
			require.NoError(t, c.SetField(ctx, "k", "pa_A2", []byte("a2")))
			require.NoError(t, c.SetField(ctx, "k", "ref_R1", []byte("r1")))
			require.NoError(t, c.SetField(ctx, "k2", "pa_A3", []byte("a3")))

			vals, err := c.ScanFields(ctx, "k", "pa_*")
			require.NoError(t, err)
			got := make([]string, 0, len(vals))
			for _, v := range vals {
				got = append(got, string(v))
			}
			sort.Strings(got)
			assert.Equal(t, []string{"a1", "a2"}, got)

			empty, err := c.ScanFields(ctx, "missing", "pa_*")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestRedisTTLIsApplied(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c := kv.NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 30*time.Second)
	defer c.Close()

	_, err := c.SetFieldIfAbsent(ctx, "k", "f", []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, mr.TTL("k"))

	mr.FastForward(31 * time.Second)
	_, err = c.GetField(ctx, "k", "f")
	require.ErrorIs(t, err, storeerr.ErrNotFound)
}

func TestRedisUnreachableIsConnectionError(t *testing.T) {
	mr := miniredis.RunT(t)
	c := kv.NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), 0)
	defer c.Close()
	mr.Close()

	_, err := c.GetField(context.Background(), "k", "f")
	require.ErrorIs(t, err, storeerr.ErrConnection)
	assert.True(t, storeerr.Retryable(err))
}

func TestDeleteFieldAllowsReinsert(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := c.SetFieldIfAbsent(ctx, "mid_T1_pid_X1", "pa_A1", []byte("first"))
			require.NoError(t, err)

			require.NoError(t, c.DeleteField(ctx, "mid_T1_pid_X1", "pa_A1"))
			require.NoError(t, c.DeleteField(ctx, "mid_T1_pid_X1", "pa_A1"), "deleting a missing field is a no-op")
			_, err = c.GetField(ctx, "mid_T1_pid_X1", "pa_A1")
			require.ErrorIs(t, err, storeerr.ErrNotFound)

			set, err := c.SetFieldIfAbsent(ctx, "mid_T1_pid_X1", "pa_A1", []byte("second"))
			require.NoError(t, err)
			assert.True(t, set)
		})
	}
}

func TestBoltClosedIsConnectionError(t *testing.T) {
	ctx := context.Background()
	c, err := kv.OpenBolt(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.SetFieldIfAbsent(ctx, "k", "f", []byte("v"))
	require.ErrorIs(t, err, storeerr.ErrConnection)
	assert.True(t, storeerr.Retryable(err))

	_, err = c.GetField(ctx, "k", "f")
	require.ErrorIs(t, err, storeerr.ErrConnection)
}
