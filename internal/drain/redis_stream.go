package drain

import (
	"context"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/redis/go-redis/v9"

	"switchline/internal/storeerr"
)

// RedisStreamQueue appends intents to sharded redis streams. A partition key always hashes
// to the same shard, so its intents stay in append order.
type RedisStreamQueue struct {
	Client        redis.UniversalClient
	StreamName    string
	NumPartitions int
	Now           func() time.Time
}

func (q RedisStreamQueue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// StreamFor returns the shard stream for a partition key.
func (q RedisStreamQueue) StreamFor(partitionKey string) string {
	n := q.NumPartitions
	if n <= 0 {
		n = 1
	}
	shard := crc32.ChecksumIEEE([]byte(partitionKey)) % uint32(n)
	return fmt.Sprintf("{shard_%d}_%s", shard, q.StreamName)
}

func (q RedisStreamQueue) Append(ctx context.Context, partitionKey string, intent Intent) error {
	now := q.now()
	payload, err := encodeEntry(partitionKey, intent, now)
	if err != nil {
		return err
	}
	err = q.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.StreamFor(partitionKey),
		Values: map[string]any{
			"partition_key": partitionKey,
			"operation":     string(intent.Operation),
			"typed_sql":     string(payload),
		},
	}).Err()
	if err != nil {
		return storeerr.Connection("drainer_stream", err)
	}
	return nil
}

// Read returns the intents of one partition in append order.
func (q RedisStreamQueue) Read(ctx context.Context, partitionKey string) ([]Entry, error) {
	msgs, err := q.Client.XRange(ctx, q.StreamFor(partitionKey), "-", "+").Result()
	if err != nil {
		return nil, storeerr.Connection("drainer_stream", err)
	}
	var out []Entry
	for _, m := range msgs {
		if pk, _ := m.Values["partition_key"].(string); pk != partitionKey {
			continue
		}
		raw, _ := m.Values["typed_sql"].(string)
		entry, err := decodeEntry([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", m.ID, err)
		}
		out = append(out, entry)
	}
	return out, nil
}
