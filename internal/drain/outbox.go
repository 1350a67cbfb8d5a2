package drain

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"switchline/internal/db"
	"switchline/internal/storeerr"
)

// Outbox keeps intents in the drain_intents table. The autoincrement id gives a total
// order, so per-partition order holds as well.
type Outbox struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

type OutboxRecord struct {
	ID           int64
	PartitionKey string
	Intent       Intent
	CreatedAt    string
}

func (o Outbox) Append(ctx context.Context, partitionKey string, intent Intent) error {
	if o.Now == nil {
		o.Now = time.Now
	}
	if err := intent.Validate(); err != nil {
		return storeerr.Serialization("drain_intents", err)
	}
	data, err := marshalIntent(intent)
	if err != nil {
		return err
	}
	ts := o.Now().UTC().Format(time.RFC3339Nano)
	_, err = o.DB.ExecContext(ctx, o.Dialect.Rebind(`INSERT INTO drain_intents(partition_key,entity_type,operation,payload_json,created_at) VALUES (?,?,?,?,?)`),
		partitionKey, intent.EntityType, string(intent.Operation), string(data), ts)
	if err != nil {
		return storeerr.Connection("drain_intents", err)
	}
	return nil
}

// After returns up to limit records with id greater than cursor, oldest first.
func (o Outbox) After(ctx context.Context, cursor int64, limit int) ([]OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.DB.QueryContext(ctx, o.Dialect.Rebind(`SELECT id,partition_key,payload_json,created_at FROM drain_intents WHERE id>? ORDER BY id LIMIT ?`), cursor, limit)
	if err != nil {
		return nil, storeerr.Connection("drain_intents", err)
	}
	defer rows.Close()
	var res []OutboxRecord
	for rows.Next() {
		var (
			rec     OutboxRecord
			payload string
		)
		if err := rows.Scan(&rec.ID, &rec.PartitionKey, &payload, &rec.CreatedAt); err != nil {
			return nil, storeerr.Other("drain_intents", err)
		}
		if rec.Intent, err = decodeIntent([]byte(payload)); err != nil {
			return nil, fmt.Errorf("drain intent %d: %w", rec.ID, err)
		}
		res = append(res, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeerr.Other("drain_intents", err)
	}
	return res, nil
}
