// Package drain models replication intents for cache-originated writes and the append-only
// queues that carry them to the drainer.
package drain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"switchline/internal/domain"
	"switchline/internal/storeerr"
)

type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
)

const EntityPaymentAttempt = "payment_attempt"

// Intent describes one durable mutation. Updates carry the pre-image and the update
// descriptor, never only the merged result, so replay applies the same variant semantics.
type Intent struct {
	Operation  Operation              `json:"operation"`
	EntityType string                 `json:"entity_type"`
	Insertable *domain.PaymentAttempt `json:"insertable,omitempty"`
	Updatable  *AttemptUpdateMems     `json:"updatable,omitempty"`
}

type AttemptUpdateMems struct {
	Orig       domain.PaymentAttempt `json:"orig"`
	UpdateData domain.UpdateEnvelope `json:"update_data"`
	At         time.Time             `json:"at"`
	By         domain.StorageScheme  `json:"by"`
}

// Entry is the wire form of an intent on a queue.
type Entry struct {
	PartitionKey string    `json:"partition_key"`
	Intent       Intent    `json:"typed_sql"`
	PushedAt     time.Time `json:"pushed_at"`
}

// Queue is an append-only sequence of intents, ordered within a partition key.
type Queue interface {
	Append(ctx context.Context, partitionKey string, intent Intent) error
}

func AttemptInsert(a domain.PaymentAttempt) Intent {
	return Intent{Operation: OpInsert, EntityType: EntityPaymentAttempt, Insertable: &a}
}

func AttemptUpdate(orig domain.PaymentAttempt, u domain.AttemptUpdate, at time.Time, by domain.StorageScheme) (Intent, error) {
	env, err := domain.EncodeUpdate(u)
	if err != nil {
		return Intent{}, storeerr.Serialization("drain", err)
	}
	return Intent{
		Operation:  OpUpdate,
		EntityType: EntityPaymentAttempt,
		Updatable:  &AttemptUpdateMems{Orig: orig, UpdateData: env, At: at.UTC(), By: by},
	}, nil
}

func (i Intent) Validate() error {
	if i.EntityType != EntityPaymentAttempt {
		return fmt.Errorf("unsupported entity type %q", i.EntityType)
	}
	switch i.Operation {
	case OpInsert:
		if i.Insertable == nil {
			return fmt.Errorf("insert intent without payload")
		}
	case OpUpdate:
		if i.Updatable == nil {
			return fmt.Errorf("update intent without payload")
		}
	default:
		return fmt.Errorf("unknown operation %q", i.Operation)
	}
	return nil
}

func encodeEntry(partitionKey string, intent Intent, now time.Time) ([]byte, error) {
	if err := intent.Validate(); err != nil {
		return nil, storeerr.Serialization("drain", err)
	}
	data, err := json.Marshal(Entry{PartitionKey: partitionKey, Intent: intent, PushedAt: now.UTC()})
	if err != nil {
		return nil, storeerr.Serialization("drain", err)
	}
	return data, nil
}

func marshalIntent(intent Intent) ([]byte, error) {
	data, err := json.Marshal(intent)
	if err != nil {
		return nil, storeerr.Serialization("drain", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, storeerr.Serialization("drain", err)
	}
	return e, nil
}

func decodeIntent(data []byte) (Intent, error) {
	var i Intent
	if err := json.Unmarshal(data, &i); err != nil {
		return Intent{}, storeerr.Serialization("drain", err)
	}
	return i, nil
}
