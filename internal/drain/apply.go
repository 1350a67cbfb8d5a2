package drain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"switchline/internal/domain"
	"switchline/internal/storeerr"
)

// Target is the durable store an intent is replayed onto.
type Target interface {
	InsertAttempt(ctx context.Context, a domain.PaymentAttempt) (domain.PaymentAttempt, error)
	UpdateAttempt(ctx context.Context, orig domain.PaymentAttempt, u domain.AttemptUpdate, at time.Time, by domain.StorageScheme) (domain.PaymentAttempt, error)
	FindAttempt(ctx context.Context, id domain.Identifier) (domain.PaymentAttempt, error)
}

// Apply replays one intent. A duplicate insert counts as already applied only when the stored
// row is the same attempt, so a drainer can redeliver safely without hiding a conflicting insert.
func Apply(ctx context.Context, target Target, intent Intent) error {
	if err := intent.Validate(); err != nil {
		return err
	}
	switch intent.Operation {
	case OpInsert:
		want := *intent.Insertable
		_, err := target.InsertAttempt(ctx, want)
		if !errors.Is(err, storeerr.ErrDuplicateValue) {
			return err
		}
		stored, findErr := target.FindAttempt(ctx, domain.Identifier{Kind: domain.ByAttemptID, MerchantID: want.MerchantID, Value: want.AttemptID})
		if findErr != nil {
			return fmt.Errorf("replay insert of %s: %w", want.AttemptID, findErr)
		}
		if !sameInsert(stored, want) {
			return fmt.Errorf("replay insert of %s under payment %s: %w", want.AttemptID, want.PaymentID, err)
		}
		return nil
	case OpUpdate:
		mems := intent.Updatable
		u, err := mems.UpdateData.Decode()
		if err != nil {
			return storeerr.Serialization("drain", err)
		}
		if _, err := target.UpdateAttempt(ctx, mems.Orig, u, mems.At, mems.By); err != nil {
			return fmt.Errorf("replay %s on %s: %w", u.Kind(), mems.Orig.AttemptID, err)
		}
	}
	return nil
}

// sameInsert reports whether stored is the attempt want created. Later updates may have
// changed every other column, so only the owning payment is compared.
func sameInsert(stored, want domain.PaymentAttempt) bool {
	return stored.MerchantID == want.MerchantID && stored.PaymentID == want.PaymentID
}
