package router

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"switchline/internal/domain"
	"switchline/internal/drain"
	"switchline/internal/kv"
	"switchline/internal/logger"
	"switchline/internal/metrics"
	"switchline/internal/storeerr"
)

const entityAttempt = "payment_attempt"

// cachePath writes to the cache first and hands durability to the drainer through the drain
// queue. Reads never fill the cache.
//
// Updates overwrite the cached field without a version check, so two concurrent updates of
// the same attempt resolve last-writer-wins in the cache; the durable store converges once
// both intents are drained.
type cachePath struct {
	durable DurableStore
	cache   kv.Cache
	index   LookupIndex
	queue   drain.Queue
	now     func() time.Time
}

func (c cachePath) InsertAttempt(ctx context.Context, n domain.AttemptNew) (domain.PaymentAttempt, error) {
	if err := n.Validate(); err != nil {
		return domain.PaymentAttempt{}, err
	}
	a := n.Build(c.now(), domain.SchemeCacheFirst)
	data, err := encodeAttempt(a)
	if err != nil {
		return domain.PaymentAttempt{}, err
	}
	key, field := a.Key(), a.Field()
	set, err := c.cache.SetFieldIfAbsent(ctx, key, field, data)
	if err != nil {
		metrics.CacheOperations.WithLabelValues("set_if_absent", "error").Inc()
		if set {
			c.undoInsert(ctx, a, nil)
		}
		return domain.PaymentAttempt{}, err
	}
	if !set {
		metrics.CacheOperations.WithLabelValues("set_if_absent", "duplicate").Inc()
		return domain.PaymentAttempt{}, storeerr.Duplicate(entityAttempt, key+"/"+field, nil)
	}
	metrics.CacheOperations.WithLabelValues("set_if_absent", "ok").Inc()

	lookup, err := c.claimAttemptID(ctx, a)
	if err != nil {
		c.undoInsert(ctx, a, nil)
		return domain.PaymentAttempt{}, err
	}
	if err := c.push(ctx, a, drain.AttemptInsert(a)); err != nil {
		c.undoInsert(ctx, a, lookup)
		return domain.PaymentAttempt{}, err
	}
	return a, nil
}

// claimAttemptID indexes the attempt id of a freshly cached attempt. The id is unique per
// merchant, so an entry pointing at another payment's attempt makes the insert a duplicate.
// The returned lookup is non-nil only when this call created it.
func (c cachePath) claimAttemptID(ctx context.Context, a domain.PaymentAttempt) (*domain.ReverseLookup, error) {
	rl := c.lookupFor(domain.ByAttemptID, a, a.AttemptID)
	inserted, err := c.index.InsertReverseLookup(ctx, rl)
	if err != nil {
		return nil, err
	}
	if inserted {
		return &rl, nil
	}
	existing, err := c.index.GetReverseLookup(ctx, rl.LookupID)
	if err != nil {
		return nil, err
	}
	if existing.PkID != rl.PkID || existing.SkID != rl.SkID {
		return nil, storeerr.Duplicate(entityAttempt, a.MerchantID+"/"+a.AttemptID, nil)
	}
	return nil, nil
}

// undoInsert removes what a failed insert left behind so the caller can retry it. Cleanup
// runs even when ctx is already cancelled.
func (c cachePath) undoInsert(ctx context.Context, a domain.PaymentAttempt, lookup *domain.ReverseLookup) {
	ctx = context.WithoutCancel(ctx)
	if lookup != nil {
		if err := c.index.DeleteReverseLookup(ctx, *lookup); err != nil {
			logger.Logger.Error().Err(err).Str("lookup_id", lookup.LookupID).Msg("failed to remove reverse lookup of rejected insert")
		}
	}
	if err := c.cache.DeleteField(ctx, a.Key(), a.Field()); err != nil {
		metrics.CacheOperations.WithLabelValues("delete", "error").Inc()
		logger.Logger.Error().Err(err).Str("attempt_id", a.AttemptID).Msg("failed to remove cached attempt of rejected insert")
		return
	}
	metrics.CacheOperations.WithLabelValues("delete", "ok").Inc()
}

func (c cachePath) UpdateAttempt(ctx context.Context, this domain.PaymentAttempt, u domain.AttemptUpdate) (domain.PaymentAttempt, error) {
	at := c.now()
	merged := domain.ApplyUpdate(this, u, at, domain.SchemeCacheFirst)
	data, err := encodeAttempt(merged)
	if err != nil {
		return domain.PaymentAttempt{}, err
	}
	if err := c.cache.SetField(ctx, merged.Key(), merged.Field(), data); err != nil {
		metrics.CacheOperations.WithLabelValues("set", "error").Inc()
		return domain.PaymentAttempt{}, err
	}
	metrics.CacheOperations.WithLabelValues("set", "ok").Inc()

	if v, ok := newValue(this.ConnectorTransactionID, merged.ConnectorTransactionID); ok {
		if err := c.addLookup(ctx, domain.ByConnectorTransactionID, merged, v); err != nil {
			return domain.PaymentAttempt{}, err
		}
	}
	if v, ok := newValue(this.PreprocessingStepID, merged.PreprocessingStepID); ok {
		if err := c.addLookup(ctx, domain.ByPreprocessingID, merged, v); err != nil {
			return domain.PaymentAttempt{}, err
		}
	}

	intent, err := drain.AttemptUpdate(this, u, at, domain.SchemeCacheFirst)
	if err != nil {
		return domain.PaymentAttempt{}, err
	}
	if err := c.push(ctx, merged, intent); err != nil {
		return domain.PaymentAttempt{}, err
	}
	return merged, nil
}

func (c cachePath) FindAttempt(ctx context.Context, id domain.Identifier) (domain.PaymentAttempt, error) {
	if err := id.Validate(); err != nil {
		return domain.PaymentAttempt{}, err
	}
	rl, err := c.index.GetReverseLookup(ctx, id.LookupID())
	if errors.Is(err, storeerr.ErrNotFound) {
		return c.fallback(ctx, id, "lookup_miss")
	}
	if err != nil {
		return domain.PaymentAttempt{}, err
	}
	data, err := c.cache.GetField(ctx, rl.PkID, rl.SkID)
	if errors.Is(err, storeerr.ErrNotFound) {
		metrics.CacheOperations.WithLabelValues("get", "miss").Inc()
		return c.fallback(ctx, id, "cache_miss")
	}
	if err != nil {
		metrics.CacheOperations.WithLabelValues("get", "error").Inc()
		return domain.PaymentAttempt{}, err
	}
	metrics.CacheOperations.WithLabelValues("get", "hit").Inc()
	a, err := decodeAttempt(data)
	if err != nil {
		return domain.PaymentAttempt{}, err
	}
	if id.PaymentID != "" && a.PaymentID != id.PaymentID {
		return c.fallback(ctx, id, "payment_mismatch")
	}
	return a, nil
}

func (c cachePath) fallback(ctx context.Context, id domain.Identifier, reason string) (domain.PaymentAttempt, error) {
	metrics.DurableFallbacks.WithLabelValues(reason).Inc()
	logger.Logger.Debug().Str("identifier", id.String()).Str("reason", reason).Msg("reading payment attempt from durable store")
	return c.durable.FindAttempt(ctx, id)
}

func (c cachePath) ListAttemptsByPayment(ctx context.Context, merchantID, paymentID string) ([]domain.PaymentAttempt, error) {
	cached, err := c.scan(ctx, merchantID, paymentID)
	if err != nil {
		return nil, err
	}
	if len(cached) > 0 {
		return cached, nil
	}
	metrics.DurableFallbacks.WithLabelValues("scan_empty").Inc()
	return c.durable.ListAttemptsByPayment(ctx, merchantID, paymentID)
}

func (c cachePath) FindLastSuccessfulAttempt(ctx context.Context, merchantID, paymentID string) (domain.PaymentAttempt, error) {
	cached, err := c.scan(ctx, merchantID, paymentID)
	if err != nil {
		return domain.PaymentAttempt{}, err
	}
	if len(cached) == 0 {
		metrics.DurableFallbacks.WithLabelValues("scan_empty").Inc()
		return c.durable.FindLastSuccessfulAttempt(ctx, merchantID, paymentID)
	}
	for i := len(cached) - 1; i >= 0; i-- {
		if cached[i].Status.IsSuccessful() {
			return cached[i], nil
		}
	}
	return domain.PaymentAttempt{}, storeerr.NotFound(entityAttempt, paymentID)
}

// scan returns the cached attempts of a payment ordered by creation.
func (c cachePath) scan(ctx context.Context, merchantID, paymentID string) ([]domain.PaymentAttempt, error) {
	values, err := c.cache.ScanFields(ctx, domain.AttemptKey(merchantID, paymentID), domain.AttemptFieldPattern)
	if err != nil {
		metrics.CacheOperations.WithLabelValues("scan", "error").Inc()
		return nil, err
	}
	metrics.CacheOperations.WithLabelValues("scan", "ok").Inc()
	attempts := make([]domain.PaymentAttempt, 0, len(values))
	for _, v := range values {
		a, err := decodeAttempt(v)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	sort.SliceStable(attempts, func(i, j int) bool {
		if attempts[i].CreatedAt.Equal(attempts[j].CreatedAt) {
			return attempts[i].AttemptID < attempts[j].AttemptID
		}
		return attempts[i].CreatedAt.Before(attempts[j].CreatedAt)
	})
	return attempts, nil
}

// addLookup indexes value as an identifier of a. An existing entry for the same value keeps
// its original mapping.
func (c cachePath) addLookup(ctx context.Context, kind domain.IdentifierKind, a domain.PaymentAttempt, value string) error {
	rl := c.lookupFor(kind, a, value)
	inserted, err := c.index.InsertReverseLookup(ctx, rl)
	if err != nil {
		return err
	}
	if !inserted {
		logger.Logger.Debug().Str("lookup_id", rl.LookupID).Msg("reverse lookup already present, keeping original mapping")
	}
	return nil
}

func (c cachePath) lookupFor(kind domain.IdentifierKind, a domain.PaymentAttempt, value string) domain.ReverseLookup {
	return domain.ReverseLookup{
		LookupID:  domain.LookupID(kind, a.MerchantID, value),
		PkID:      a.Key(),
		SkID:      a.Field(),
		Source:    domain.LookupSourcePaymentAttempt,
		UpdatedBy: string(domain.SchemeCacheFirst),
	}
}

func (c cachePath) push(ctx context.Context, a domain.PaymentAttempt, intent drain.Intent) error {
	if err := c.queue.Append(ctx, a.Key(), intent); err != nil {
		logger.Logger.Error().Err(err).Str("attempt_id", a.AttemptID).Str("operation", string(intent.Operation)).
			Msg("failed to push drain intent")
		return err
	}
	metrics.DrainIntents.WithLabelValues(string(intent.Operation)).Inc()
	return nil
}

// newValue reports the value of next when it is set and differs from prev.
func newValue(prev, next *string) (string, bool) {
	if next == nil || *next == "" {
		return "", false
	}
	if prev != nil && *prev == *next {
		return "", false
	}
	return *next, true
}

func encodeAttempt(a domain.PaymentAttempt) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, storeerr.Serialization(entityAttempt, err)
	}
	return data, nil
}

func decodeAttempt(data []byte) (domain.PaymentAttempt, error) {
	var a domain.PaymentAttempt
	if err := json.Unmarshal(data, &a); err != nil {
		return domain.PaymentAttempt{}, storeerr.Serialization(entityAttempt, err)
	}
	return a, nil
}
