// Package router routes payment-attempt reads and writes to the durable store or through the
// cache, depending on the merchant's storage scheme.
package router

import (
	"context"
	"fmt"
	"time"

	"switchline/internal/domain"
	"switchline/internal/drain"
	"switchline/internal/kv"
)

// AttemptStore is the storage contract callers use. Implementations never expose which
// scheme served the call.
type AttemptStore interface {
	InsertAttempt(ctx context.Context, n domain.AttemptNew) (domain.PaymentAttempt, error)
	UpdateAttempt(ctx context.Context, this domain.PaymentAttempt, u domain.AttemptUpdate) (domain.PaymentAttempt, error)
	FindAttempt(ctx context.Context, id domain.Identifier) (domain.PaymentAttempt, error)
	ListAttemptsByPayment(ctx context.Context, merchantID, paymentID string) ([]domain.PaymentAttempt, error)
	FindLastSuccessfulAttempt(ctx context.Context, merchantID, paymentID string) (domain.PaymentAttempt, error)
}

// DurableStore is the relational record store.
type DurableStore interface {
	InsertAttempt(ctx context.Context, a domain.PaymentAttempt) (domain.PaymentAttempt, error)
	UpdateAttempt(ctx context.Context, orig domain.PaymentAttempt, u domain.AttemptUpdate, at time.Time, by domain.StorageScheme) (domain.PaymentAttempt, error)
	FindAttempt(ctx context.Context, id domain.Identifier) (domain.PaymentAttempt, error)
	ListAttemptsByPayment(ctx context.Context, merchantID, paymentID string) ([]domain.PaymentAttempt, error)
	FindLastSuccessfulAttempt(ctx context.Context, merchantID, paymentID string) (domain.PaymentAttempt, error)
}

// LookupIndex is the reverse-lookup index.
type LookupIndex interface {
	InsertReverseLookup(ctx context.Context, rl domain.ReverseLookup) (bool, error)
	GetReverseLookup(ctx context.Context, lookupID string) (domain.ReverseLookup, error)
	DeleteReverseLookup(ctx context.Context, rl domain.ReverseLookup) error
}

// SchemeResolver picks the storage scheme of a merchant.
type SchemeResolver interface {
	SchemeFor(merchantID string) domain.StorageScheme
}

// StaticSchemes resolves schemes from configuration.
type StaticSchemes struct {
	Default   domain.StorageScheme
	Merchants map[string]domain.StorageScheme
}

func (s StaticSchemes) SchemeFor(merchantID string) domain.StorageScheme {
	if scheme, ok := s.Merchants[merchantID]; ok {
		return scheme
	}
	if s.Default == "" {
		return domain.SchemeDurableOnly
	}
	return s.Default
}

type Options struct {
	Durable DurableStore
	Cache   kv.Cache
	Index   LookupIndex
	Drain   drain.Queue
	Schemes SchemeResolver
	Now     func() time.Time
}

// Router dispatches every call to the path of the merchant's scheme.
type Router struct {
	schemes SchemeResolver
	paths   map[domain.StorageScheme]AttemptStore
}

var _ AttemptStore = (*Router)(nil)

// New builds a router. The cache-first path is only available when a cache, an index and a
// drain queue are configured; merchants resolved to it otherwise fail on use.
func New(opts Options) *Router {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	schemes := opts.Schemes
	if schemes == nil {
		schemes = StaticSchemes{Default: domain.SchemeDurableOnly}
	}
	r := &Router{
		schemes: schemes,
		paths: map[domain.StorageScheme]AttemptStore{
			domain.SchemeDurableOnly: durablePath{store: opts.Durable, now: now},
		},
	}
	if opts.Cache != nil && opts.Index != nil && opts.Drain != nil {
		r.paths[domain.SchemeCacheFirst] = cachePath{
			durable: opts.Durable,
			cache:   opts.Cache,
			index:   opts.Index,
			queue:   opts.Drain,
			now:     now,
		}
	}
	return r
}

// Scheme returns the scheme that serves the merchant.
func (r *Router) Scheme(merchantID string) domain.StorageScheme {
	return r.schemes.SchemeFor(merchantID)
}

func (r *Router) pathFor(merchantID string) (AttemptStore, error) {
	scheme := r.schemes.SchemeFor(merchantID)
	p, ok := r.paths[scheme]
	if !ok {
		return nil, fmt.Errorf("storage scheme %s is not configured (merchant %s)", scheme, merchantID)
	}
	return p, nil
}

func (r *Router) InsertAttempt(ctx context.Context, n domain.AttemptNew) (domain.PaymentAttempt, error) {
	p, err := r.pathFor(n.MerchantID)
	if err != nil {
		return domain.PaymentAttempt{}, err
	}
	return p.InsertAttempt(ctx, n)
}

func (r *Router) UpdateAttempt(ctx context.Context, this domain.PaymentAttempt, u domain.AttemptUpdate) (domain.PaymentAttempt, error) {
	p, err := r.pathFor(this.MerchantID)
	if err != nil {
		return domain.PaymentAttempt{}, err
	}
	return p.UpdateAttempt(ctx, this, u)
}

func (r *Router) FindAttempt(ctx context.Context, id domain.Identifier) (domain.PaymentAttempt, error) {
	p, err := r.pathFor(id.MerchantID)
	if err != nil {
		return domain.PaymentAttempt{}, err
	}
	return p.FindAttempt(ctx, id)
}

func (r *Router) ListAttemptsByPayment(ctx context.Context, merchantID, paymentID string) ([]domain.PaymentAttempt, error) {
	p, err := r.pathFor(merchantID)
	if err != nil {
		return nil, err
	}
	return p.ListAttemptsByPayment(ctx, merchantID, paymentID)
}

func (r *Router) FindLastSuccessfulAttempt(ctx context.Context, merchantID, paymentID string) (domain.PaymentAttempt, error) {
	p, err := r.pathFor(merchantID)
	if err != nil {
		return domain.PaymentAttempt{}, err
	}
	return p.FindLastSuccessfulAttempt(ctx, merchantID, paymentID)
}

// durablePath passes straight through to the record store.
type durablePath struct {
	store DurableStore
	now   func() time.Time
}

func (d durablePath) InsertAttempt(ctx context.Context, n domain.AttemptNew) (domain.PaymentAttempt, error) {
	if err := n.Validate(); err != nil {
		return domain.PaymentAttempt{}, err
	}
	return d.store.InsertAttempt(ctx, n.Build(d.now(), domain.SchemeDurableOnly))
}

func (d durablePath) UpdateAttempt(ctx context.Context, this domain.PaymentAttempt, u domain.AttemptUpdate) (domain.PaymentAttempt, error) {
	return d.store.UpdateAttempt(ctx, this, u, d.now(), domain.SchemeDurableOnly)
}

func (d durablePath) FindAttempt(ctx context.Context, id domain.Identifier) (domain.PaymentAttempt, error) {
	return d.store.FindAttempt(ctx, id)
}

func (d durablePath) ListAttemptsByPayment(ctx context.Context, merchantID, paymentID string) ([]domain.PaymentAttempt, error) {
	return d.store.ListAttemptsByPayment(ctx, merchantID, paymentID)
}

func (d durablePath) FindLastSuccessfulAttempt(ctx context.Context, merchantID, paymentID string) (domain.PaymentAttempt, error) {
	return d.store.FindLastSuccessfulAttempt(ctx, merchantID, paymentID)
}
