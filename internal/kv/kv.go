// Package kv is the cache layer: per-key hashes of fields with an atomic set-if-absent.
package kv

import (
	"context"
)

// Cache stores values as fields of a hash addressed by key. A missing field reads as
// storeerr.ErrNotFound; transport failures are storeerr.ErrConnection.
type Cache interface {
	// SetFieldIfAbsent writes value only when field does not exist yet and reports
	// whether it wrote.
	SetFieldIfAbsent(ctx context.Context, key, field string, value []byte) (bool, error)
	SetField(ctx context.Context, key, field string, value []byte) error
	GetField(ctx context.Context, key, field string) ([]byte, error)
	// DeleteField removes field. A missing field is not an error.
	DeleteField(ctx context.Context, key, field string) error
	// ScanFields returns the values of every field matching the glob pattern.
	ScanFields(ctx context.Context, key, pattern string) ([][]byte, error)
	Close() error
}
