// Package storeerr holds the canonical storage error taxonomy. Every backend (sql, redis, bolt,
// kafka) translates its native failures into these kinds at its boundary.
package storeerr

import (
	"errors"
	"strings"
)

type Kind int

const (
	KindOther Kind = iota
	KindNotFound
	KindDuplicateValue
	KindConnection
	KindSerialization
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindDuplicateValue:
		return "duplicate value"
	case KindConnection:
		return "connection error"
	case KindSerialization:
		return "serialization error"
	default:
		return "storage error"
	}
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrDuplicateValue = &Error{Kind: KindDuplicateValue}
	ErrConnection     = &Error{Kind: KindConnection}
	ErrSerialization  = &Error{Kind: KindSerialization}
)

type Error struct {
	Kind   Kind
	Entity string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Entity != "" {
		b.WriteString(e.Entity)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Key != "" {
		b.WriteString(" (")
		b.WriteString(e.Key)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return (t.Entity == "" || t.Entity == e.Entity) && (t.Key == "" || t.Key == e.Key)
}

func NotFound(entity, key string) error {
	return &Error{Kind: KindNotFound, Entity: entity, Key: key}
}

func Duplicate(entity, key string, err error) error {
	return &Error{Kind: KindDuplicateValue, Entity: entity, Key: key, Err: err}
}

func Connection(entity string, err error) error {
	return &Error{Kind: KindConnection, Entity: entity, Err: err}
}

func Serialization(entity string, err error) error {
	return &Error{Kind: KindSerialization, Entity: entity, Err: err}
}

func Other(entity string, err error) error {
	return &Error{Kind: KindOther, Entity: entity, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, KindOther if none.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindOther
}

// Retryable reports whether the caller may retry the identical operation.
func Retryable(err error) bool {
	return KindOf(err) == KindConnection
}
