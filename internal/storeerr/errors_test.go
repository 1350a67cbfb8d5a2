package storeerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"switchline/internal/storeerr"
)

func TestKindMatching(t *testing.T) {
	err := fmt.Errorf("insert attempt: %w", storeerr.Duplicate("payment_attempt", "pa_A1", nil))

	assert.ErrorIs(t, err, storeerr.ErrDuplicateValue)
	assert.NotErrorIs(t, err, storeerr.ErrNotFound)
	assert.ErrorIs(t, err, &storeerr.Error{Kind: storeerr.KindDuplicateValue, Entity: "payment_attempt"})
	assert.NotErrorIs(t, err, &storeerr.Error{Kind: storeerr.KindDuplicateValue, Entity: "reverse_lookup"})
	assert.Equal(t, storeerr.KindDuplicateValue, storeerr.KindOf(err))
	assert.False(t, storeerr.Retryable(err))
}

func TestConnectionIsRetryable(t *testing.T) {
	err := storeerr.Connection("redis", errors.New("dial tcp: refused"))
	assert.True(t, storeerr.Retryable(err))
	assert.Equal(t, "redis: connection error: dial tcp: refused", err.Error())
	assert.Equal(t, storeerr.KindOther, storeerr.KindOf(errors.New("plain")))
}
