package types_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/entitle/types"
)

func TestNewEntity(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	e := types.NewEntity(now)

	assert.Equal(t, time.UTC, e.CreatedAt.Location())
	assert.True(t, e.CreatedAt.Equal(now))
	assert.Equal(t, e.CreatedAt, e.UpdatedAt)
}

func TestTouchAndStale(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	e := types.NewEntity(start)

	later := start.Add(48 * time.Hour)
	assert.True(t, e.IsStale(later, 24*time.Hour))
	assert.Equal(t, 48*time.Hour, e.Age(later))

	e.Touch(later)
	assert.False(t, e.IsStale(later, 24*time.Hour))
	assert.True(t, e.CreatedAt.Before(e.UpdatedAt))
}
