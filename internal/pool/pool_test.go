package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/you/pgmcp/internal/errs"
)

func TestMinNonZero(t *testing.T) {
	assert.Equal(t, 5, minNonZero(5, 2))
	assert.Equal(t, 2, minNonZero(0, 2))
	assert.Equal(t, 2, minNonZero(-1, 2))
}

func TestContains(t *testing.T) {
	assert.True(t, contains("canceling statement due to statement timeout", "statement timeout"))
	assert.False(t, contains("short", "much longer needle"))
}

func TestUnregisteredDatabase(t *testing.T) {
	m := NewManager()
	_, ok := m.Get("missing")
	assert.False(t, ok)

	err := m.HealthCheck(context.Background(), "missing")
	pgErr, ok := errs.As(err)
	if assert.True(t, ok) {
		assert.Equal(t, errs.UnknownDatabase, pgErr.Code)
	}

	_, err = m.ExecuteReadOnly(context.Background(), "missing", "select 1", 5)
	pgErr, ok = errs.As(err)
	if assert.True(t, ok) {
		assert.Equal(t, errs.UnknownDatabase, pgErr.Code)
	}
}

func TestNamesEmpty(t *testing.T) {
	m := NewManager()
	assert.Empty(t, m.Names())
}
