package resultval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeDefaultIsValid(t *testing.T) {
	assert.True(t, safeDefault.IsValid)
	assert.Equal(t, 0.5, safeDefault.Confidence)
}
