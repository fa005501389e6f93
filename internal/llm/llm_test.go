package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"rate limit exceeded", true},
		{"429 too many requests", true},
		{"request timeout", true},
		{"500 internal server error", true},
		{"authentication failed: invalid api key", false},
		{"invalid_request_error: unknown model", false},
		{"some unexpected error", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsRetryable(errors.New(tc.msg)), tc.msg)
	}
}
