package apperrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		kind Kind
	}{
		{ErrAuthenticationFailed, KindAuth},
		{fmt.Errorf("wrapped: %w", ErrInsufficientFunds), KindValidation},
		{ErrInvalidSymbol, KindValidation},
		{ErrRateLimitExceeded, KindRateLimit},
		{ErrNetwork, KindTransient},
		{ErrExchangeMaintenance, KindTransient},
		{fmt.Errorf("some unclassified failure"), KindTransient},
	}

	for _, c := range cases {
		assert.Equal(t, c.kind, Classify(c.err), c.err)
	}
}

func TestClassifyNil(t *testing.T) {
	assert.Equal(t, KindUnknown, Classify(nil))
}
