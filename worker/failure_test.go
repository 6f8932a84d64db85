//go:build unit

package worker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyPassesThroughFailures(t *testing.T) {
	t.Parallel()

	failure := NewFailure(ReasonUnsupportedEventType, false, "unsupported event type: AUDIT")

	classified := Classify(failure)
	assert.Same(t, failure, classified)
}

func TestClassifyUnwrapsFailures(t *testing.T) {
	t.Parallel()

	failure := NewFailure(ReasonInvalidPaymentPayload, false, "no amount")
	wrapped := fmt.Errorf("applying effect: %w", failure)

	classified := Classify(wrapped)
	require.NotNil(t, classified)
	assert.Equal(t, ReasonInvalidPaymentPayload, classified.ReasonCode)
	assert.False(t, classified.Retryable)
}

func TestClassifyDefaultsToTransient(t *testing.T) {
	t.Parallel()

	classified := Classify(errors.New("connection refused"))
	assert.Equal(t, ReasonTransientError, classified.ReasonCode)
	assert.True(t, classified.Retryable)
	assert.Equal(t, "connection refused", classified.Message)

	classified = Classify(nil)
	assert.Equal(t, ReasonTransientError, classified.ReasonCode)
	assert.True(t, classified.Retryable)
}
