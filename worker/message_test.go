//go:build unit

package worker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMessageBody(t *testing.T, mutate func(m map[string]any)) []byte {
	t.Helper()

	msg := map[string]any{
		"eventPk":       "pk-1",
		"tenantId":      "tenant-a",
		"eventId":       "evt-1",
		"type":          "SALE",
		"subject":       "order-42",
		"partitionKey":  "order-42",
		"occurredAt":    "2026-01-15T10:30:00Z",
		"payload":       map[string]any{"amount": 10},
		"source":        "api",
		"schemaVersion": "1.0.0",
		"specVersion":   "1.0",
		"hash":          "abc123",
		"correlationId": "corr-1",
	}

	if mutate != nil {
		mutate(msg)
	}

	body, err := json.Marshal(msg)
	require.NoError(t, err)

	return body
}

func TestDecodeMessage(t *testing.T) {
	t.Parallel()

	msg, err := DecodeMessage(validMessageBody(t, nil))
	require.NoError(t, err)

	assert.Equal(t, "pk-1", msg.EventPk)
	assert.Equal(t, "tenant-a", msg.TenantID)
	assert.Equal(t, "SALE", msg.Type)
	assert.Equal(t, "corr-1", msg.CorrelationID)
	assert.JSONEq(t, `{"amount":10}`, string(msg.Payload))
}

func TestDecodeMessageSpecVersionOptional(t *testing.T) {
	t.Parallel()

	_, err := DecodeMessage(validMessageBody(t, func(m map[string]any) {
		delete(m, "specVersion")
	}))
	require.NoError(t, err)
}

func TestDecodeMessageRejectsDefects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{name: "missing eventPk", mutate: func(m map[string]any) { delete(m, "eventPk") }},
		{name: "missing tenant", mutate: func(m map[string]any) { delete(m, "tenantId") }},
		{name: "missing type", mutate: func(m map[string]any) { delete(m, "type") }},
		{name: "missing hash", mutate: func(m map[string]any) { delete(m, "hash") }},
		{name: "missing correlation", mutate: func(m map[string]any) { delete(m, "correlationId") }},
		{name: "bad occurredAt", mutate: func(m map[string]any) { m["occurredAt"] = "last tuesday" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := DecodeMessage(validMessageBody(t, tc.mutate))
			require.Error(t, err)

			failure := Classify(err)
			assert.Equal(t, ReasonInvalidEnvelope, failure.ReasonCode)
			assert.False(t, failure.Retryable)
		})
	}
}

func TestDecodeMessageMalformedBody(t *testing.T) {
	t.Parallel()

	_, err := DecodeMessage([]byte(`{not json`))
	require.Error(t, err)

	failure := Classify(err)
	assert.Equal(t, ReasonInvalidEnvelope, failure.ReasonCode)
	assert.False(t, failure.Retryable)
}
