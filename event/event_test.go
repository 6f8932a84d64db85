//go:build unit

package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAppliesAliasesAndDefaults(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"eventType": "SALE",
		"entityId": "order-42",
		"occurredAt": "2026-01-15T10:30:00Z",
		"payload": {"amount": 99.5}
	}`)

	ev, err := Normalize(raw, "tenant-a", "corr-1")
	require.NoError(t, err)

	assert.Equal(t, "SALE", ev.Type)
	assert.Equal(t, "order-42", ev.Subject)
	assert.Equal(t, "order-42", ev.PartitionKey, "partition key falls back to subject")
	assert.Equal(t, DefaultSource, ev.Source)
	assert.Equal(t, DefaultSchemaVersion, ev.SchemaVersion)
	assert.Equal(t, DefaultSpecVersion, ev.SpecVersion)
	assert.Equal(t, "tenant-a", ev.TenantID)
	assert.Equal(t, "corr-1", ev.CorrelationID)
	assert.NotEmpty(t, ev.EventID, "event id is generated when absent")
	assert.NotEmpty(t, ev.Hash)
}

func TestNormalizePrefersCanonicalFieldNames(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"type": "INVOICE",
		"eventType": "SALE",
		"subject": "inv-1",
		"entityId": "ignored",
		"partitionKey": "pk-7",
		"occurredAt": "2026-01-15T10:30:00Z",
		"payload": {}
	}`)

	ev, err := Normalize(raw, "tenant-a", "corr-1")
	require.NoError(t, err)

	assert.Equal(t, "SALE", ev.Type, "eventType wins over type")
	assert.Equal(t, "inv-1", ev.Subject, "subject wins over entityId")
	assert.Equal(t, "pk-7", ev.PartitionKey)
}

func TestNormalizeValidation(t *testing.T) {
	t.Parallel()

	valid := `{"type":"SALE","subject":"s","occurredAt":"2026-01-15T10:30:00Z","payload":{}}`

	tests := []struct {
		name          string
		raw           string
		tenantID      string
		correlationID string
	}{
		{name: "malformed json", raw: `{`, tenantID: "t", correlationID: "c"},
		{name: "missing tenant", raw: valid, tenantID: "  ", correlationID: "c"},
		{name: "missing correlation id", raw: valid, tenantID: "t", correlationID: ""},
		{name: "missing type", raw: `{"subject":"s","occurredAt":"2026-01-15T10:30:00Z"}`, tenantID: "t", correlationID: "c"},
		{name: "missing subject", raw: `{"type":"SALE","occurredAt":"2026-01-15T10:30:00Z"}`, tenantID: "t", correlationID: "c"},
		{name: "missing payload", raw: `{"type":"SALE","subject":"s","occurredAt":"2026-01-15T10:30:00Z"}`, tenantID: "t", correlationID: "c"},
		{name: "bad occurredAt", raw: `{"type":"SALE","subject":"s","occurredAt":"yesterday"}`, tenantID: "t", correlationID: "c"},
		{name: "payload not json", raw: `{"type":"SALE","subject":"s","occurredAt":"2026-01-15T10:30:00Z","payload":{"a":}}`, tenantID: "t", correlationID: "c"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := Normalize([]byte(tc.raw), tc.tenantID, tc.correlationID)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCanonicalizePayloadSortsKeysRecursively(t *testing.T) {
	t.Parallel()

	canonical, err := CanonicalizePayload(json.RawMessage(`{"b": {"z": 1, "a": [2, {"y": 3, "x": 4}]}, "a": "v"}`))
	require.NoError(t, err)

	assert.Equal(t, `{"a":"v","b":{"a":[2,{"x":4,"y":3}],"z":1}}`, string(canonical))
}

func TestCanonicalizePayloadPreservesNumericLiterals(t *testing.T) {
	t.Parallel()

	canonical, err := CanonicalizePayload(json.RawMessage(`{"big": 90071992547409923, "dec": 0.10}`))
	require.NoError(t, err)

	assert.Equal(t, `{"big":90071992547409923,"dec":0.10}`, string(canonical))
}

func TestCanonicalizePayloadEmptyBecomesNull(t *testing.T) {
	t.Parallel()

	canonical, err := CanonicalizePayload(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(canonical))
}

func TestComputeHashIgnoresKeyOrderAndIdentity(t *testing.T) {
	t.Parallel()

	first, err := Normalize([]byte(`{
		"eventId": "id-1",
		"type": "SALE",
		"subject": "order-42",
		"occurredAt": "2026-01-15T10:30:00Z",
		"payload": {"amount": 10, "currency": "EUR"}
	}`), "tenant-a", "corr-1")
	require.NoError(t, err)

	second, err := Normalize([]byte(`{
		"eventId": "id-2",
		"type": "SALE",
		"subject": "order-42",
		"occurredAt": "2026-01-15T10:30:00Z",
		"payload": {"currency": "EUR", "amount": 10}
	}`), "tenant-a", "corr-2")
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.Hash, "eventId, correlationId and key order must not affect the hash")
}

func TestComputeHashDistinguishesContent(t *testing.T) {
	t.Parallel()

	base := &CanonicalEvent{
		TenantID:      "tenant-a",
		Type:          "SALE",
		Subject:       "order-42",
		PartitionKey:  "order-42",
		OccurredAt:    time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC),
		Payload:       json.RawMessage(`{"amount":10}`),
		Source:        DefaultSource,
		SchemaVersion: DefaultSchemaVersion,
		SpecVersion:   DefaultSpecVersion,
	}

	baseHash, err := ComputeHash(base)
	require.NoError(t, err)

	changed := *base
	changed.Payload = json.RawMessage(`{"amount":11}`)

	changedHash, err := ComputeHash(&changed)
	require.NoError(t, err)

	assert.NotEqual(t, baseHash, changedHash)
}

func TestFormatTimestampNormalizesToUTC(t *testing.T) {
	t.Parallel()

	zone := time.FixedZone("CET", 3600)
	at := time.Date(2026, 1, 15, 11, 30, 0, 0, zone)

	assert.Equal(t, "2026-01-15T10:30:00Z", FormatTimestamp(at))
}

func TestSupportedType(t *testing.T) {
	t.Parallel()

	for _, eventType := range []string{TypeSale, TypeInvoice, TypePayment, TypeRefund, TypeShipment} {
		assert.True(t, SupportedType(eventType), eventType)
	}

	assert.False(t, SupportedType("AUDIT"))
	assert.False(t, SupportedType("sale"), "type matching is case sensitive")
}
