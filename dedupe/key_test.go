//go:build unit

package dedupe

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FelipeAlvarezM0/streamforge/event"
)

func sampleEvent(t *testing.T) *event.CanonicalEvent {
	t.Helper()

	ev := &event.CanonicalEvent{
		EventID:       "evt-1",
		TenantID:      "tenant-a",
		Type:          event.TypeSale,
		Subject:       "order-42",
		PartitionKey:  "order-42",
		OccurredAt:    time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC),
		Payload:       json.RawMessage(`{"amount":10}`),
		Source:        event.DefaultSource,
		SchemaVersion: event.DefaultSchemaVersion,
		SpecVersion:   event.DefaultSpecVersion,
		CorrelationID: "corr-1",
	}

	hash, err := event.ComputeHash(ev)
	require.NoError(t, err)
	ev.Hash = hash

	return ev
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    Strategy
		wantErr bool
	}{
		{raw: "full", want: StrategyFull},
		{raw: "intent", want: StrategyIntent},
		{raw: "", want: StrategyIntent},
		{raw: "  Intent ", want: StrategyIntent},
		{raw: "FULL", want: StrategyFull},
		{raw: "token", wantErr: true},
		{raw: "content", wantErr: true},
	}

	for _, tc := range tests {
		got, err := ParseStrategy(tc.raw)
		if tc.wantErr {
			require.Error(t, err, tc.raw)
			continue
		}

		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

func TestKeyTokenPrecedence(t *testing.T) {
	t.Parallel()

	ev := sampleEvent(t)
	cfg := KeyConfig{Strategy: StrategyFull}

	withToken := Key(ev, "Order-42-Submit", cfg)
	withoutToken := Key(ev, "", cfg)

	assert.NotEqual(t, withToken, withoutToken, "token must override the content strategy")
	assert.Equal(t, withToken, Key(ev, "  order-42-submit  ", cfg),
		"token is trimmed and lowercased before hashing")
}

func TestKeyTokenIsTenantScoped(t *testing.T) {
	t.Parallel()

	first := sampleEvent(t)
	second := sampleEvent(t)
	second.TenantID = "tenant-b"

	cfg := KeyConfig{Strategy: StrategyIntent}

	assert.NotEqual(t, Key(first, "token-1", cfg), Key(second, "token-1", cfg))
}

func TestKeyFullStrategyUsesContentHash(t *testing.T) {
	t.Parallel()

	ev := sampleEvent(t)

	assert.Equal(t, ev.Hash, Key(ev, "", KeyConfig{Strategy: StrategyFull}))
}

func TestKeyIntentIgnoresOccurredAtByDefault(t *testing.T) {
	t.Parallel()

	first := sampleEvent(t)
	second := sampleEvent(t)
	second.OccurredAt = second.OccurredAt.Add(time.Hour)

	cfg := KeyConfig{Strategy: StrategyIntent}

	assert.Equal(t, Key(first, "", cfg), Key(second, "", cfg),
		"intent keys tolerate timestamp drift unless configured otherwise")

	cfg.IncludeOccurredAt = true

	assert.NotEqual(t, Key(first, "", cfg), Key(second, "", cfg))
}

func TestKeyIntentSensitivity(t *testing.T) {
	t.Parallel()

	base := sampleEvent(t)
	cfg := KeyConfig{Strategy: StrategyIntent}
	baseKey := Key(base, "", cfg)

	mutations := map[string]func(ev *event.CanonicalEvent){
		"tenant":         func(ev *event.CanonicalEvent) { ev.TenantID = "tenant-b" },
		"type":           func(ev *event.CanonicalEvent) { ev.Type = event.TypeRefund },
		"subject":        func(ev *event.CanonicalEvent) { ev.Subject = "order-43" },
		"partition key":  func(ev *event.CanonicalEvent) { ev.PartitionKey = "other" },
		"payload":        func(ev *event.CanonicalEvent) { ev.Payload = json.RawMessage(`{"amount":11}`) },
		"schema version": func(ev *event.CanonicalEvent) { ev.SchemaVersion = "2.0.0" },
	}

	for name, mutate := range mutations {
		mutated := sampleEvent(t)
		mutate(mutated)

		assert.NotEqual(t, baseKey, Key(mutated, "", cfg), name)
	}
}

func TestKeyIntentIgnoresIdentityFields(t *testing.T) {
	t.Parallel()

	first := sampleEvent(t)
	second := sampleEvent(t)
	second.EventID = "evt-2"
	second.CorrelationID = "corr-2"

	cfg := KeyConfig{Strategy: StrategyIntent}

	assert.Equal(t, Key(first, "", cfg), Key(second, "", cfg))
}
