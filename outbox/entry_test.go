//go:build unit

package outbox

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntry(t *testing.T) {
	t.Parallel()

	entry, err := NewEntry("tenant-a", "pk-1", "events.main", json.RawMessage(`{"eventPk":"pk-1"}`))
	require.NoError(t, err)

	assert.Equal(t, "tenant-a", entry.TenantID)
	assert.Equal(t, "pk-1", entry.EventPk)
	assert.Equal(t, "events.main", entry.Queue)
	assert.Equal(t, StatusPending, entry.Status)
	assert.Zero(t, entry.Attempts)
	assert.False(t, entry.CreatedAt.IsZero())
}

func TestNewEntryValidation(t *testing.T) {
	t.Parallel()

	_, err := NewEntry("  ", "pk-1", "events.main", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrTenantRequired)

	_, err = NewEntry("tenant-a", "pk-1", "events.main", nil)
	require.ErrorIs(t, err, ErrPayloadEmpty)

	_, err = NewEntry("tenant-a", "pk-1", "events.main", json.RawMessage(`{"broken":`))
	require.ErrorIs(t, err, ErrPayloadNotJSON)
}

func TestTruncateError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", TruncateError("short"))

	long := strings.Repeat("x", ErrorMessageLimit+100)
	truncated := TruncateError(long)

	assert.Len(t, truncated, ErrorMessageLimit)
	assert.Equal(t, long[:ErrorMessageLimit], truncated)
}
