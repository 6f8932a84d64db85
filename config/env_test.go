//go:build unit

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetenvOrDefault(t *testing.T) {
	t.Setenv("STREAMFORGE_TEST_STR", "  value  ")

	assert.Equal(t, "value", GetenvOrDefault("STREAMFORGE_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", GetenvOrDefault("STREAMFORGE_TEST_MISSING", "fallback"))

	t.Setenv("STREAMFORGE_TEST_STR", "   ")
	assert.Equal(t, "fallback", GetenvOrDefault("STREAMFORGE_TEST_STR", "fallback"))
}

func TestGetenvIntOrDefault(t *testing.T) {
	t.Setenv("STREAMFORGE_TEST_INT", "42")
	assert.Equal(t, int64(42), GetenvIntOrDefault("STREAMFORGE_TEST_INT", 7))

	t.Setenv("STREAMFORGE_TEST_INT", "not-a-number")
	assert.Equal(t, int64(7), GetenvIntOrDefault("STREAMFORGE_TEST_INT", 7))

	assert.Equal(t, int64(7), GetenvIntOrDefault("STREAMFORGE_TEST_MISSING", 7))
}

func TestGetenvFloatOrDefault(t *testing.T) {
	t.Setenv("STREAMFORGE_TEST_FLOAT", "0.5")
	assert.InDelta(t, 0.5, GetenvFloatOrDefault("STREAMFORGE_TEST_FLOAT", 1), 1e-9)

	t.Setenv("STREAMFORGE_TEST_FLOAT", "half")
	assert.InDelta(t, 1.0, GetenvFloatOrDefault("STREAMFORGE_TEST_FLOAT", 1), 1e-9)
}

func TestGetenvBoolOrDefault(t *testing.T) {
	truthy := []string{"1", "true", "TRUE", "yes", "on"}
	for _, value := range truthy {
		t.Setenv("STREAMFORGE_TEST_BOOL", value)
		assert.True(t, GetenvBoolOrDefault("STREAMFORGE_TEST_BOOL", false), value)
	}

	falsy := []string{"0", "false", "no", "OFF"}
	for _, value := range falsy {
		t.Setenv("STREAMFORGE_TEST_BOOL", value)
		assert.False(t, GetenvBoolOrDefault("STREAMFORGE_TEST_BOOL", true), value)
	}

	t.Setenv("STREAMFORGE_TEST_BOOL", "maybe")
	assert.True(t, GetenvBoolOrDefault("STREAMFORGE_TEST_BOOL", true))
}

func TestGetenvCSVOrDefault(t *testing.T) {
	t.Setenv("STREAMFORGE_TEST_CSV", " a, b ,, c ")
	assert.Equal(t, []string{"a", "b", "c"}, GetenvCSVOrDefault("STREAMFORGE_TEST_CSV", nil))

	assert.Nil(t, GetenvCSVOrDefault("STREAMFORGE_TEST_MISSING", nil))
	assert.Equal(t, []string{"x"}, GetenvCSVOrDefault("STREAMFORGE_TEST_MISSING", []string{"x"}))
}
