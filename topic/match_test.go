package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		topic  string
		want   bool
	}{
		{"exact literal", "sensors/room1/temperature", "sensors/room1/temperature", true},
		{"literal mismatch", "sensors/room1/temperature", "sensors/room2/temperature", false},
		{"single-level wildcard", "sensors/+/temperature", "sensors/room1/temperature", true},
		{"single-level wrong depth", "sensors/+/temperature", "sensors/a/b/temperature", false},
		{"single-level rejects empty segment", "sensors/+/temperature", "sensors//temperature", false},
		{"multi-level zero segments", "sensors/#", "sensors", true},
		{"multi-level many segments", "sensors/#", "sensors/a/b", true},
		{"multi-level different root", "sensors/#", "actuators/a", false},
		{"bare multi-level", "#", "anything/at/all", true},
		{"filter longer than topic", "sensors/room1/temperature", "sensors/room1", false},
		{"topic longer than filter", "sensors/room1", "sensors/room1/temperature", false},
		{"non-terminal hash never matches", "sensors/#/temperature", "sensors/room1/temperature", false},
		{"plus does not span levels", "sensors/+", "sensors/a/b", false},
		{"empty filter", "", "sensors", false},
		{"empty topic", "sensors/#", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.filter, tt.topic))
		})
	}
}

func TestMatchAny(t *testing.T) {
	filters := []string{"sensors/+/temperature", "actuators/#"}

	assert.True(t, MatchAny(filters, "sensors/room1/temperature"))
	assert.True(t, MatchAny(filters, "actuators/valve/state"))
	assert.False(t, MatchAny(filters, "sensors/room1/humidity"))
	assert.False(t, MatchAny(nil, "sensors/room1/temperature"))
}

func TestValidateFilter(t *testing.T) {
	valid := []string{
		"sensors/room1/temperature",
		"sensors/+/temperature",
		"sensors/#",
		"#",
		"+",
		"+/+/#",
	}
	for _, f := range valid {
		require.NoError(t, ValidateFilter(f), "filter %q", f)
	}

	invalid := []string{
		"",
		"sensors/#/temperature",
		"#/sensors",
		"sensors//temperature",
		"sensors/room#",
		"sensors/ro+om/temperature",
	}
	for _, f := range invalid {
		require.Error(t, ValidateFilter(f), "filter %q", f)
	}
}
