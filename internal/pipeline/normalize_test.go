package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeIdentifier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"plain string", "2061234567", "2061234567"},
		{"string with float suffix", "2061234567.0", "2061234567"},
		{"string with long zero fraction", "42.000", "42"},
		{"genuine fraction untouched", "42.5", "42.5"},
		{"non-numeric with dot untouched", "v1.0", "v1.0"},
		{"whitespace trimmed", "  987  ", "987"},
		{"float64 integral", float64(2061234567), "2061234567"},
		{"float64 fractional", 1.25, "1.25"},
		{"int", 77, "77"},
		{"int64", int64(1 << 40), "1099511627776"},
		{"json number", json.Number("314159.0"), "314159"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeIdentifier(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeIdentifierIdempotent(t *testing.T) {
	t.Parallel()

	first, err := NormalizeIdentifier("555000111.0")
	require.NoError(t, err)
	second, err := NormalizeIdentifier(first)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestNormalizeIdentifierErrors(t *testing.T) {
	t.Parallel()

	for name, input := range map[string]any{
		"nil":          nil,
		"empty string": "",
		"blank string": "   ",
		"bool":         true,
		"slice":        []string{"x"},
	} {
		input := input
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := NormalizeIdentifier(input)
			require.Error(t, err)
		})
	}
}
