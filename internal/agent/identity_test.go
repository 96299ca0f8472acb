package agent

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlaceholderFiltering(t *testing.T) {
	tests := []struct {
		value       string
		placeholder bool
	}{
		{"", true},
		{"  ", true},
		{"None", true},
		{"Default string", true},
		{"To be filled by O.E.M.", true},
		{"to be filled by o.e.m", true},
		{"System Serial Number", true},
		{"00000000-0000-0000-0000-000000000000", true},
		{"FFFFFFFF-FFFF-FFFF-FFFF-FFFFFFFFFFFF", true},
		{"0", true},
		{"4c4c4544-0042-3510-804a-b8c04f4d3732", false},
		{"PF3ABC123", false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			assert.Equal(t, tt.placeholder, isPlaceholder(tt.value))
		})
	}
}

func TestMachineIDIsStable(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	first := MachineID(log)
	second := MachineID(log)
	assert.Equal(t, first, second)
	assert.NotEmpty(t, first)

	// Either a SHA-256 hex digest or the fixed fallback.
	if first != FallbackMachineID {
		assert.Len(t, first, 64)
	}
}
