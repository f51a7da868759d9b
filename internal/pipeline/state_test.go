package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextTransitions(t *testing.T) {
	tests := []struct {
		name string
		from State
		ev   Event
		want State
	}{
		{"start", StatePending, EventStart, StateGenerating},
		{"generated", StateGenerating, EventGenerated, StateReviewing},
		{"generate failed", StateGenerating, EventGenerateFailed, StateRejected},
		{"accepted", StateReviewing, EventAccepted, StateAccepted},
		{"rejected", StateReviewing, EventRejected, StateRejected},
		{"retry", StateRejected, EventRetry, StateGenerating},
		{"exhausted", StateRejected, EventExhausted, StateExhausted},
		{"fallback", StateExhausted, EventFallback, StateFallback},

		// Illegal events leave the state unchanged.
		{"accept while pending", StatePending, EventAccepted, StatePending},
		{"retry while generating", StateGenerating, EventRetry, StateGenerating},
		{"reject after accept", StateAccepted, EventRejected, StateAccepted},
		{"generate after fallback", StateFallback, EventGenerated, StateFallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Next(tt.from, tt.ev))
		})
	}
}

func TestRejectionLoopReachesFallback(t *testing.T) {
	s := Next(StatePending, EventStart)
	for i := 0; i < 3; i++ {
		s = Next(s, EventGenerated)
		s = Next(s, EventRejected)
		if i < 2 {
			s = Next(s, EventRetry)
		}
	}
	s = Next(s, EventExhausted)
	s = Next(s, EventFallback)

	assert.Equal(t, StateFallback, s)
	assert.True(t, s.Terminal())
}

func TestTerminal(t *testing.T) {
	assert.True(t, StateAccepted.Terminal())
	assert.True(t, StateFallback.Terminal())
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateRejected.Terminal())
	assert.False(t, StateExhausted.Terminal())
}
