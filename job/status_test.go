package job

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusNames(t *testing.T) {
	for _, s := range AllStatuses {
		parsed, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseStatus("PAUSED")
	assert.Error(t, err)
	assert.Equal(t, "Status(42)", Status(42).String())

	text, err := Suspended.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "SUSPENDED", string(text))
}

func TestStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{NotRunning, Running},
		{Running, Suspended},
		{Suspended, Running},
		{Running, Restarting},
		{Restarting, Running},
		{Restarting, Failed},
		{Running, Completed},
		{Suspended, Completed},
		{Failed, Restarting},
		{Completed, Restarting},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	rejected := []struct{ from, to Status }{
		{Failed, Running},
		{Completed, Running},
		{Completed, Failed},
		{NotRunning, Suspended},
		{Restarting, Suspended},
		{Failed, Suspended},
	}
	for _, tc := range rejected {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestStatusClasses(t *testing.T) {
	assert.True(t, Running.Live())
	assert.True(t, Suspended.Live())
	assert.True(t, Restarting.Live())
	assert.False(t, NotRunning.Live())
	assert.True(t, Failed.Terminal())
	assert.True(t, Completed.Terminal())
	assert.False(t, Running.Terminal())
}

func TestTransitionError(t *testing.T) {
	err := &TransitionError{JobID: "j1", From: Completed, To: Failed}
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, "job j1 cannot move from COMPLETED to FAILED", err.Error())
}
