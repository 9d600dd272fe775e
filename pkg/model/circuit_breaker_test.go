package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_Transitions(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	now := time.Unix(1000, 0)
	cb.now = func() time.Time { return now }

	boom := errors.New("boom")
	assert.ErrorIs(t, cb.Call(func() error { return boom }), boom)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.ErrorIs(t, cb.Call(func() error { return boom }), boom)
	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Call(func() error { called = true; return nil })
	var open *ErrCircuitOpen
	require.True(t, errors.As(err, &open))
	assert.False(t, called)

	now = now.Add(time.Minute)
	require.NoError(t, cb.Call(func() error { return nil }))
	assert.Equal(t, CircuitClosed, cb.State())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second})
	now := time.Unix(0, 0)
	cb.now = func() time.Time { return now }

	_ = cb.Call(func() error { return errors.New("x") })
	now = now.Add(2 * time.Second)
	_ = cb.Call(func() error { return errors.New("y") })
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3})
	_ = cb.Call(func() error { return errors.New("x") })
	assert.Equal(t, uint32(1), cb.FailureCount())
	_ = cb.Call(func() error { return nil })
	assert.Zero(t, cb.FailureCount())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
}
