package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckDeniesWithinWindow(t *testing.T) {
	gate := NewGate(5*time.Second, time.Hour)
	now := time.Now()

	first := gate.Check("u1", now)
	assert.True(t, first.Allowed)

	second := gate.Check("u1", now.Add(2*time.Second))
	assert.False(t, second.Allowed)
	assert.Equal(t, 3*time.Second, second.RetryAfter)
}

func TestCheckAllowsAfterFullWindow(t *testing.T) {
	gate := NewGate(5*time.Second, time.Hour)
	now := time.Now()

	assert.True(t, gate.Check("u1", now).Allowed)
	assert.False(t, gate.Check("u1", now.Add(4*time.Second)).Allowed)
	assert.True(t, gate.Check("u1", now.Add(5*time.Second)).Allowed)
}

func TestCheckIsPerUser(t *testing.T) {
	gate := NewGate(5*time.Second, time.Hour)
	now := time.Now()

	assert.True(t, gate.Check("u1", now).Allowed)
	assert.True(t, gate.Check("u2", now).Allowed)
	assert.False(t, gate.Check("u1", now.Add(time.Second)).Allowed)
}

func TestDeniedDoesNotResetCooldown(t *testing.T) {
	gate := NewGate(5*time.Second, time.Hour)
	now := time.Now()

	assert.True(t, gate.Check("u1", now).Allowed)
	// Repeated denied checks must not push the window forward.
	assert.False(t, gate.Check("u1", now.Add(2*time.Second)).Allowed)
	assert.False(t, gate.Check("u1", now.Add(4*time.Second)).Allowed)
	assert.True(t, gate.Check("u1", now.Add(5*time.Second)).Allowed)
}

func TestStaleEntriesAreSwept(t *testing.T) {
	gate := NewGate(time.Second, 2*time.Second)
	now := time.Now()

	gate.Check("u1", now)
	gate.Check("u2", now)
	assert.Equal(t, 2, gate.Size())

	// Past the retention horizon a new check triggers the sweep.
	gate.Check("u3", now.Add(5*time.Second))
	assert.Equal(t, 1, gate.Size())
}
