package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFloodGuard(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	g := newFloodGuard(2, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, g.allow("10.0.0.1", now), "request %d within burst", i)
	}
	assert.False(t, g.allow("10.0.0.1", now))
	assert.True(t, g.allow("10.0.0.2", now), "limits are per address")

	assert.True(t, g.allow("10.0.0.1", now.Add(500*time.Millisecond)))
	assert.False(t, g.allow("10.0.0.1", now.Add(500*time.Millisecond)))
}

func TestFloodGuardPrunesIdleEntries(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	g := newFloodGuard(1, 1)

	g.allow("10.0.0.1", now)
	g.allow("10.0.0.2", now.Add(30*time.Second))
	assert.Len(t, g.entries, 2)

	g.allow("10.0.0.3", now.Add(80*time.Second))
	assert.Len(t, g.entries, 2)
	assert.NotContains(t, g.entries, "10.0.0.1")

	g.reset()
	assert.Empty(t, g.entries)
}
