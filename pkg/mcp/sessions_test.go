package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistryRoundTrip(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("ops")
	assert.False(t, ok)

	r.Register("ops", "session-1")
	sid, ok := r.SessionFor("ops")
	assert.True(t, ok)
	assert.Equal(t, "session-1", sid)

	// Reconnect overwrites.
	r.Register("ops", "session-2")
	sid, _ = r.SessionFor("ops")
	assert.Equal(t, "session-2", sid)
}

func TestSessionRegistryRemoveBySession(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("ops", "session-1")
	r.Register("audit", "session-1")
	r.Register("other", "session-9")

	r.Remove("session-1")

	_, ok := r.SessionFor("ops")
	assert.False(t, ok)
	_, ok = r.SessionFor("audit")
	assert.False(t, ok)

	sid, ok := r.SessionFor("other")
	assert.True(t, ok)
	assert.Equal(t, "session-9", sid)
}
