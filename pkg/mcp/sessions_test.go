package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistryRegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("actor-1")
	assert.False(t, ok)

	r.Register("actor-1", "sess-1")
	sid, ok := r.SessionFor("actor-1")
	assert.True(t, ok)
	assert.Equal(t, "sess-1", sid)

	// Reconnect overwrites.
	r.Register("actor-1", "sess-2")
	sid, _ = r.SessionFor("actor-1")
	assert.Equal(t, "sess-2", sid)
}

func TestSessionRegistryTrack(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.ActorFor("wf-1")
	assert.False(t, ok)

	r.Track("wf-1", "actor-1")
	aid, ok := r.ActorFor("wf-1")
	assert.True(t, ok)
	assert.Equal(t, "actor-1", aid)
}

func TestSessionRegistryRemove(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("actor-1", "sess-1")
	r.Register("actor-2", "sess-1")
	r.Register("actor-3", "sess-2")

	r.Remove("sess-1")

	_, ok := r.SessionFor("actor-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("actor-2")
	assert.False(t, ok)
	sid, ok := r.SessionFor("actor-3")
	assert.True(t, ok)
	assert.Equal(t, "sess-2", sid)
}
