package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestStateLifecycle(t *testing.T) {
	env := &Env{Vars: map[string]string{"k": "v"}}
	id := NewRequestState(env)
	state := GetRequestState(id)
	require.NotNil(t, state)
	assert.Same(t, env, state.Env)

	var order []string
	state.RegisterCleanup(func() { order = append(order, "first") })
	state.RegisterCleanup(func() { order = append(order, "second") })

	AddLog(id, "log", "hello")
	cleared := ClearRequestState(id)
	require.Same(t, state, cleared)
	assert.Equal(t, []string{"second", "first"}, order, "cleanups run in reverse")
	assert.Len(t, cleared.SnapshotLogs(), 1)

	assert.Nil(t, GetRequestState(id))
	assert.Nil(t, ClearRequestState(id), "clearing twice is a no-op")
	AddLog(id, "log", "after clear")
}

func TestLoadOrStoreExt(t *testing.T) {
	id := NewRequestState(nil)
	defer ClearRequestState(id)
	state := GetRequestState(id)

	calls := 0
	create := func() any { calls++; return &calls }
	a := state.LoadOrStoreExt("k", create)
	b := state.LoadOrStoreExt("k", create)
	assert.Same(t, a, b)
	assert.Equal(t, 1, calls)

	state.SetExt("other", "x")
	assert.Equal(t, "x", state.GetExt("other"))
	assert.Nil(t, state.GetExt("missing"))
}

func TestAddLogLimits(t *testing.T) {
	id := NewRequestState(nil)
	defer ClearRequestState(id)

	AddLog(id, "log", strings.Repeat("x", MaxLogMessageSize+10))
	for i := 0; i < MaxLogEntries+5; i++ {
		AddLog(id, "log", "entry")
	}
	logs := GetRequestState(id).SnapshotLogs()
	assert.Len(t, logs, MaxLogEntries)
	assert.True(t, strings.HasSuffix(logs[0].Message, "...(truncated)"))
}

func TestParseReqID(t *testing.T) {
	assert.Equal(t, uint64(0), ParseReqID(""))
	assert.Equal(t, uint64(0), ParseReqID("undefined"))
	assert.Equal(t, uint64(42), ParseReqID("42"))
	assert.Equal(t, uint64(7), ParseReqID("7.0"))
}
