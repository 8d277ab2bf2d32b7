package hub

import (
	"testing"

	"github.com/brianly1003/rtmux/internal/domain/events"
	"github.com/brianly1003/rtmux/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilteredSubscriber_ForwardsHeldKeysOnly(t *testing.T) {
	inner := testutil.NewMockSubscriber("client-1")
	f := NewFilteredSubscriber(inner)

	require.NoError(t, f.Send(events.NewEventWithKey(events.EventTypeDataChange, nil, "chat:messages:*:")))
	require.Zero(t, inner.EventCount(), "event for an unheld key should be filtered")

	f.Hold("chat:messages:*:")
	require.NoError(t, f.Send(events.NewEventWithKey(events.EventTypeDataChange, nil, "chat:messages:*:")))
	require.NoError(t, f.Send(events.NewEventWithKey(events.EventTypeDataChange, nil, "other:::")))
	assert.Equal(t, 1, inner.EventCount())
}

func TestFilteredSubscriber_UnkeyedEventsPassThrough(t *testing.T) {
	inner := testutil.NewMockSubscriber("client-1")
	f := NewFilteredSubscriber(inner)

	require.NoError(t, f.Send(events.NewEvent(events.EventTypeHeartbeat, nil)))
	require.NoError(t, f.Send(events.NewErrorEvent("INVALID_CONFIG", "bad", "req-1")))
	assert.Equal(t, 2, inner.EventCount())
}

func TestFilteredSubscriber_HoldsAreCounted(t *testing.T) {
	f := NewFilteredSubscriber(testutil.NewMockSubscriber("client-1"))

	assert.True(t, f.Hold("k"), "first hold")
	assert.False(t, f.Hold("k"), "second hold")

	assert.True(t, f.Release("k"))
	assert.True(t, f.Holds("k"), "one hold remains after the first release")
	assert.True(t, f.Release("k"))
	assert.False(t, f.Holds("k"))
	assert.False(t, f.Release("k"), "releasing an unheld key")
}

func TestFilteredSubscriber_DrainAndKeys(t *testing.T) {
	f := NewFilteredSubscriber(testutil.NewMockSubscriber("client-1"))
	f.Hold("b")
	f.Hold("a")
	f.Hold("b")

	assert.Equal(t, []string{"a", "b"}, f.Keys())
	assert.Equal(t, []string{"a", "b", "b"}, f.Drain())
	assert.Empty(t, f.Keys(), "drain clears every hold")
}

func TestFilteredSubscriber_DelegatesLifecycle(t *testing.T) {
	inner := testutil.NewMockSubscriber("client-1")
	f := NewFilteredSubscriber(inner)

	assert.Equal(t, "client-1", f.ID())
	require.NoError(t, f.Close())
	assert.True(t, inner.IsClosed())
	select {
	case <-f.Done():
	default:
		t.Fatal("Done should be closed")
	}
}
