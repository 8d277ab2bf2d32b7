package realtime

import (
	"errors"
	"testing"
	"time"

	"github.com/brianly1003/rtmux/internal/domain"
	"github.com/brianly1003/rtmux/internal/domain/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_NoPolicyDeliversSynchronously(t *testing.T) {
	rec := &recorder{}
	d := newDispatcher("k", Config{Callback: rec.callback}, time.Now, nil)

	for i := 0; i < 3; i++ {
		ev := change("posts", i)
		d.dispatch(&ev)
	}

	got := rec.received()
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, i, changeID(t, e))
	}
}

func TestDispatcher_DebounceDeliversLatestOnce(t *testing.T) {
	rec := &recorder{}
	d := newDispatcher("k", Config{Callback: rec.callback, Debounce: 50 * time.Millisecond}, time.Now, nil)
	defer d.close()

	start := time.Now()
	var delivered time.Time
	done := make(chan struct{})
	d.callback = func(e events.ChannelEvent) error {
		delivered = time.Now()
		_ = rec.callback(e)
		close(done)
		return nil
	}

	for i, at := range []time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond} {
		time.Sleep(time.Until(start.Add(at)))
		ev := change("posts", i)
		d.dispatch(&ev)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("debounced event was not delivered")
	}
	time.Sleep(100 * time.Millisecond)

	got := rec.received()
	require.Len(t, got, 1)
	assert.Equal(t, 2, changeID(t, got[0]))
	assert.GreaterOrEqual(t, delivered.Sub(start), 70*time.Millisecond)
}

func TestDispatcher_ThrottleDropsWithinWindow(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	d := newDispatcher("k", Config{Callback: rec.callback, Throttle: 100 * time.Millisecond}, clock.Now, nil)

	offsets := []time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond, 120 * time.Millisecond}
	var elapsed time.Duration
	for i, at := range offsets {
		clock.Advance(at - elapsed)
		elapsed = at
		ev := change("posts", i)
		d.dispatch(&ev)
	}

	got := rec.received()
	require.Len(t, got, 2)
	assert.Equal(t, 0, changeID(t, got[0]))
	assert.Equal(t, 3, changeID(t, got[1]))
}

func TestDispatcher_DebounceThenThrottle(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	d := newDispatcher("k", Config{
		Callback: rec.callback,
		Debounce: 10 * time.Millisecond,
		Throttle: time.Hour,
	}, clock.Now, nil)
	defer d.close()

	first := change("posts", 1)
	d.dispatch(&first)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	second := change("posts", 2)
	d.dispatch(&second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count(), "debounced delivery inside the throttle window must be dropped")
}

func TestDispatcher_CallbackErrorIsReported(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")
	calls := 0
	d := newDispatcher("k", Config{
		Callback: func(e events.ChannelEvent) error {
			calls++
			if calls == 1 {
				return boom
			}
			return nil
		},
		ErrorCallback: rec.onError,
	}, time.Now, nil)

	first, second := change("posts", 1), change("posts", 2)
	d.dispatch(&first)
	d.dispatch(&second)

	assert.Equal(t, 2, calls)
	errs := rec.errors()
	require.Len(t, errs, 1)
	var cbErr *domain.CallbackError
	require.ErrorAs(t, errs[0], &cbErr)
	assert.Equal(t, "k", cbErr.Key)
	assert.ErrorIs(t, errs[0], boom)
}

func TestDispatcher_CallbackPanicIsRecovered(t *testing.T) {
	rec := &recorder{}
	calls := 0
	d := newDispatcher("k", Config{
		Callback: func(e events.ChannelEvent) error {
			calls++
			if calls == 1 {
				panic("bad row")
			}
			return nil
		},
		ErrorCallback: func(err error) {
			rec.onError(err)
			panic("error callback must not escape either")
		},
	}, time.Now, nil)

	first, second := change("posts", 1), change("posts", 2)
	assert.NotPanics(t, func() {
		d.dispatch(&first)
		d.dispatch(&second)
	})

	assert.Equal(t, 2, calls)
	errs := rec.errors()
	require.Len(t, errs, 1)
	var cbErr *domain.CallbackError
	require.ErrorAs(t, errs[0], &cbErr)
	assert.Equal(t, "bad row", cbErr.Panic)
}

func TestDispatcher_CloseCancelsPendingDebounce(t *testing.T) {
	rec := &recorder{}
	d := newDispatcher("k", Config{Callback: rec.callback, Debounce: 20 * time.Millisecond}, time.Now, nil)

	ev := change("posts", 1)
	d.dispatch(&ev)
	d.close()
	d.close()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, rec.count())

	d.dispatch(&ev)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestDispatcher_TouchOnEveryEvent(t *testing.T) {
	touched := 0
	d := newDispatcher("k", Config{Callback: noop}, time.Now, func() { touched++ })

	for i := 0; i < 4; i++ {
		ev := change("posts", i)
		d.dispatch(&ev)
	}
	assert.Equal(t, 4, touched)
}
