package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brianly1003/rtmux/internal/domain/events"
	"github.com/brianly1003/rtmux/internal/testutil"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, opts Options) (*Registry, *testutil.MockTransport) {
	t.Helper()
	tr := testutil.NewMockTransport()
	if opts.SubscribeTimeout == 0 {
		opts.SubscribeTimeout = time.Second
	}
	r := New(tr, opts)
	t.Cleanup(func() { _ = r.Destroy() })
	return r, tr
}

func noop(events.ChannelEvent) error { return nil }

// recorder collects callback invocations.
type recorder struct {
	mu     sync.Mutex
	events []events.ChannelEvent
	errs   []error
}

func (r *recorder) callback(e events.ChannelEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) received() []events.ChannelEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.ChannelEvent(nil), r.events...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func change(table string, id int) events.ChangeEvent {
	return events.ChangeEvent{
		Schema:    "public",
		Table:     table,
		Operation: events.OperationInsert,
		New:       events.Record{"id": id},
	}
}

func changeID(t *testing.T, e events.ChannelEvent) int {
	t.Helper()
	ce, ok := e.(*events.ChangeEvent)
	require.True(t, ok, "expected *events.ChangeEvent, got %T", e)
	return ce.New["id"].(int)
}

var bg = context.Background()
