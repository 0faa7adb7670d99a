package workerpool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	closed bool
}

func (f *fakeDispatcher) DispatchPip(pipID string, payload []byte) error { return nil }

func (f *fakeDispatcher) Exit(ctx context.Context, reason string) error { return nil }

func (f *fakeDispatcher) Close() error {
	f.closed = true
	return nil
}

func TestPoolAttachAndGet(t *testing.T) {
	p := New(nil)
	d := &fakeDispatcher{}

	p.Attach("worker-1:7090", d)

	e, ok := p.Get("worker-1:7090")
	require.True(t, ok)
	assert.Equal(t, "worker-1:7090", e.Location)
	assert.False(t, e.AttachedAt.IsZero())
	assert.Equal(t, 1, p.Count())
}

func TestPoolAttachReplacesAndClosesPriorDispatcher(t *testing.T) {
	p := New(nil)
	old := &fakeDispatcher{}
	p.Attach("worker-1:7090", old)

	newer := &fakeDispatcher{}
	p.Attach("worker-1:7090", newer)

	assert.True(t, old.closed)
	assert.Equal(t, 1, p.Count())
	e, ok := p.Get("worker-1:7090")
	require.True(t, ok)
	assert.Same(t, newer, e.Dispatcher)
}

func TestPoolDetachRemovesEntry(t *testing.T) {
	p := New(nil)
	p.Attach("worker-1:7090", &fakeDispatcher{})

	p.Detach("worker-1:7090")

	_, ok := p.Get("worker-1:7090")
	assert.False(t, ok)
	assert.Equal(t, 0, p.Count())
}

func TestPoolTouchUpdatesLastContact(t *testing.T) {
	p := New(nil)
	p.Attach("worker-1:7090", &fakeDispatcher{})
	e, _ := p.Get("worker-1:7090")
	first := e.LastContact

	p.Touch("worker-1:7090")

	e, _ = p.Get("worker-1:7090")
	assert.False(t, e.LastContact.Before(first))
}

func TestPoolTouchUnknownLocationIsNoop(t *testing.T) {
	p := New(nil)
	assert.NotPanics(t, func() { p.Touch("does-not-exist") })
}

func TestPoolListReturnsAllAttached(t *testing.T) {
	p := New(nil)
	p.Attach("a", &fakeDispatcher{})
	p.Attach("b", &fakeDispatcher{})

	locations := map[string]bool{}
	for _, e := range p.List() {
		locations[e.Location] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, locations)
}
