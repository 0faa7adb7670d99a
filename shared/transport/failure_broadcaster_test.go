package transport

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailureBroadcasterDeliversToSubscriberBeforeEmit(t *testing.T) {
	b := &failureBroadcaster{}

	var got Failure
	var wg sync.WaitGroup
	wg.Add(1)
	b.Subscribe(func(f Failure) {
		got = f
		wg.Done()
	})

	b.Emit(Failure{Kind: FailureReconnectionTimeout, Details: "boom"})
	wg.Wait()

	assert.Equal(t, FailureReconnectionTimeout, got.Kind)
	assert.Equal(t, "boom", got.Details)
}

func TestFailureBroadcasterReplaysToLateSubscriber(t *testing.T) {
	b := &failureBroadcaster{}
	b.Emit(Failure{Kind: FailureUnrecoverable, Details: "already fired"})

	var got Failure
	b.Subscribe(func(f Failure) { got = f })

	assert.Equal(t, FailureUnrecoverable, got.Kind)
	assert.Equal(t, "already fired", got.Details)
}

func TestFailureBroadcasterEmitsOnlyOnce(t *testing.T) {
	b := &failureBroadcaster{}

	var calls int
	var mu sync.Mutex
	b.Subscribe(func(Failure) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	b.Emit(Failure{Kind: FailureCallDeadlineExceeded})
	b.Emit(Failure{Kind: FailureAttachmentTimeout})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestFailureBroadcasterFired(t *testing.T) {
	b := &failureBroadcaster{}

	_, fired := b.Fired()
	require.False(t, fired)

	b.Emit(Failure{Kind: FailureRemotePipTimeout, Details: "x"})

	f, fired := b.Fired()
	require.True(t, fired)
	assert.Equal(t, FailureRemotePipTimeout, f.Kind)
}
