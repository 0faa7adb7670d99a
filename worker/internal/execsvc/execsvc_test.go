package execsvc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryRunnerEnqueueReportsSuccess(t *testing.T) {
	r := NewInMemoryRunner(4)

	require.NoError(t, r.Enqueue(context.Background(), Pip{ID: "pip-1", Payload: []byte("x")}))

	select {
	case res := <-r.Results():
		assert.Equal(t, "pip-1", res.PipID)
		assert.True(t, res.Succeeded)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pip result")
	}
}

func TestInMemoryRunnerPendingDrainsAfterCompletion(t *testing.T) {
	r := NewInMemoryRunner(4)
	require.NoError(t, r.Enqueue(context.Background(), Pip{ID: "pip-1"}))

	<-r.Results()

	assert.Eventually(t, func() bool {
		return r.Pending() == 0
	}, time.Second, time.Millisecond)
}

func TestInMemoryRunnerDefaultsBufferWhenNonPositive(t *testing.T) {
	r := NewInMemoryRunner(0)
	assert.NotNil(t, r.results)
	assert.Equal(t, 16, cap(r.results))
}

func TestInMemoryRunnerEnqueueAcceptsMultiplePipsConcurrently(t *testing.T) {
	r := NewInMemoryRunner(8)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Enqueue(ctx, Pip{ID: "pip"}))
	}

	seen := 0
	for seen < 5 {
		select {
		case <-r.Results():
			seen++
		case <-time.After(time.Second):
			t.Fatalf("only received %d/5 results", seen)
		}
	}
}
