package transport

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAtomicBoolSetIsMonotonicAndReportsFirstTransition(t *testing.T) {
	var b atomicBool
	assert.False(t, b.Get())

	assert.True(t, b.Set())
	assert.True(t, b.Get())

	assert.False(t, b.Set(), "second Set should report it was already true")
	assert.True(t, b.Get())
}

func TestAtomicBoolSetUnderConcurrency(t *testing.T) {
	var b atomicBool
	var winners int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Set() {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one goroutine should win the transition")
}
