package transport

import "sync"

// failureBroadcaster is the single-shot event primitive spec §9 calls
// for in place of the source's language-native event: subscribers
// register before the Manager starts, and the first call to Emit wins —
// every later call is a no-op. This gives spec §8 invariant 2 ("at most
// one failure event is emitted per manager instance") for free, without
// a mutex around the whole Manager.
type failureBroadcaster struct {
	once      sync.Once
	mu        sync.RWMutex
	fired     bool
	failure   Failure
	listeners []func(Failure)
}

// Subscribe registers fn to be called when (and if) a failure is ever
// emitted. Must be called before the Manager's monitor loop starts —
// subscribers registered after Emit has already fired are invoked
// immediately with the recorded failure so a late subscriber never
// misses it.
func (b *failureBroadcaster) Subscribe(fn func(Failure)) {
	b.mu.Lock()
	fired := b.fired
	failure := b.failure
	if !fired {
		b.listeners = append(b.listeners, fn)
	}
	b.mu.Unlock()

	if fired {
		fn(failure)
	}
}

// Emit records the failure and notifies subscribers exactly once. All
// calls after the first are silently dropped — this is the
// compare-and-set spec §5 describes for "shared mutable state".
func (b *failureBroadcaster) Emit(f Failure) {
	b.once.Do(func() {
		b.mu.Lock()
		b.fired = true
		b.failure = f
		listeners := b.listeners
		b.mu.Unlock()

		for _, fn := range listeners {
			fn(f)
		}
	})
}

// Fired reports whether a failure has already been emitted, and if so
// returns it.
func (b *failureBroadcaster) Fired() (Failure, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.failure, b.fired
}
