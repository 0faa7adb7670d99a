package transport

import "sync/atomic"

// atomicBool is the monotonic false->true flag spec §5/§9 calls for:
// "volatile booleans, no lock needed". Used for attached, exitRequested,
// and shutdownInitiated.
type atomicBool struct {
	v atomic.Bool
}

// Set transitions the flag to true and reports whether this call was
// the one that did it (false if it was already true).
func (b *atomicBool) Set() bool {
	return b.v.CompareAndSwap(false, true)
}

// Get reports the current value.
func (b *atomicBool) Get() bool {
	return b.v.Load()
}
