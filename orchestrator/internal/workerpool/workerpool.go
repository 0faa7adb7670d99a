// Package workerpool is the in-memory registry of workers currently
// attached to this orchestrator. It tracks each worker's client façade
// (for dispatching pips) and its last known heartbeat state.
package workerpool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry is one attached worker.
type Entry struct {
	Location    string
	AttachedAt  time.Time
	LastContact time.Time
	Dispatcher  Dispatcher
}

// Dispatcher is the narrow slice of the worker client façade the pool
// needs in order to push pips without depending on its full API.
type Dispatcher interface {
	DispatchPip(pipID string, payload []byte) error
	Exit(ctx context.Context, reason string) error
	Close() error
}

// Pool is the worker registry. Safe for concurrent use.
type Pool struct {
	mu      sync.RWMutex
	workers map[string]*Entry
	logger  *zap.Logger
}

// New builds an empty Pool.
func New(logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		workers: make(map[string]*Entry),
		logger:  logger.Named("workerpool"),
	}
}

// Attach registers location as attached, replacing any prior entry for
// the same location (a worker reconnecting before the old entry timed
// out).
func (p *Pool) Attach(location string, dispatcher Dispatcher) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, exists := p.workers[location]; exists {
		p.logger.Warn("replacing existing worker entry", zap.String("location", location))
		if old.Dispatcher != nil {
			_ = old.Dispatcher.Close()
		}
	}

	now := time.Now()
	p.workers[location] = &Entry{
		Location:    location,
		AttachedAt:  now,
		LastContact: now,
		Dispatcher:  dispatcher,
	}
}

// Detach removes location from the pool.
func (p *Pool) Detach(location string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, location)
}

// Touch records that location was just heard from (heartbeat or any
// successful call).
func (p *Pool) Touch(location string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.workers[location]; ok {
		e.LastContact = time.Now()
	}
}

// Get returns the entry for location, if attached.
func (p *Pool) Get(location string) (*Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.workers[location]
	return e, ok
}

// List returns a snapshot of all attached workers.
func (p *Pool) List() []*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Entry, 0, len(p.workers))
	for _, e := range p.workers {
		out = append(out, e)
	}
	return out
}

// Count reports how many workers are currently attached.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}
