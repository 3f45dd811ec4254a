package msgstore

import (
	"log/slog"
	"sync"
)

// Bus hands out the singleton Store per instance and notifies listeners
// when an instance's store is torn down, so derived caches keyed by
// instance can evict without the bus knowing about them.
type Bus struct {
	mu        sync.Mutex
	stores    map[string]*Store
	listeners map[uint64]func(instanceID string)
	nextID    uint64
	logger    *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		stores:    make(map[string]*Store),
		listeners: make(map[uint64]func(string)),
		logger:    logger,
	}
}

// GetOrCreate returns the store for an instance, creating it on first use.
func (b *Bus) GetOrCreate(instanceID string) *Store {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.stores[instanceID]; ok {
		return st
	}
	st := NewStore(instanceID, b.logger)
	b.stores[instanceID] = st
	return st
}

// Destroy evicts an instance's store and invokes the destruction
// listeners. Destroying an unknown instance is a no-op.
func (b *Bus) Destroy(instanceID string) {
	b.mu.Lock()
	_, ok := b.stores[instanceID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.stores, instanceID)
	fns := make([]func(string), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	b.logger.Debug("session store destroyed", "instance_id", instanceID)
	for _, fn := range fns {
		fn(instanceID)
	}
}

// OnInstanceDestroyed registers a listener invoked after an instance's
// store is evicted. Returns an unregister function.
func (b *Bus) OnInstanceDestroyed(fn func(instanceID string)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

// Shutdown destroys every store, notifying listeners for each.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.stores))
	for id := range b.stores {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.Destroy(id)
	}
}
