package lock

import (
	"context"
	"sync"
)

type keyEntry struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. Entries are reference counted so the
// map only holds keys somebody is waiting on or holding.
type KeyedMutex struct {
	mu   sync.Mutex
	keys map[string]*keyEntry
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{keys: make(map[string]*keyEntry)}
}

// Lock acquires all keys in sorted order, honouring ctx cancellation.
func (m *KeyedMutex) Lock(ctx context.Context, keys ...string) (func(), error) {
	ordered := normalize(keys)
	held := make([]string, 0, len(ordered))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			m.unlock(held[i])
		}
		held = held[:0]
	}

	for _, key := range ordered {
		if err := m.lockOne(ctx, key); err != nil {
			release()
			return func() {}, err
		}
		held = append(held, key)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (m *KeyedMutex) lockOne(ctx context.Context, key string) error {
	m.mu.Lock()
	e, ok := m.keys[key]
	if !ok {
		e = &keyEntry{ch: make(chan struct{}, 1)}
		m.keys[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.drop(key, e)
		return ctx.Err()
	}
}

func (m *KeyedMutex) unlock(key string) {
	m.mu.Lock()
	e, ok := m.keys[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	<-e.ch
	m.drop(key, e)
}

func (m *KeyedMutex) drop(key string, e *keyEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.keys, key)
	}
}
