package unread

import (
	"bytes"
	"sync"
)

// StateStore is a viewer's private key-value state. Subscribers are notified
// of every Set, including Sets made through another handle of the same state.
type StateStore interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Subscribe(fn func(key string, value []byte)) func()
}

// MemoryState is a StateStore that lives as long as the process.
type MemoryState struct {
	mu     sync.Mutex
	values map[string][]byte
	subs   map[uint64]func(string, []byte)
	seq    uint64
}

func NewMemoryState() *MemoryState {
	return &MemoryState{
		values: make(map[string][]byte),
		subs:   make(map[uint64]func(string, []byte)),
	}
}

func (m *MemoryState) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return bytes.Clone(v), ok, nil
}

func (m *MemoryState) Set(key string, value []byte) error {
	m.mu.Lock()
	m.values[key] = bytes.Clone(value)
	subs := make([]func(string, []byte), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(key, bytes.Clone(value))
	}
	return nil
}

func (m *MemoryState) Subscribe(fn func(key string, value []byte)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := m.seq
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}
