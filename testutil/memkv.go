// Package testutil provides in-memory fakes for the registry's storage and
// messaging primitives, so component logic is testable without a NATS server.
package testutil

import (
	"context"
	"sync"

	"github.com/c360/schemaregistry/natsclient"
)

type memEntry struct {
	value    []byte
	revision uint64
}

// MemKV is an in-memory stand-in for natsclient.KVStore with the same CAS
// semantics: revisions start at 1 and increment per write, Create fails on
// existing keys, Update fails on revision mismatch.
type MemKV struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	history map[string][]*natsclient.KVEntry
	nextRev uint64
}

// NewMemKV creates an empty in-memory KV store
func NewMemKV() *MemKV {
	return &MemKV{
		entries: make(map[string]*memEntry),
		history: make(map[string][]*natsclient.KVEntry),
	}
}

func (m *MemKV) record(key string, value []byte, rev uint64) {
	cp := append([]byte(nil), value...)
	m.history[key] = append(m.history[key], &natsclient.KVEntry{Key: key, Value: cp, Revision: rev})
}

// Get retrieves a value with its revision
func (m *MemKV) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, natsclient.ErrKVKeyNotFound
	}
	return &natsclient.KVEntry{Key: key, Value: append([]byte(nil), e.value...), Revision: e.revision}, nil
}

// Put creates or updates a key without revision check
func (m *MemKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRev++
	m.entries[key] = &memEntry{value: append([]byte(nil), value...), revision: m.nextRev}
	m.record(key, value, m.nextRev)
	return m.nextRev, nil
}

// Create only creates if the key doesn't exist
func (m *MemKV) Create(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; ok {
		return 0, natsclient.ErrKVKeyExists
	}
	m.nextRev++
	m.entries[key] = &memEntry{value: append([]byte(nil), value...), revision: m.nextRev}
	m.record(key, value, m.nextRev)
	return m.nextRev, nil
}

// Update performs a CAS update with an explicit expected revision
func (m *MemKV) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.revision != revision {
		return 0, natsclient.ErrKVRevisionMismatch
	}
	m.nextRev++
	m.entries[key] = &memEntry{value: append([]byte(nil), value...), revision: m.nextRev}
	m.record(key, value, m.nextRev)
	return m.nextRev, nil
}

// UpdateWithRetry performs a CAS read-modify-write
func (m *MemKV) UpdateWithRetry(ctx context.Context, key string,
	updateFn func(current []byte) ([]byte, error)) error {

	for {
		entry, err := m.Get(ctx, key)

		var current []byte
		var revision uint64
		if err == nil {
			current = entry.Value
			revision = entry.Revision
		}

		next, err := updateFn(current)
		if err != nil {
			return err
		}

		if revision == 0 {
			if _, err := m.Create(ctx, key, next); err == nil {
				return nil
			}
			continue
		}
		if _, err := m.Update(ctx, key, next, revision); err == nil {
			return nil
		}
	}
}

// Keys lists all keys in the store
func (m *MemKV) Keys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

// History returns all revisions of a key, oldest first
func (m *MemKV) History(_ context.Context, key string) ([]*natsclient.KVEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.history[key]
	if !ok {
		return nil, natsclient.ErrKVKeyNotFound
	}
	return append([]*natsclient.KVEntry(nil), h...), nil
}
