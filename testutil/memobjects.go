package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c360/schemaregistry/natsclient"
)

// MemObjects is an in-memory stand-in for natsclient.ObjectBucket. Objects
// are immutable: a second Put under an existing name is a no-op, matching
// the content-addressed layout of the schema store.
type MemObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	modTime map[string]time.Time
	clock   time.Time
}

// NewMemObjects creates an empty in-memory object bucket
func NewMemObjects() *MemObjects {
	return &MemObjects{
		objects: make(map[string][]byte),
		modTime: make(map[string]time.Time),
		clock:   time.Unix(1700000000, 0),
	}
}

// Put stores an object under name; existing names are left untouched
func (m *MemObjects) Put(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[name]; ok {
		return nil
	}
	m.clock = m.clock.Add(time.Second)
	m.objects[name] = append([]byte(nil), data...)
	m.modTime[name] = m.clock
	return nil
}

// Get retrieves an object's bytes by name
func (m *MemObjects) Get(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[name]
	if !ok {
		return nil, natsclient.ErrObjectNotFound
	}
	return append([]byte(nil), data...), nil
}

// List returns objects matching prefix, oldest first
func (m *MemObjects) List(_ context.Context, prefix string) ([]natsclient.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []natsclient.ObjectInfo
	for name, data := range m.objects {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		out = append(out, natsclient.ObjectInfo{Name: name, Size: uint64(len(data)), ModTime: m.modTime[name]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.Before(out[j].ModTime) })
	return out, nil
}
