package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"tm-go/internal/tm"
)

// MemoryArchive keeps archived files in memory. It is safe for concurrent use.
type MemoryArchive struct {
	name    string
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryArchive creates an empty in-memory archive.
func NewMemoryArchive(name string) *MemoryArchive {
	return &MemoryArchive{name: name, objects: make(map[string][]byte)}
}

func (m *MemoryArchive) Put(_ context.Context, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

// Get writes the object stored under key to w.
func (m *MemoryArchive) Get(key string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[key]
	if !ok {
		return fmt.Errorf("object not found: %s", key)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}
	return nil
}

// Keys returns the stored keys in lexical order.
func (m *MemoryArchive) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValidateSetup always succeeds for the in-memory archive.
func (m *MemoryArchive) ValidateSetup() error {
	return nil
}

var _ tm.Archive = (*MemoryArchive)(nil)
