package persistent

import (
	"github.com/sushantsondhi/partraft/common"
	"sync"
)

// MemPStore is a volatile PersistentStore.
type MemPStore struct {
	mu   sync.Mutex
	vals map[string][]byte
}

var _ common.PersistentStore = &MemPStore{}

func NewMemPStore() *MemPStore {
	return &MemPStore{vals: make(map[string][]byte)}
}

func (m *MemPStore) Set(key, value []byte) error {
	return m.SetAll(map[string][]byte{string(key): value})
}

func (m *MemPStore) SetAll(values map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, value := range values {
		m.vals[key] = append([]byte(nil), value...)
	}
	return nil
}

func (m *MemPStore) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.vals[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return val, nil
}

func (m *MemPStore) GetDefault(key []byte, defaultVal []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if val, ok := m.vals[string(key)]; ok {
		return val, nil
	}
	m.vals[string(key)] = defaultVal
	return defaultVal, nil
}

func (m *MemPStore) Close() error {
	return nil
}
