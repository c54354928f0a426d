package persistent

import (
	"fmt"
	"github.com/google/btree"
	"github.com/sushantsondhi/partraft/common"
	"sync"
)

type entryItem common.LogEntry

func (a entryItem) Less(b btree.Item) bool {
	return a.Index < b.(entryItem).Index
}

// MemLogStore is a volatile LogStore ordered by a btree. It offers no
// durability and is meant for tests and throwaway partitions.
type MemLogStore struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

var _ common.LogStore = &MemLogStore{}

func NewMemLogStore() *MemLogStore {
	return &MemLogStore{tree: btree.New(32)}
}

func (m *MemLogStore) Append(entries ...common.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := entries[0].Index
	if last := m.tree.Max(); last != nil && last.(entryItem).Index+1 != next {
		return fmt.Errorf("[Append]: can't append index %d after %d", next, last.(entryItem).Index)
	}
	for _, entry := range entries {
		if entry.Index != next {
			return fmt.Errorf("[Append]: entries are not contiguous at index %d", entry.Index)
		}
		m.tree.ReplaceOrInsert(entryItem(entry))
		next++
	}
	return nil
}

func (m *MemLogStore) Get(index uint64) (*common.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item := m.tree.Get(entryItem{Index: index})
	if item == nil {
		return nil, ErrNotFound
	}
	entry := common.LogEntry(item.(entryItem))
	return &entry, nil
}

func (m *MemLogStore) Entries(from, to uint64) ([]common.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []common.LogEntry
	m.tree.AscendRange(entryItem{Index: from}, entryItem{Index: to}, func(item btree.Item) bool {
		entries = append(entries, common.LogEntry(item.(entryItem)))
		return true
	})
	return entries, nil
}

func (m *MemLogStore) FirstIndex() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if item := m.tree.Min(); item != nil {
		return item.(entryItem).Index, nil
	}
	return 0, nil
}

func (m *MemLogStore) LastIndex() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if item := m.tree.Max(); item != nil {
		return item.(entryItem).Index, nil
	}
	return 0, nil
}

func (m *MemLogStore) Truncate(from uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		item := m.tree.Max()
		if item == nil || item.(entryItem).Index < from {
			return nil
		}
		m.tree.DeleteMax()
	}
}

func (m *MemLogStore) Compact(through uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		item := m.tree.Min()
		if item == nil || item.(entryItem).Index > through {
			return nil
		}
		m.tree.DeleteMin()
	}
}

func (m *MemLogStore) Close() error {
	return nil
}
