package keyValStore

import (
	"bytes"
	"sort"
	"sync"

	"github.com/i5heu/ouroboros-ledger/pkg/types"
)

// MemoryStore is an in-memory Store with the same contract as the Badger
// implementation. Tests substitute it so pure page-store logic can run
// without disk state.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
	keys []string // sorted, mirrors data
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

func (m *MemoryStore) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[string(key)]
	if !ok {
		return nil, types.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (m *MemoryStore) Put(key []byte, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(string(key), value)
	return nil
}

func (m *MemoryStore) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delete(string(key))
	return nil
}

// put and delete assume m.mu is held.
func (m *MemoryStore) put(key string, value []byte) {
	if _, exists := m.data[key]; !exists {
		i := sort.SearchStrings(m.keys, key)
		m.keys = append(m.keys, "")
		copy(m.keys[i+1:], m.keys[i:])
		m.keys[i] = key
	}
	m.data[key] = append([]byte(nil), value...)
}

func (m *MemoryStore) delete(key string) {
	if _, exists := m.data[key]; !exists {
		return
	}
	delete(m.data, key)
	i := sort.SearchStrings(m.keys, key)
	m.keys = append(m.keys[:i], m.keys[i+1:]...)
}

type memoryBatch struct {
	store *MemoryStore
	ops   []batchOp
}

func (m *MemoryStore) NewBatch() Batch {
	return &memoryBatch{store: m}
}

func (b *memoryBatch) Put(key []byte, value []byte) {
	b.ops = append(b.ops, batchOp{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

func (b *memoryBatch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: append([]byte(nil), key...), delete: true})
}

func (b *memoryBatch) Commit() error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	for _, op := range b.ops {
		if op.delete {
			b.store.delete(string(op.key))
			continue
		}
		b.store.put(string(op.key), op.value)
	}
	return nil
}

func (m *MemoryStore) IterateFrom(start []byte, fn func(key []byte, value []byte) (bool, error)) error {
	m.mu.RLock()
	snapshot := make([]string, len(m.keys))
	copy(snapshot, m.keys)
	values := make([][]byte, len(snapshot))
	for i, k := range snapshot {
		values[i] = append([]byte(nil), m.data[k]...)
	}
	m.mu.RUnlock()

	i := sort.Search(len(snapshot), func(i int) bool {
		return bytes.Compare([]byte(snapshot[i]), start) >= 0
	})
	for ; i < len(snapshot); i++ {
		cont, err := fn([]byte(snapshot[i]), values[i])
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*KeyValStore)(nil)
