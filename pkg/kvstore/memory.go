package kvstore

import (
	"context"
	"errors"
	"strings"

	"github.com/p-blackswan/domainsync/lru"
)

// DefaultQuotaBytes mirrors the usual 5 MiB browser storage allowance.
const DefaultQuotaBytes = 5 << 20

// MemoryStore is an in-memory store with a byte quota. Writes that would
// exceed the quota fail with ErrQuotaExceeded unless eviction is enabled.
type MemoryStore struct {
	entries *lru.Cache[string, []byte]
}

// MemoryOptions configures a MemoryStore.
type MemoryOptions struct {
	QuotaBytes int64
	// Evict drops least recently used keys instead of rejecting writes.
	Evict bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	if opts.QuotaBytes <= 0 {
		opts.QuotaBytes = DefaultQuotaBytes
	}
	return &MemoryStore{
		entries: lru.New(lru.Options[string, []byte]{
			Budget: opts.QuotaBytes,
			Cost:   func(k string, v []byte) int64 { return int64(len(k) + len(v)) },
			Evict:  opts.Evict,
		}),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.entries.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	if _, err := m.entries.Put(key, v); err != nil {
		if errors.Is(err, lru.ErrFull) || errors.Is(err, lru.ErrTooLarge) {
			return ErrQuotaExceeded
		}
		return err
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.entries.Delete(key)
	return nil
}

func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for _, k := range m.entries.Keys() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Used reports the bytes currently held.
func (m *MemoryStore) Used() int64 {
	return m.entries.Used()
}

func (m *MemoryStore) Close() error { return nil }
