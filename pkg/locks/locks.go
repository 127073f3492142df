// Package locks serializes work on overlapping record ids. Keys are always
// taken in sorted order so that two callers with overlapping sets cannot
// deadlock.
package locks

import (
	"context"
	"sort"
	"sync"

	"github.com/Gobusters/ectolinq"
)

// Locker acquires every key or none. The returned func releases them.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}

// SequenceKey guards record id allocation.
const SequenceKey = "sequence:record_id"

// RecordKey namespaces a record id.
func RecordKey(recordID string) string {
	return "record:" + recordID
}

// RecordKeys maps record ids to lock keys.
func RecordKeys(recordIDs ...string) []string {
	return ectolinq.Map(recordIDs, RecordKey)
}

func sortedUnique(keys []string) []string {
	set := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := set[k]; ok {
			continue
		}
		set[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type entry struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. Entries are dropped once nobody holds
// or waits on them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*entry)}
}

func (m *KeyedMutex) ref(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex) unref(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

func (m *KeyedMutex) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = sortedUnique(keys)
	held := make([]string, 0, len(keys))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			key := held[i]
			m.mu.Lock()
			e := m.entries[key]
			m.mu.Unlock()
			<-e.sem
			m.unref(key)
		}
	}

	for _, key := range keys {
		e := m.ref(key)
		select {
		case e.sem <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			m.unref(key)
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// Held reports how many keys are currently tracked.
func (m *KeyedMutex) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
