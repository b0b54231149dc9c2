package scheduler

import (
	"sort"
	"sync"
)

// KeyedMutex provides per-task mutual exclusion. Each task id gets its own
// mutex, so transitions on different tasks proceed concurrently while two
// transitions on the same task are serialized. Entries are reclaimed once no
// goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{
		locks: make(map[string]*keyedEntry),
	}
}

// Lock acquires the mutex for key, creating it on first use.
func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	// Acquire outside the map lock so unrelated keys don't contend.
	e.mu.Lock()
}

// Unlock releases the mutex for key.
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.locks[key]
	if !ok {
		return
	}
	e.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// LockAll acquires the mutexes for all keys in sorted order, which keeps
// concurrent multi-key lockers from deadlocking.
func (k *KeyedMutex) LockAll(keys []string) {
	sorted := sortedKeys(keys)
	for _, key := range sorted {
		k.Lock(key)
	}
}

// UnlockAll releases the mutexes for all keys in reverse sorted order.
func (k *KeyedMutex) UnlockAll(keys []string) {
	sorted := sortedKeys(keys)
	for i := len(sorted) - 1; i >= 0; i-- {
		k.Unlock(sorted[i])
	}
}

// Len returns the number of live entries.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func sortedKeys(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	sorted := make([]string, 0, len(keys))
	for _, key := range keys {
		if !seen[key] {
			seen[key] = true
			sorted = append(sorted, key)
		}
	}
	sort.Strings(sorted)
	return sorted
}
