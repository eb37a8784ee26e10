package hub

import "sync"

// SyncMap is a map guarded by a RWMutex.
type SyncMap[K comparable, V any] struct {
	m  map[K]V
	mu sync.RWMutex
}

func NewSyncMap[K comparable, V any]() *SyncMap[K, V] {
	return &SyncMap[K, V]{
		m: make(map[K]V),
	}
}

func (s *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok = s.m[key]
	return
}

// View calls f with the value stored under key while holding the read lock.
// f must not modify the map.
func (s *SyncMap[K, V]) View(key K, f func(value V, ok bool)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.m[key]
	f(value, ok)
}

// Update applies f to the value stored under key. If f reports false the key
// is deleted, otherwise the returned value is stored. The whole operation is atomic.
func (s *SyncMap[K, V]) Update(key K, f func(value V, ok bool) (V, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.m[key]
	next, keep := f(value, ok)
	if keep {
		s.m[key] = next
	} else {
		delete(s.m, key)
	}
}

func (s *SyncMap[K, V]) Store(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

func (s *SyncMap[K, V]) LoadAndDelete(key K) (value V, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok = s.m[key]
	delete(s.m, key)
	return
}

// Range calls f for every entry under the read lock until f returns false.
// f must not modify the map.
func (s *SyncMap[K, V]) Range(f func(key K, value V) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.m {
		if !f(k, v) {
			break
		}
	}
}

func (s *SyncMap[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
