package store

import (
	"time"
)

// KeyedEntry wraps a value with its last access time so idle entries can be
// expired. Exported fields so gob can move it through checkpoints.
type KeyedEntry[V any] struct {
	Value      V
	AccessedAt int64
}

// KeyedState is per-key operator state with optional inactivity TTL. It is
// owned by exactly one task goroutine; expiry is checked lazily on access and
// swept before every snapshot so unbounded keyed aggregations stay bounded.
type KeyedState[K comparable, V any] struct {
	entries *map[K]KeyedEntry[V]
	ttl     int64 //milliseconds, 0 disables expiry
	now     func() int64
}

func (s *KeyedState[K, V]) Get(key K) (V, bool) {
	var nilV V
	entry, ok := (*s.entries)[key]
	if !ok {
		return nilV, false
	}
	now := s.now()
	if s.expired(entry, now) {
		delete(*s.entries, key)
		return nilV, false
	}
	entry.AccessedAt = now
	(*s.entries)[key] = entry
	return entry.Value, true
}

func (s *KeyedState[K, V]) Put(key K, value V) {
	(*s.entries)[key] = KeyedEntry[V]{Value: value, AccessedAt: s.now()}
}

func (s *KeyedState[K, V]) Delete(key K) {
	delete(*s.entries, key)
}

func (s *KeyedState[K, V]) Len() int {
	return len(*s.entries)
}

func (s *KeyedState[K, V]) Range(fn func(key K, value V) bool) {
	for key, entry := range *s.entries {
		if !fn(key, entry.Value) {
			return
		}
	}
}

// Sweep drops every entry idle for longer than the TTL and returns how many
// were dropped.
func (s *KeyedState[K, V]) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	now := s.now()
	dropped := 0
	for key, entry := range *s.entries {
		if s.expired(entry, now) {
			delete(*s.entries, key)
			dropped++
		}
	}
	return dropped
}

func (s *KeyedState[K, V]) expired(entry KeyedEntry[V], now int64) bool {
	return s.ttl > 0 && now-entry.AccessedAt > s.ttl
}

// RegisterKeyed binds a keyed state to the controller, restoring entries from
// a checkpoint mirror when present.
func RegisterKeyed[K comparable, V any](controller Controller, key string, ttl time.Duration) (*KeyedState[K, V], error) {
	stateController, err := GobRegisterOrGet[map[K]KeyedEntry[V]](controller, key, func() map[K]KeyedEntry[V] {
		return map[K]KeyedEntry[V]{}
	})
	if err != nil {
		return nil, err
	}
	return &KeyedState[K, V]{
		entries: stateController.Pointer(),
		ttl:     int64(ttl / time.Millisecond),
		now:     func() int64 { return time.Now().UnixMilli() },
	}, nil
}
