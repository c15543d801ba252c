package kernel

import "sync"

// MetaKey is a typed key into a Meta registry. Keys compare by identity,
// so two keys with the same name never collide.
type MetaKey[T any] struct {
	name string
}

// NewMetaKey declares a key. Declare keys once, at package level.
func NewMetaKey[T any](name string) *MetaKey[T] {
	return &MetaKey[T]{name: name}
}

func (k *MetaKey[T]) String() string { return k.name }

// Meta is an open, type-keyed map for out-of-band state. The Transactor
// owns one for its lifetime and every Change carries its own.
type Meta struct {
	mu     sync.RWMutex
	values map[any]any
}

// NewMeta returns an empty registry.
func NewMeta() *Meta {
	return &Meta{values: make(map[any]any)}
}

// GetMeta returns the value stored under key.
func GetMeta[T any](m *Meta, key *MetaKey[T]) (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// PutMeta stores v under key.
func PutMeta[T any](m *Meta, key *MetaKey[T], v T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = v
}

// UpdateMeta atomically replaces the value under key with fn(old, ok).
func UpdateMeta[T any](m *Meta, key *MetaKey[T], fn func(old T, ok bool) T) T {
	m.mu.Lock()
	defer m.mu.Unlock()

	var old T
	cur, ok := m.values[key]
	if ok {
		old = cur.(T)
	}
	next := fn(old, ok)
	m.values[key] = next
	return next
}

// DeleteMeta removes key.
func DeleteMeta[T any](m *Meta, key *MetaKey[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
}
