// Package observable provides a publish-on-change value cell.
package observable

import "sync"

// Value holds a value of type T and notifies subscribers when it is set.
// Reads are synchronous; subscribers run on the setting goroutine after the
// lock is released, in subscription order.
type Value[T any] struct {
	mu     sync.RWMutex
	value  T
	equal  func(a, b T) bool
	nextID int
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// NewValue returns a cell that notifies on every Set.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{value: initial}
}

// NewComparable returns a cell that skips notification when the value is unchanged.
func NewComparable[T comparable](initial T) *Value[T] {
	return &Value[T]{value: initial, equal: func(a, b T) bool { return a == b }}
}

func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

func (v *Value[T]) Set(next T) {
	v.mu.Lock()
	if v.equal != nil && v.equal(v.value, next) {
		v.mu.Unlock()
		return
	}
	v.value = next
	subs := make([]subscriber[T], len(v.subs))
	copy(subs, v.subs)
	v.mu.Unlock()

	for _, s := range subs {
		s.fn(next)
	}
}

// Subscribe registers fn for future changes. The returned func removes it and
// is safe to call more than once.
func (v *Value[T]) Subscribe(fn func(T)) func() {
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.subs = append(v.subs, subscriber[T]{id: id, fn: fn})
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		for i, s := range v.subs {
			if s.id == id {
				v.subs = append(v.subs[:i], v.subs[i+1:]...)
				return
			}
		}
	}
}
