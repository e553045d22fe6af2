package pusudb

import "sync"

type array[T any] struct {
	items []T
	lock  sync.RWMutex
}

func newArray[T any]() *array[T] {
	return &array[T]{
		items: make([]T, 0),
	}
}

func (a *array[T]) push(item T) {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.items = append(a.items, item)
}

func (a *array[T]) length() int {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return len(a.items)
}

// snapshot copies the items so callers can run them without holding the lock.
func (a *array[T]) snapshot() []T {
	a.lock.RLock()
	defer a.lock.RUnlock()

	clone := make([]T, len(a.items))
	copy(clone, a.items)
	return clone
}

func (a *array[T]) forEach(fn func(T)) {
	for _, item := range a.snapshot() {
		fn(item)
	}
}

func mapArray[T, R any](arr *array[T], fn func(T) R) *array[R] {
	result := newArray[R]()
	arr.forEach(func(item T) {
		result.push(fn(item))
	})
	return result
}

func mapToError[T any](arr *array[T], fn func(T) error) error {
	errs := mapArray(arr, fn)

	return combine(errs.snapshot()...)
}
