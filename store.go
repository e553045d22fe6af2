package pusudb

import (
	"sync"
)

// store is a string-keyed map guarded by a RWMutex.
type store[T any] struct {
	mutex sync.RWMutex
	store map[string]T
}

func newStore[T any]() *store[T] {
	return &store[T]{
		store: make(map[string]T),
	}
}

func (s *store[T]) Create(key string, value T) error {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	if _, exists := s.store[key]; exists {
		return conflict("key " + key + " already exists")
	}
	s.store[key] = value
	return nil
}

func (s *store[T]) Read(key string) (T, error) {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	var zeroValue T
	value, exists := s.store[key]
	if !exists {
		return zeroValue, notFound("key " + key + " does not exist")
	}
	return value, nil
}

func (s *store[T]) Delete(key string) error {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	if _, exists := s.store[key]; !exists {
		return notFound("key " + key + " does not exist")
	}
	delete(s.store, key)

	return nil
}

func (s *store[T]) Values() *array[T] {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	values := newArray[T]()

	for _, value := range s.store {
		values.push(value)
	}
	return values
}

func (s *store[T]) Len() int {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	return len(s.store)
}
