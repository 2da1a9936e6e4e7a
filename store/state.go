package store

import (
	"sync"
)

type StateSerializer[T any] func(T) ([]byte, error)
type StateDeserializer[T any] func([]byte) (T, error)
type StateInitializer[T any] func() T

type StateDescriptor[T any] struct {
	Key          string
	Initializer  StateInitializer[T]
	Serializer   StateSerializer[T]
	Deserializer StateDeserializer[T]
}

// StateController is the typed handle an operator keeps to one registered
// state. The pointer is stable for the life of the task.
type StateController[T any] interface {
	Pointer() *T
	Value() T
	Update(T)
}

type state[T any] struct {
	pointer      *T
	mutex        *sync.RWMutex
	serializer   StateSerializer[T]
	deserializer StateDeserializer[T]
}

func (s *state[T]) Pointer() *T {
	return s.pointer
}

func (s *state[T]) Value() T {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return *s.pointer
}

func (s *state[T]) Update(value T) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	*s.pointer = value
}

// mirror serializes the current value under the read lock. Concurrent Update
// callers block only for the encode of this one state, never for the whole
// namespace upload.
func (s *state[T]) mirror() (mirrorState, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	payload, err := s.serializer(*s.pointer)
	if err != nil {
		return mirrorState{}, err
	}
	return mirrorState{Payload: payload}, nil
}
