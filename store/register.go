package store

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/pkg/errors"
)

var ErrStateTypeMismatch = errors.New("state type mismatch")

// RegisterOrGet binds a typed handle to the controller slot named by the
// descriptor. A restored mirror from a checkpoint is deserialized here, on
// first registration after restart.
func RegisterOrGet[T any](controller Controller, descriptor StateDescriptor[T]) (StateController[T], error) {
	load, ok := controller.Load(descriptor.Key)
	if !ok {
		vs := &state[T]{
			pointer:      new(T),
			mutex:        &sync.RWMutex{},
			serializer:   descriptor.Serializer,
			deserializer: descriptor.Deserializer,
		}
		*vs.pointer = descriptor.Initializer()
		controller.Store(descriptor.Key, vs)
		return vs, nil
	}
	switch l := load.(type) {
	case mirrorState:
		vs := &state[T]{
			pointer:      new(T),
			mutex:        &sync.RWMutex{},
			serializer:   descriptor.Serializer,
			deserializer: descriptor.Deserializer,
		}
		t, err := descriptor.Deserializer(l.Payload)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to deserialize state %s", descriptor.Key)
		}
		*vs.pointer = t
		controller.Store(descriptor.Key, vs)
		return vs, nil
	case *state[T]:
		return l, nil
	default:
		return nil, ErrStateTypeMismatch
	}
}

// GobRegisterOrGet will use gob to decode or encode state, so state should expose fields
func GobRegisterOrGet[T any](controller Controller, key string, initializer StateInitializer[T]) (StateController[T], error) {
	return RegisterOrGet[T](controller, StateDescriptor[T]{
		Key:         key,
		Initializer: initializer,
		Serializer: func(v T) ([]byte, error) {
			var buffer bytes.Buffer
			if err := gob.NewEncoder(&buffer).Encode(&v); err != nil {
				return nil, errors.WithMessage(err, "failed to encode state")
			}
			return buffer.Bytes(), nil
		},
		Deserializer: func(raw []byte) (T, error) {
			pointer := new(T)
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(pointer); err != nil {
				return *pointer, errors.WithMessage(err, "failed to decode gob bytes")
			}
			return *pointer, nil
		},
	})
}
