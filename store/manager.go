package store

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/pkg/errors"
)

type manager struct {
	mutex   *sync.Mutex
	mm      map[string]*controller
	backend Backend
}

func (m *manager) Controller(namespace string) Controller {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if c, ok := m.mm[namespace]; ok {
		return c
	}
	c := &controller{mm: &sync.Map{}}
	m.mm[namespace] = c
	return c
}

func (m *manager) Save(epoch int64, namespace string) (NamespaceSnapshot, error) {
	m.mutex.Lock()
	c, ok := m.mm[namespace]
	m.mutex.Unlock()
	snapshot := NamespaceSnapshot{Namespace: namespace}
	if !ok {
		return snapshot, nil
	}
	mirrors := map[string][]byte{}
	var mirrorErr error
	c.Range(func(key string, state State) bool {
		ms, err := state.mirror()
		if err != nil {
			mirrorErr = errors.WithMessagef(err, "failed to mirror state %s/%s", namespace, key)
			return false
		}
		mirrors[key] = ms.Payload
		return true
	})
	if mirrorErr != nil {
		return snapshot, mirrorErr
	}
	var buffer bytes.Buffer
	if err := gob.NewEncoder(&buffer).Encode(mirrors); err != nil {
		return snapshot, errors.WithMessagef(err, "failed to encode namespace %s", namespace)
	}
	blob := buffer.Bytes()
	if err := m.backend.Save(epoch, namespace, blob); err != nil {
		return snapshot, errors.WithMessagef(err, "failed to stage namespace %s for epoch %d", namespace, epoch)
	}
	snapshot.SizeBytes = int64(len(blob))
	return snapshot, nil
}

func (m *manager) RestoreLatest() (int64, error) {
	epochs, err := m.backend.Epochs()
	if err != nil {
		return 0, err
	}
	if len(epochs) == 0 {
		return 0, nil
	}
	latest := epochs[len(epochs)-1]
	return latest, m.Restore(latest)
}

func (m *manager) Restore(epoch int64) error {
	manifest, err := m.backend.Manifest(epoch)
	if err != nil {
		return errors.WithMessagef(err, "failed to load manifest for epoch %d", epoch)
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for namespace := range manifest.Namespaces {
		blob, err := m.backend.Get(epoch, namespace)
		if err != nil {
			return errors.WithMessagef(err, "failed to load namespace %s for epoch %d", namespace, epoch)
		}
		if blob == nil {
			return errors.Errorf("manifest lists namespace %s but epoch %d has no blob for it", namespace, epoch)
		}
		mirrors := map[string][]byte{}
		if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&mirrors); err != nil {
			return errors.WithMessagef(err, "failed to decode namespace %s", namespace)
		}
		c := &controller{mm: &sync.Map{}}
		for key, payload := range mirrors {
			c.Store(key, mirrorState{Payload: payload})
		}
		m.mm[namespace] = c
	}
	return nil
}

func (m *manager) Clean() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.mm = map[string]*controller{}
}

func NewManager(backend Backend) Manager {
	return &manager{
		mutex:   &sync.Mutex{},
		mm:      map[string]*controller{},
		backend: backend,
	}
}
