package recovery

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rillstream/rill/store"
)

func persistEpoch(t *testing.T, backend store.Backend, manager store.Manager, epoch int64, counts map[string]int) {
	controller := manager.Controller("op")
	stateController, err := store.GobRegisterOrGet[map[string]int](controller, "counts", func() map[string]int {
		return map[string]int{}
	})
	require.NoError(t, err)
	stateController.Update(counts)

	snapshot, err := manager.Save(epoch, "op")
	require.NoError(t, err)

	manifest := store.NewManifest(epoch, time.Now().UnixMilli())
	manifest.Namespaces["op"] = store.NamespaceMeta{SizeBytes: snapshot.SizeBytes}
	manifest.SourceOffsets["source.numbers"] = map[string]int64{"script": epoch * 10}
	manifest.FinishTime = time.Now().UnixMilli()
	manifest.State = store.CheckpointCompleted
	require.NoError(t, backend.Persist(epoch, manifest))
}

func TestLatestSkipsInFlightEpoch(t *testing.T) {
	backend := store.NewMemoryBackend(5)
	manager := store.NewManager(backend)
	for epoch := int64(1); epoch <= 4; epoch++ {
		persistEpoch(t, backend, manager, epoch, map[string]int{"n": int(epoch)})
	}
	//epoch 5 crashed mid-flight: blobs staged, manifest never persisted
	require.NoError(t, backend.Save(5, "op", []byte("partial")))

	point, err := Latest(backend)
	require.NoError(t, err)
	assert.Equal(t, int64(4), point.Epoch)
	assert.Equal(t, map[string]int64{"script": 40}, point.Manifest.SourceOffsets["source.numbers"])
}

func TestLatestNoCheckpoint(t *testing.T) {
	_, err := Latest(store.NewMemoryBackend(5))
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestRestoreLoadsStateAndOffsets(t *testing.T) {
	backend := store.NewMemoryBackend(5)
	manager := store.NewManager(backend)
	persistEpoch(t, backend, manager, 1, map[string]int{"n": 1})
	persistEpoch(t, backend, manager, 2, map[string]int{"n": 2})

	fresh := store.NewManager(backend)
	point, err := Restore(fresh, backend, 0)
	require.NoError(t, err)
	require.NotNil(t, point)
	assert.Equal(t, int64(2), point.Epoch)

	stateController, err := store.GobRegisterOrGet[map[string]int](fresh.Controller("op"), "counts", func() map[string]int {
		return map[string]int{}
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"n": 2}, stateController.Value())
}

func TestRestorePinnedEpoch(t *testing.T) {
	backend := store.NewMemoryBackend(5)
	manager := store.NewManager(backend)
	persistEpoch(t, backend, manager, 1, map[string]int{"n": 1})
	persistEpoch(t, backend, manager, 2, map[string]int{"n": 2})

	fresh := store.NewManager(backend)
	point, err := Restore(fresh, backend, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), point.Epoch)

	//pinning an epoch that never completed is an error
	_, err = Restore(store.NewManager(backend), backend, 9)
	assert.Error(t, err)
}

func TestRestoreFreshStart(t *testing.T) {
	backend := store.NewMemoryBackend(5)
	point, err := Restore(store.NewManager(backend), backend, 0)
	require.NoError(t, err)
	assert.Nil(t, point)
}

type corruptBackend struct {
	store.Backend
}

func (c *corruptBackend) Get(int64, string) ([]byte, error) {
	return nil, errors.New("bit rot")
}

func TestRestoreCorruptIsNotRetryable(t *testing.T) {
	inner := store.NewMemoryBackend(5)
	manager := store.NewManager(inner)
	persistEpoch(t, inner, manager, 1, map[string]int{"n": 1})

	backend := &corruptBackend{Backend: inner}
	_, err := Restore(store.NewManager(backend), backend, 0)
	assert.ErrorIs(t, err, ErrCorrupt)
}
