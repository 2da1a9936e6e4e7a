package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Backend {
	fsBackend, err := NewFSBackend(t.TempDir(), 2)
	require.NoError(t, err)
	return map[string]Backend{
		"memory": NewMemoryBackend(2),
		"fs":     fsBackend,
	}
}

func completedManifest(epoch int64, namespaces map[string]NamespaceMeta) *Manifest {
	manifest := NewManifest(epoch, time.Now().UnixMilli())
	manifest.Namespaces = namespaces
	manifest.FinishTime = time.Now().UnixMilli()
	manifest.State = CheckpointCompleted
	return manifest
}

func TestBackendRoundTrip(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, backend.Save(1, "op", []byte("blob-1")))
			require.NoError(t, backend.Persist(1, completedManifest(1, map[string]NamespaceMeta{
				"op": {SizeBytes: 6},
			})))

			epochs, err := backend.Epochs()
			require.NoError(t, err)
			assert.Equal(t, []int64{1}, epochs)

			manifest, err := backend.Manifest(1)
			require.NoError(t, err)
			assert.Equal(t, int64(1), manifest.Epoch)
			assert.Equal(t, CheckpointCompleted, manifest.State)
			assert.Equal(t, int64(6), manifest.SizeBytes())

			blob, err := backend.Get(1, "op")
			require.NoError(t, err)
			assert.Equal(t, []byte("blob-1"), blob)
		})
	}
}

func TestBackendDiscardLeavesPersistedEpochs(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, backend.Save(1, "op", []byte("one")))
			require.NoError(t, backend.Persist(1, completedManifest(1, map[string]NamespaceMeta{"op": {SizeBytes: 3}})))

			//epoch 2 is staged but then aborted
			require.NoError(t, backend.Save(2, "op", []byte("two")))
			require.NoError(t, backend.Discard(2))

			epochs, err := backend.Epochs()
			require.NoError(t, err)
			assert.Equal(t, []int64{1}, epochs)

			blob, err := backend.Get(1, "op")
			require.NoError(t, err)
			assert.Equal(t, []byte("one"), blob)
		})
	}
}

func TestBackendSaveRefusesDiscardedEpoch(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, backend.Save(1, "op", []byte("one")))
			require.NoError(t, backend.Discard(1))

			//a straggler task delivering its snapshot after the abort must
			//not re-create staged state for the dead epoch
			assert.Error(t, backend.Save(1, "op", []byte("late")))
			if mem, ok := backend.(*memory); ok {
				mem.mutex.Lock()
				_, staged := mem.staged[1]
				mem.mutex.Unlock()
				assert.False(t, staged)
			}
			if fsBackend, ok := backend.(*fs); ok {
				fsBackend.mutex.Lock()
				_, staged := fsBackend.staged[1]
				fsBackend.mutex.Unlock()
				assert.False(t, staged)
			}
		})
	}
}

func TestBackendSaveRefusesEpochBehindPersisted(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, backend.Save(2, "op", []byte("two")))
			require.NoError(t, backend.Persist(2, completedManifest(2, map[string]NamespaceMeta{"op": {SizeBytes: 3}})))

			assert.Error(t, backend.Save(1, "op", []byte("stale")))
			assert.Error(t, backend.Save(2, "op", []byte("stale")))
			require.NoError(t, backend.Save(3, "op", []byte("three")))
		})
	}
}

func TestBackendRetention(t *testing.T) {
	// retained is 2, so persisting a third epoch drops the oldest
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for epoch := int64(1); epoch <= 3; epoch++ {
				require.NoError(t, backend.Save(epoch, "op", []byte{byte(epoch)}))
				require.NoError(t, backend.Persist(epoch, completedManifest(epoch, map[string]NamespaceMeta{"op": {SizeBytes: 1}})))
			}
			epochs, err := backend.Epochs()
			require.NoError(t, err)
			assert.Equal(t, []int64{2, 3}, epochs)
		})
	}
}

func TestManagerSaveAndRestore(t *testing.T) {
	backend := NewMemoryBackend(3)
	manager := NewManager(backend)
	controller := manager.Controller("op")
	stateController, err := GobRegisterOrGet[map[string]int](controller, "counts", func() map[string]int {
		return map[string]int{}
	})
	require.NoError(t, err)
	(*stateController.Pointer())["a"] = 3
	(*stateController.Pointer())["b"] = 7

	snapshot, err := manager.Save(7, "op")
	require.NoError(t, err)
	assert.Equal(t, "op", snapshot.Namespace)
	assert.Positive(t, snapshot.SizeBytes)
	require.NoError(t, backend.Persist(7, completedManifest(7, map[string]NamespaceMeta{
		"op": {SizeBytes: snapshot.SizeBytes},
	})))

	//a fresh manager sees the restored mirror once the operator re-registers
	restored := NewManager(backend)
	epoch, err := restored.RestoreLatest()
	require.NoError(t, err)
	assert.Equal(t, int64(7), epoch)

	restoredController, err := GobRegisterOrGet[map[string]int](restored.Controller("op"), "counts", func() map[string]int {
		return map[string]int{}
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 3, "b": 7}, restoredController.Value())
}

func TestKeyedStateTTL(t *testing.T) {
	manager := NewManager(NewMemoryBackend(3))
	keyed, err := RegisterKeyed[string, int](manager.Controller("op"), "sessions", 100*time.Millisecond)
	require.NoError(t, err)

	now := int64(1000)
	keyed.now = func() int64 { return now }

	keyed.Put("a", 1)
	keyed.Put("b", 2)
	value, ok := keyed.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, value)

	now = 1090
	//access refreshes a's clock, b stays untouched
	_, _ = keyed.Get("a")
	now = 1180
	assert.Equal(t, 1, keyed.Sweep())
	_, ok = keyed.Get("b")
	assert.False(t, ok)
	_, ok = keyed.Get("a")
	assert.True(t, ok)
}

func TestRepartitionIsDeterministic(t *testing.T) {
	keys := []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta"}
	original := map[string]int{}
	for i, key := range keys {
		original[key] = i
	}

	shards := Repartition([]map[string]int{original}, 3, func(k string) []byte { return []byte(k) })
	again := Repartition(shards, 3, func(k string) []byte { return []byte(k) })
	assert.Equal(t, shards, again)

	//scaling down then up loses nothing and lands keys by pure hash
	down := Repartition(shards, 1, func(k string) []byte { return []byte(k) })
	assert.Equal(t, original, down[0])
	up := Repartition(down, 3, func(k string) []byte { return []byte(k) })
	assert.Equal(t, shards, up)

	for _, key := range keys {
		assert.Equal(t, KeyGroup([]byte(key), 3), KeyGroup([]byte(key), 3))
	}
}
