package store

import (
	"sort"
	"strconv"
	"sync"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/xujiajun/nutsdb"

	"github.com/rillstream/rill/log"
)

// manifestKey is reserved inside an epoch bucket; namespaces can't collide
// with it because task names never start with "__".
const manifestKey = "__manifest__"

func formatEpoch(epoch int64) string {
	return strconv.FormatInt(epoch, 10)
}

func parseEpoch(raw string) int64 {
	epoch, _ := strconv.ParseInt(raw, 10, 64)
	return epoch
}

// epochGuard rejects writes for epochs that can no longer complete. A task
// whose barrier was canceled or overtaken must not re-create staged state
// that no Persist or Discard will ever clean up again.
type epochGuard struct {
	lastPersisted int64
	discarded     map[int64]struct{}
}

func newEpochGuard() epochGuard {
	return epochGuard{discarded: map[int64]struct{}{}}
}

func (g *epochGuard) check(epoch int64) error {
	if _, ok := g.discarded[epoch]; ok {
		return errors.Errorf("epoch %d was discarded", epoch)
	}
	if g.lastPersisted > 0 && epoch <= g.lastPersisted {
		return errors.Errorf("epoch %d is not newer than persisted epoch %d", epoch, g.lastPersisted)
	}
	return nil
}

func (g *epochGuard) markDiscarded(epoch int64) {
	g.discarded[epoch] = struct{}{}
}

// markPersisted also drops discard records at or below the epoch, keeping
// the set bounded by the coordinator's in-flight window.
func (g *epochGuard) markPersisted(epoch int64) {
	if epoch > g.lastPersisted {
		g.lastPersisted = epoch
	}
	for old := range g.discarded {
		if old <= epoch {
			delete(g.discarded, old)
		}
	}
}

// memory keeps everything in process, used by tests and by jobs that opt out
// of durability.
type memory struct {
	mutex     sync.Mutex
	staged    map[int64]map[string][]byte
	manifests map[int64]*Manifest
	epochs    []int64
	retained  int
	guard     epochGuard
}

func (m *memory) Save(epoch int64, namespace string, state []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.guard.check(epoch); err != nil {
		return err
	}
	if m.staged[epoch] == nil {
		m.staged[epoch] = map[string][]byte{}
	}
	clone := make([]byte, len(state))
	copy(clone, state)
	m.staged[epoch][namespace] = clone
	return nil
}

func (m *memory) Persist(epoch int64, manifest *Manifest) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.staged[epoch]; !ok {
		m.staged[epoch] = map[string][]byte{}
	}
	m.manifests[epoch] = manifest
	m.guard.markPersisted(epoch)
	m.epochs = append(m.epochs, epoch)
	sort.Slice(m.epochs, func(i, j int) bool { return m.epochs[i] < m.epochs[j] })
	if m.retained > 0 && len(m.epochs) > m.retained {
		expired := m.epochs[:len(m.epochs)-m.retained]
		m.epochs = m.epochs[len(m.epochs)-m.retained:]
		for _, old := range expired {
			delete(m.staged, old)
			delete(m.manifests, old)
		}
	}
	return nil
}

func (m *memory) Discard(epoch int64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, completed := m.manifests[epoch]; completed {
		return errors.Errorf("epoch %d is already completed", epoch)
	}
	m.guard.markDiscarded(epoch)
	delete(m.staged, epoch)
	return nil
}

func (m *memory) Epochs() ([]int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	epochs := make([]int64, len(m.epochs))
	copy(epochs, m.epochs)
	return epochs, nil
}

func (m *memory) Manifest(epoch int64) (*Manifest, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	manifest, ok := m.manifests[epoch]
	if !ok {
		return nil, errors.Errorf("no completed checkpoint for epoch %d", epoch)
	}
	return manifest, nil
}

func (m *memory) Get(epoch int64, namespace string) ([]byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	blobs, ok := m.staged[epoch]
	if !ok {
		return nil, nil
	}
	return blobs[namespace], nil
}

func (m *memory) Close() error { return nil }

func NewMemoryBackend(retained int) Backend {
	return &memory{
		staged:    map[int64]map[string][]byte{},
		manifests: map[int64]*Manifest{},
		retained:  retained,
		guard:     newEpochGuard(),
	}
}

// fs persists checkpoints into a nutsdb directory: one bucket per epoch,
// one entry per namespace blob plus the manifest entry. Blobs are staged in
// memory and only touch the db inside Persist, so an aborted epoch never
// dirties the recovery point.
type fs struct {
	logger   log.Logger
	db       *nutsdb.DB
	mutex    sync.Mutex
	staged   map[int64]map[string][]byte
	epochs   []int64
	retained int
	guard    epochGuard
	//persisted counter used to pace db merges
	persistedTotal int
	mergeEvery     int
}

func (r *fs) init() error {
	return r.db.View(func(tx *nutsdb.Tx) error {
		if err := tx.IterateBuckets(nutsdb.DataStructureBPTree, "*", func(bucket string) bool {
			r.epochs = append(r.epochs, parseEpoch(bucket))
			return true
		}); err != nil {
			return errors.WithMessage(err, "unable to iterate checkpoints, the state may be corrupted")
		}
		sort.Slice(r.epochs, func(i, j int) bool { return r.epochs[i] < r.epochs[j] })
		if len(r.epochs) > 0 {
			r.guard.markPersisted(r.epochs[len(r.epochs)-1])
		}
		return nil
	})
}

func (r *fs) Save(epoch int64, namespace string, state []byte) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if err := r.guard.check(epoch); err != nil {
		return err
	}
	if r.staged[epoch] == nil {
		r.staged[epoch] = map[string][]byte{}
	}
	r.staged[epoch][namespace] = snappy.Encode(nil, state)
	return nil
}

func (r *fs) Persist(epoch int64, manifest *Manifest) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	blobs := r.staged[epoch]
	if blobs == nil {
		blobs = map[string][]byte{}
	}
	raw, err := manifest.Encode()
	if err != nil {
		return err
	}
	bucket := formatEpoch(epoch)
	if err := r.db.Update(func(tx *nutsdb.Tx) error {
		for namespace, blob := range blobs {
			if err := tx.Put(bucket, []byte(namespace), blob, 0); err != nil {
				return err
			}
		}
		return tx.Put(bucket, []byte(manifestKey), raw, 0)
	}); err != nil {
		return errors.WithMessagef(err, "failed to persist checkpoint %d", epoch)
	}
	delete(r.staged, epoch)
	r.guard.markPersisted(epoch)
	r.epochs = append(r.epochs, epoch)
	r.persistedTotal++

	var expired []int64
	if r.retained > 0 && len(r.epochs) > r.retained {
		expired = append(expired, r.epochs[:len(r.epochs)-r.retained]...)
		r.epochs = r.epochs[len(r.epochs)-r.retained:]
	}
	if len(expired) > 0 {
		if err := r.db.Update(func(tx *nutsdb.Tx) error {
			for _, old := range expired {
				if err := tx.DeleteBucket(nutsdb.DataStructureBPTree, formatEpoch(old)); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			r.logger.Warnw("failed to clean up expired checkpoints.", "err", err)
		}
	}
	if r.mergeEvery > 0 && r.persistedTotal%r.mergeEvery == 0 {
		if err := r.db.Merge(); err != nil {
			r.logger.Warnw("failed to merge checkpoint db.", "err", err)
		}
	}
	return nil
}

func (r *fs) Discard(epoch int64) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.guard.markDiscarded(epoch)
	delete(r.staged, epoch)
	return nil
}

func (r *fs) Epochs() ([]int64, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	epochs := make([]int64, len(r.epochs))
	copy(epochs, r.epochs)
	return epochs, nil
}

func (r *fs) Manifest(epoch int64) (*Manifest, error) {
	var raw []byte
	if err := r.db.View(func(tx *nutsdb.Tx) error {
		entry, err := tx.Get(formatEpoch(epoch), []byte(manifestKey))
		if err != nil {
			return err
		}
		raw = entry.Value
		return nil
	}); err != nil {
		return nil, errors.WithMessagef(err, "no manifest for epoch %d", epoch)
	}
	return DecodeManifest(raw)
}

func (r *fs) Get(epoch int64, namespace string) ([]byte, error) {
	var compressed []byte
	if err := r.db.View(func(tx *nutsdb.Tx) error {
		entry, err := tx.Get(formatEpoch(epoch), []byte(namespace))
		if err != nil {
			return err
		}
		compressed = entry.Value
		return nil
	}); err != nil {
		return nil, errors.WithMessagef(err, "failed to get namespace %s of epoch %d", namespace, epoch)
	}
	return snappy.Decode(nil, compressed)
}

func (r *fs) Close() error {
	return r.db.Close()
}

func NewFSBackend(checkpointsDir string, retained int) (Backend, error) {
	opts := nutsdb.DefaultOptions
	opts.SegmentSize = 64 * nutsdb.MB
	opts.Dir = checkpointsDir
	db, err := nutsdb.Open(opts)
	if err != nil {
		return nil, err
	}
	backend := &fs{
		logger:     log.Named("store.fs"),
		db:         db,
		staged:     map[int64]map[string][]byte{},
		retained:   retained,
		guard:      newEpochGuard(),
		mergeEvery: 16,
	}
	return backend, backend.init()
}
