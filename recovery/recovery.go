// Package recovery turns a checkpoint backend back into a running job: it
// picks the restore point, reloads state and replays source positions, and
// supervises restarts after failures.
package recovery

import (
	"github.com/pkg/errors"

	"github.com/rillstream/rill/store"
)

var (
	// ErrNoCheckpoint means the backend holds no completed epoch; the job
	// starts fresh.
	ErrNoCheckpoint = errors.New("no completed checkpoint")
	// ErrCorrupt marks a restore point that cannot be loaded. Retrying
	// cannot help; the supervisor fails the job instead of restarting.
	ErrCorrupt = errors.New("corrupt checkpoint")
)

// RestorePoint is one completed epoch chosen to resume from.
type RestorePoint struct {
	Epoch    int64
	Manifest *store.Manifest
}

// Latest returns the newest completed epoch. Epochs staged but never
// persisted do not appear in the backend listing, so an epoch that was
// in flight at crash time is skipped naturally.
func Latest(backend store.Backend) (*RestorePoint, error) {
	epochs, err := backend.Epochs()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to list epochs")
	}
	for i := len(epochs) - 1; i >= 0; i-- {
		manifest, err := backend.Manifest(epochs[i])
		if err != nil {
			return nil, errors.WithMessagef(ErrCorrupt, "epoch %d listed but manifest unreadable: %v", epochs[i], err)
		}
		if manifest.State == store.CheckpointCompleted {
			return &RestorePoint{Epoch: epochs[i], Manifest: manifest}, nil
		}
	}
	return nil, ErrNoCheckpoint
}

// Restore loads the chosen epoch into the state manager and returns its
// manifest so sources can be re-seeked. Epoch 0 means the newest completed
// one; it is not an error if none exists yet, the returned point is nil.
func Restore(manager store.Manager, backend store.Backend, epoch int64) (*RestorePoint, error) {
	var (
		point *RestorePoint
		err   error
	)
	if epoch > 0 {
		manifest, manifestErr := backend.Manifest(epoch)
		if manifestErr != nil {
			return nil, errors.WithMessagef(manifestErr, "failed to read manifest of epoch %d", epoch)
		}
		if manifest.State != store.CheckpointCompleted {
			return nil, errors.Errorf("epoch %d did not complete, cannot restore from it", epoch)
		}
		point = &RestorePoint{Epoch: epoch, Manifest: manifest}
	} else {
		if point, err = Latest(backend); err != nil {
			if errors.Is(err, ErrNoCheckpoint) {
				return nil, nil
			}
			return nil, err
		}
	}
	if err = manager.Restore(point.Epoch); err != nil {
		return nil, errors.WithMessagef(ErrCorrupt, "failed to restore epoch %d: %v", point.Epoch, err)
	}
	return point, nil
}
