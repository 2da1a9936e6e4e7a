package store

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ManifestVersion is bumped whenever the manifest schema changes shape.
// Readers refuse versions they don't know instead of guessing.
const ManifestVersion = 1

const (
	CheckpointCompleted = "completed"
)

type NamespaceMeta struct {
	SizeBytes int64 `json:"size_bytes"`
}

// Manifest is the per-epoch index persisted next to the state blobs:
// which namespaces were captured, where sources stood and what the
// transactional sinks pre-committed.
type Manifest struct {
	Version       int                         `json:"version"`
	Epoch         int64                       `json:"epoch"`
	StartTime     int64                       `json:"start_time"`
	FinishTime    int64                       `json:"finish_time"`
	State         string                      `json:"state"`
	Namespaces    map[string]NamespaceMeta    `json:"namespaces"`
	SourceOffsets map[string]map[string]int64 `json:"source_offsets,omitempty"`
	SinkTokens    map[string][]byte           `json:"sink_tokens,omitempty"`
}

func NewManifest(epoch int64, startTime int64) *Manifest {
	return &Manifest{
		Version:       ManifestVersion,
		Epoch:         epoch,
		StartTime:     startTime,
		Namespaces:    map[string]NamespaceMeta{},
		SourceOffsets: map[string]map[string]int64{},
		SinkTokens:    map[string][]byte{},
	}
}

// SizeBytes is the total size of all captured namespace blobs.
func (m *Manifest) SizeBytes() int64 {
	var total int64
	for _, meta := range m.Namespaces {
		total += meta.SizeBytes
	}
	return total
}

func (m *Manifest) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeManifest(raw []byte) (*Manifest, error) {
	manifest := &Manifest{}
	if err := json.Unmarshal(raw, manifest); err != nil {
		return nil, errors.WithMessage(err, "failed to decode checkpoint manifest")
	}
	if manifest.Version != ManifestVersion {
		return nil, errors.Errorf("unsupported manifest version %d", manifest.Version)
	}
	return manifest, nil
}
