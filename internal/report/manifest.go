package report

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/gantryproj/gantry/pkg/model"
	"github.com/gantryproj/gantry/pkg/session"
)

// Manifest is the export manifest written beside an exported dataset. Each
// entry carries the payload content hash so the receiver can verify the
// export bit-for-bit.
type Manifest struct {
	ManifestID string          `json:"manifest_id"`
	CreatedAt  time.Time       `json:"created_at"`
	Profile    string          `json:"profile,omitempty"`
	Instances  []ManifestEntry `json:"instances"`
}

// ManifestEntry describes one exported instance.
type ManifestEntry struct {
	InstanceUID string      `json:"instance_uid"`
	SeriesUID   string      `json:"series_uid"`
	PayloadHash string      `json:"payload_hash,omitempty"`
	PayloadSize int64       `json:"payload_size"`
	Codec       model.Codec `json:"codec,omitempty"`
	Version     uint64      `json:"version"`
}

// BuildManifest walks the non-quarantined instances of a session.
func BuildManifest(sess *session.Session, profile string) (*Manifest, error) {
	m := &Manifest{
		ManifestID: uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		Profile:    profile,
	}
	err := sess.EachInstance(func(inst *model.Instance) bool {
		m.Instances = append(m.Instances, ManifestEntry{
			InstanceUID: inst.InstanceUID,
			SeriesUID:   inst.SeriesUID,
			PayloadHash: inst.Payload.Hash,
			PayloadSize: inst.Payload.Length,
			Codec:       inst.Payload.Codec,
			Version:     inst.Version,
		})
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("build manifest: %w", err)
	}
	return m, nil
}

// Write serializes the manifest as indented JSON.
func (m *Manifest) Write(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
