// Package model defines core data models for the curation store.
// These models are storage-friendly: small structured metadata with payload
// references into the sidecar file, never the raw frame bytes themselves.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ────────────────────────────────────────────────────────────────────────────────
// Payload Reference
// ────────────────────────────────────────────────────────────────────────────────

// Codec identifies how a payload frame is stored in the sidecar.
type Codec string

const (
	CodecRaw  Codec = "raw"
	CodecZlib Codec = "zlib"
)

// PayloadRef points to a byte range in the sidecar file. The hash is over
// the uncompressed payload, so integrity survives codec changes.
type PayloadRef struct {
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	Hash   string `json:"hash"` // hex-encoded SHA-256 of the uncompressed payload
	Codec  Codec  `json:"codec"`
}

// Valid reports whether the reference addresses a real range.
func (r PayloadRef) Valid() bool {
	return r.Length > 0 && r.Offset >= 0
}

// HashBytes computes the content hash stored inside a PayloadRef.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ────────────────────────────────────────────────────────────────────────────────
// Tags and attribute values
// ────────────────────────────────────────────────────────────────────────────────

// Tag is a group/element attribute key in "GGGG,EEEE" hex form.
// Even groups are core (dense) attributes, odd groups are vertical (sparse).
type Tag struct {
	Group   uint16
	Element uint16
}

// ParseTag parses "GGGG,EEEE" (hex) into a Tag.
func ParseTag(s string) (Tag, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return Tag{}, fmt.Errorf("malformed tag %q", s)
	}
	g, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 16, 16)
	if err != nil {
		return Tag{}, fmt.Errorf("malformed tag group %q: %w", s, err)
	}
	e, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 16, 16)
	if err != nil {
		return Tag{}, fmt.Errorf("malformed tag element %q: %w", s, err)
	}
	return Tag{Group: uint16(g), Element: uint16(e)}, nil
}

// String renders the tag in canonical "GGGG,EEEE" form.
func (t Tag) String() string {
	return fmt.Sprintf("%04x,%04x", t.Group, t.Element)
}

// IsCore reports whether the tag belongs in the dense core blob.
// Core and vertical storage partition the tag space by group parity.
func (t Tag) IsCore() bool {
	return t.Group%2 == 0
}

// MarshalText implements encoding.TextMarshaler so tags can key JSON maps.
func (t Tag) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tag) UnmarshalText(data []byte) error {
	parsed, err := ParseTag(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ────────────────────────────────────────────────────────────────────────────────
// Entity hierarchy
// ────────────────────────────────────────────────────────────────────────────────

// Patient is the root identity. Created on first-seen identifier, never
// deleted, only updated.
type Patient struct {
	PatientID   string `json:"patient_id"`
	DisplayName string `json:"display_name"`
}

// Study is one clinical visit under a patient.
type Study struct {
	StudyUID  string `json:"study_uid"`
	Date      string `json:"date,omitempty"` // YYYYMMDD, empty when unknown
	PatientID string `json:"patient_id"`
}

// Series is one acquisition run. Device fields drive machine-based
// redaction-rule matching.
type Series struct {
	SeriesUID          string `json:"series_uid"`
	Modality           string `json:"modality"`
	Manufacturer       string `json:"manufacturer,omitempty"`
	ModelName          string `json:"model_name,omitempty"`
	DeviceSerialNumber string `json:"device_serial_number,omitempty"`
	StudyUID           string `json:"study_uid"`
}

// Equipment is the unique device triple used for inventory and rule matching.
type Equipment struct {
	Manufacturer       string `json:"manufacturer"`
	ModelName          string `json:"model_name"`
	DeviceSerialNumber string `json:"device_serial_number"`
}

// Equipment returns the series' device triple.
func (s *Series) Equipment() Equipment {
	return Equipment{
		Manufacturer:       s.Manufacturer,
		ModelName:          s.ModelName,
		DeviceSerialNumber: s.DeviceSerialNumber,
	}
}

// Instance is one payload-bearing record. Core attributes are the dense,
// frequently queried fields stored as one blob per row; sparse vendor
// attributes live in separate AttributeEntry rows.
type Instance struct {
	InstanceUID string            `json:"instance_uid"`
	SeriesUID   string            `json:"series_uid"`
	Core        map[Tag]AttrValue `json:"core_attributes,omitempty"`
	Payload     PayloadRef        `json:"payload_ref"`
	Version     uint64            `json:"version"`
	Quarantined bool              `json:"quarantined,omitempty"`
}

// Clone returns a copy whose Core map is independent of the receiver, so a
// handed-out view never shares mutable state with the session's pending
// record.
func (i *Instance) Clone() *Instance {
	cp := *i
	if i.Core != nil {
		cp.Core = make(map[Tag]AttrValue, len(i.Core))
		for k, v := range i.Core {
			cp.Core[k] = v
		}
	}
	return &cp
}

// SetCore stores a core attribute value. The tag must be even-group.
func (i *Instance) SetCore(tag Tag, v AttrValue) {
	if i.Core == nil {
		i.Core = make(map[Tag]AttrValue)
	}
	i.Core[tag] = v
}

// AttributeEntry is one sparse attribute row keyed by
// instance_uid+group+element.
type AttributeEntry struct {
	InstanceUID string    `json:"instance_uid"`
	Group       uint16    `json:"group"`
	Element     uint16    `json:"element"`
	Value       AttrValue `json:"value"`
}

// Tag returns the entry's attribute key.
func (e AttributeEntry) Tag() Tag {
	return Tag{Group: e.Group, Element: e.Element}
}

// ────────────────────────────────────────────────────────────────────────────────
// Audit log
// ────────────────────────────────────────────────────────────────────────────────

// ActionKind categorizes state-changing actions for the audit log.
type ActionKind string

const (
	ActionIngest    ActionKind = "ingest"
	ActionRedact    ActionKind = "redact"
	ActionRemediate ActionKind = "remediate"
	ActionAttribute ActionKind = "attribute"
	ActionCompact   ActionKind = "compact"
	ActionSave      ActionKind = "save"
)

// AuditEntry is one append-only, sequence-ordered log record. Sequence
// numbers are strictly increasing and gap-free per store instance.
type AuditEntry struct {
	Sequence    uint64     `json:"sequence"`
	TimestampNS int64      `json:"timestamp_ns"`
	Action      ActionKind `json:"action"`
	EntityUID   string     `json:"entity_uid"`
	Details     string     `json:"details,omitempty"`
}

// Timestamp returns the entry timestamp as time.Time.
func (e *AuditEntry) Timestamp() time.Time {
	return time.Unix(0, e.TimestampNS)
}

// ────────────────────────────────────────────────────────────────────────────────
// PHI findings and machine rules
// ────────────────────────────────────────────────────────────────────────────────

// RemediationAction names what the remediation applier should do with a
// flagged field.
type RemediationAction string

const (
	RemediationReplace RemediationAction = "REPLACE"
	RemediationHash    RemediationAction = "HASH"
	RemediationRemove  RemediationAction = "REMOVE"
)

// PhiFinding is produced by the privacy-analysis collaborator and persisted
// by this store.
type PhiFinding struct {
	EntityUID   string            `json:"entity_uid"`
	EntityType  string            `json:"entity_type"` // Patient, Study, Series, Instance
	FieldName   string            `json:"field_name"`  // entity field or "GGGG,EEEE" tag
	Value       string            `json:"value"`
	Reason      string            `json:"reason,omitempty"`
	Action      RemediationAction `json:"remediation_action,omitempty"`
	Replacement string            `json:"remediation_value,omitempty"`
}

// RedactionZone is a pixel-space rectangle, rows/cols half-open.
type RedactionZone struct {
	RowStart int `json:"row_start" yaml:"row_start"`
	RowEnd   int `json:"row_end" yaml:"row_end"`
	ColStart int `json:"col_start" yaml:"col_start"`
	ColEnd   int `json:"col_end" yaml:"col_end"`
}

// MachineRule maps a device serial number to burnt-in annotation zones.
// Configuration data: the store persists rules but never mutates them.
type MachineRule struct {
	SerialNumber string          `json:"serial_number" yaml:"serial_number"`
	Manufacturer string          `json:"manufacturer,omitempty" yaml:"manufacturer,omitempty"`
	ModelName    string          `json:"model_name,omitempty" yaml:"model_name,omitempty"`
	Zones        []RedactionZone `json:"redaction_zones" yaml:"redaction_zones"`
}

// ────────────────────────────────────────────────────────────────────────────────
// Session metadata
// ────────────────────────────────────────────────────────────────────────────────

// SessionMeta is the key/value metadata stored beside the entity tables.
// SidecarFile establishes the pairing between the metadata file and its
// payload sidecar; opening a store whose sidecar is missing is a hard error.
type SessionMeta struct {
	SchemaVersion  int       `json:"schema_version"`
	SidecarFile    string    `json:"sidecar_file"`
	CreatedAt      time.Time `json:"created_at"`
	SavedAt        time.Time `json:"saved_at"`
	LastAuditSeq   uint64    `json:"last_audit_seq"`
	TotalInstances int       `json:"total_instances"`
}
