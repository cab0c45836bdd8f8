// Package store defines the metadata storage interface and SQLite
// implementation.
package store

import (
	"github.com/gantryproj/gantry/pkg/model"
)

// SchemaVersion is incremented when schema changes require migration.
const SchemaVersion = 1

// Store is the transactional index over the entity graph: the single source
// of truth for what currently exists.
type Store interface {
	// Lifecycle
	Close() error

	// Metadata
	GetMeta() (*model.SessionMeta, error)
	SetMeta(meta *model.SessionMeta) error

	Reader
	Writer
}

// Reader defines read-side operations.
type Reader interface {
	// GetPatient/Study/Series/Instance fetch one entity by unique key.
	// A missing row returns ErrNotFound.
	GetPatient(patientID string) (*model.Patient, error)
	GetStudy(studyUID string) (*model.Study, error)
	GetSeries(seriesUID string) (*model.Series, error)
	GetInstance(instanceUID string) (*model.Instance, error)

	// ListInstances streams every instance row. yield returning false stops
	// the scan. Rows arrive in instance_uid order.
	ListInstances(yield func(*model.Instance) bool) error

	// ListSeries returns every series row (the series table is small enough
	// to materialize; instances are not).
	ListSeries() ([]*model.Series, error)

	// VerticalAttributes returns the sparse rows for one instance.
	VerticalAttributes(instanceUID string) ([]model.AttributeEntry, error)

	// AuditMaxSequence returns the highest flushed audit sequence (0 when
	// the log is empty).
	AuditMaxSequence() (uint64, error)

	// ListFindings returns all persisted PHI findings.
	ListFindings() ([]model.PhiFinding, error)

	// ListMachineRules returns all persisted machine rules.
	ListMachineRules() ([]model.MachineRule, error)
}

// Writer defines write-side operations used inside batch transactions.
type Writer interface {
	// BeginBatch starts a batch write transaction.
	BeginBatch() error

	// CommitBatch commits the current batch.
	CommitBatch() error

	// RollbackBatch rolls back the current batch.
	RollbackBatch() error

	// UpsertPatient/Study/Series/Instance are idempotent insert-or-update
	// keyed by unique identifier. A child whose parent does not resolve
	// fails with ErrForeignKey.
	UpsertPatient(p *model.Patient) error
	UpsertStudy(s *model.Study) error
	UpsertSeries(s *model.Series) error
	UpsertInstance(i *model.Instance) error

	// SetVerticalAttribute writes one sparse attribute row.
	SetVerticalAttribute(e model.AttributeEntry) error

	// SetQuarantined flips an instance's quarantine flag.
	SetQuarantined(instanceUID string, quarantined bool) error

	// AppendAuditEntries appends pre-sequenced audit entries in order.
	AppendAuditEntries(entries []model.AuditEntry) error

	// AppendFinding persists one PHI finding.
	AppendFinding(f model.PhiFinding) error

	// AppendMachineRule persists one rule; a duplicate serial number fails
	// with ErrDuplicateRule.
	AppendMachineRule(r model.MachineRule) error
}
