package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for the storage engine. Record-scoped errors (ErrRange,
// ErrIntegrity) quarantine a single instance; ErrConflict asks the caller to
// re-read and retry; ErrForeignKey rejects a single write. ErrMissingSidecar
// and ErrCompactAborted are structural and halt further mutation.
var (
	ErrRange          = errors.New("payload range outside sidecar bounds")
	ErrIntegrity      = errors.New("payload content hash mismatch")
	ErrForeignKey     = errors.New("foreign key does not resolve")
	ErrConflict       = errors.New("version conflict")
	ErrMissingSidecar = errors.New("sidecar file missing")
	ErrCompactAborted = errors.New("compaction aborted mid-flight")
	ErrDuplicateRule  = errors.New("machine rule serial number already exists")
	ErrNotFound       = errors.New("record not found")
)

// AuditGapWarning is surfaced (not returned as an error) when the persisted
// last-issued audit sequence is ahead of the audit table's max sequence:
// entries were accepted but never flushed before shutdown. The underlying
// data mutations are already committed, so this is informational.
type AuditGapWarning struct {
	LastIssued  uint64
	LastFlushed uint64
}

func (w AuditGapWarning) String() string {
	return fmt.Sprintf("audit log incomplete: %d entries accepted but not flushed (issued=%d flushed=%d)",
		w.LastIssued-w.LastFlushed, w.LastIssued, w.LastFlushed)
}
