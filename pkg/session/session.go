// Package session composes the metadata store, payload sidecar, mutation
// tracker, and audit queue into the store facade handed to collaborators.
//
// There is no ambient global session: every collaborator receives an
// explicit *Session handle whose lifecycle is Open/Close.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gantryproj/gantry/pkg/audit"
	"github.com/gantryproj/gantry/pkg/model"
	"github.com/gantryproj/gantry/pkg/sidecar"
	"github.com/gantryproj/gantry/pkg/store"
	"github.com/gantryproj/gantry/pkg/store/sqlite"
	"github.com/gantryproj/gantry/pkg/track"
)

// Options tunes a session. Zero values pick defaults.
type Options struct {
	// AuditCapacity bounds the audit queue (backpressure threshold).
	AuditCapacity int

	// Codec is the sidecar frame codec for new payload appends.
	Codec model.Codec
}

// OpenReport lists the recoverable issues found while opening a store.
// A corrupt record is quarantined, not fatal: the caller decides whether to
// proceed with a partially clean dataset.
type OpenReport struct {
	Quarantined []string // instance UIDs excluded from normal iteration
	Warnings    []string
}

// SaveReport summarizes one save pass.
type SaveReport struct {
	FlushedInstances int
	AuditFlushed     uint64
	Duration         time.Duration
}

// Session is the facade over the four storage subsystems.
type Session struct {
	db      *sqlite.SQLiteStore
	sc      *sidecar.Sidecar
	tracker *track.Tracker
	queue   *audit.Queue
	opts    Options

	mu            sync.Mutex // serializes save/compact and pending-state access
	pending       map[string]*model.Instance
	pendingVert   []model.AttributeEntry
	pendingAudit  []auditEvent
	inBatch       bool
	compactFailed bool

	saveWG  sync.WaitGroup
	saveErr error
}

type auditEvent struct {
	action  model.ActionKind
	uid     string
	details string
}

// Open opens (creating if necessary) the metadata store at dbPath together
// with its paired sidecar. Structural problems fail the open; per-record
// corruption is quarantined and reported.
func Open(dbPath string, opts Options) (*Session, *OpenReport, error) {
	if opts.Codec == "" {
		opts.Codec = model.CodecZlib
	}

	db, err := sqlite.Open(dbPath, false)
	if err != nil {
		return nil, nil, fmt.Errorf("open metadata store: %w", err)
	}

	meta, err := db.GetMeta()
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("read meta: %w", err)
	}

	report := &OpenReport{}
	dir := filepath.Dir(dbPath)

	var sc *sidecar.Sidecar
	if meta.SidecarFile == "" {
		// Fresh store: create the sidecar beside the database and record
		// the pairing.
		name := defaultSidecarName(dbPath)
		sc, err = sidecar.Open(filepath.Join(dir, name))
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		meta.SidecarFile = name
		meta.SchemaVersion = store.SchemaVersion
		if err := db.SetMeta(meta); err != nil {
			sc.Close()
			db.Close()
			return nil, nil, fmt.Errorf("record sidecar pairing: %w", err)
		}
	} else {
		scPath := meta.SidecarFile
		if !filepath.IsAbs(scPath) {
			scPath = filepath.Join(dir, scPath)
		}
		sc, err = sidecar.OpenExisting(scPath)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
	}

	s := &Session{
		db:      db,
		sc:      sc,
		tracker: track.New(),
		opts:    opts,
		pending: make(map[string]*model.Instance),
	}

	// Unflushed audit entries describe already-committed mutations; losing
	// the log of an action does not corrupt the data itself.
	flushed, err := db.AuditMaxSequence()
	if err != nil {
		s.closeFiles()
		return nil, nil, fmt.Errorf("read audit watermark: %w", err)
	}
	if meta.LastAuditSeq > flushed {
		report.Warnings = append(report.Warnings,
			store.AuditGapWarning{LastIssued: meta.LastAuditSeq, LastFlushed: flushed}.String())
	}
	startSeq := flushed
	if meta.LastAuditSeq > startSeq {
		startSeq = meta.LastAuditSeq
	}
	s.queue = audit.New(db, opts.AuditCapacity, startSeq)

	if err := s.validateRefs(report); err != nil {
		s.queue.Close()
		s.closeFiles()
		return nil, nil, err
	}

	slog.Info("session opened", "db", dbPath, "sidecar", sc.Path(),
		"quarantined", len(report.Quarantined), "warnings", len(report.Warnings))
	return s, report, nil
}

// validateRefs cross-checks every payload reference against the sidecar
// size, quarantining records whose range dangles past end-of-file. The scan
// registers each instance's version with the mutation tracker.
func (s *Session) validateRefs(report *OpenReport) error {
	size, err := s.sc.Size()
	if err != nil {
		return err
	}

	var bad []string
	err = s.db.ListInstances(func(inst *model.Instance) bool {
		s.tracker.Register(inst.InstanceUID, inst.Version)
		if inst.Payload.Valid() && inst.Payload.Offset+inst.Payload.Length > size {
			bad = append(bad, inst.InstanceUID)
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("scan instances: %w", err)
	}
	if len(bad) == 0 {
		return nil
	}

	if err := s.db.BeginBatch(); err != nil {
		return err
	}
	for _, uid := range bad {
		if err := s.db.SetQuarantined(uid, true); err != nil {
			s.db.RollbackBatch()
			return err
		}
	}
	if err := s.db.CommitBatch(); err != nil {
		return err
	}

	report.Quarantined = append(report.Quarantined, bad...)
	for _, uid := range bad {
		slog.Warn("quarantined instance with dangling payload ref", "instance", uid)
	}
	return nil
}

// Close drains the audit queue and releases both files. Pending unsaved
// mutations are flushed first.
func (s *Session) Close() error {
	if err := s.Flush(); err != nil {
		slog.Error("flush pending saves", "error", err)
	}
	if _, err := s.Save(); err != nil && !s.compactFailed {
		slog.Error("final save", "error", err)
	}
	qErr := s.queue.Close()
	fErr := s.closeFiles()
	if qErr != nil {
		return qErr
	}
	return fErr
}

func (s *Session) closeFiles() error {
	scErr := s.sc.Close()
	dbErr := s.db.Close()
	if dbErr != nil {
		return dbErr
	}
	return scErr
}

// Store exposes the underlying metadata store for read-side collaborators
// (query engine, reports).
func (s *Session) Store() *sqlite.SQLiteStore {
	return s.db
}

// Tracker exposes the mutation tracker (redaction workers CAS through it).
func (s *Session) Tracker() *track.Tracker {
	return s.tracker
}

func defaultSidecarName(dbPath string) string {
	base := filepath.Base(dbPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return base + "_payload.bin"
}

// guardMutation fails once the store's structural integrity is unknown.
func (s *Session) guardMutation() error {
	if s.compactFailed {
		return fmt.Errorf("%w: store must be reopened and re-validated", store.ErrCompactAborted)
	}
	return nil
}

// ────────────────────────────────────────────────────────────────────────────────
// Batched ingestion and mutation
// ────────────────────────────────────────────────────────────────────────────────

// Begin opens a metadata write batch. Audit entries recorded during the
// batch are enqueued only after the batch commits, so a rolled-back batch
// leaves no trace in the log.
func (s *Session) Begin() error {
	if err := s.guardMutation(); err != nil {
		return err
	}
	if err := s.db.BeginBatch(); err != nil {
		return err
	}
	s.mu.Lock()
	s.inBatch = true
	s.mu.Unlock()
	return nil
}

// Commit commits the current batch and releases its audit entries to the
// queue (which may block briefly under backpressure).
func (s *Session) Commit() error {
	if err := s.db.CommitBatch(); err != nil {
		return err
	}
	s.mu.Lock()
	events := s.pendingAudit
	s.pendingAudit = nil
	s.inBatch = false
	s.mu.Unlock()

	for _, ev := range events {
		if err := s.queue.Enqueue(ev.action, ev.uid, ev.details); err != nil {
			return err
		}
	}
	return nil
}

// Rollback abandons the current batch and its audit entries.
func (s *Session) Rollback() error {
	s.mu.Lock()
	s.pendingAudit = nil
	s.inBatch = false
	s.mu.Unlock()
	return s.db.RollbackBatch()
}

func (s *Session) logAudit(action model.ActionKind, uid, details string) error {
	s.mu.Lock()
	if s.inBatch {
		s.pendingAudit = append(s.pendingAudit, auditEvent{action, uid, details})
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.queue.Enqueue(action, uid, details)
}

// RecordAudit logs an action performed by a collaborator (redaction,
// remediation) through the session's queue, honoring batch buffering.
func (s *Session) RecordAudit(action model.ActionKind, uid, details string) error {
	return s.logAudit(action, uid, details)
}

// AddPatient upserts a patient inside the current batch.
func (s *Session) AddPatient(p *model.Patient) error {
	if err := s.db.UpsertPatient(p); err != nil {
		return err
	}
	return s.logAudit(model.ActionIngest, p.PatientID, "patient")
}

// AddStudy upserts a study; an unknown patient fails with ErrForeignKey.
func (s *Session) AddStudy(st *model.Study) error {
	if err := s.db.UpsertStudy(st); err != nil {
		return err
	}
	return s.logAudit(model.ActionIngest, st.StudyUID, "study")
}

// AddSeries upserts a series; an unknown study fails with ErrForeignKey.
func (s *Session) AddSeries(se *model.Series) error {
	if err := s.db.UpsertSeries(se); err != nil {
		return err
	}
	return s.logAudit(model.ActionIngest, se.SeriesUID, "series")
}

// AddInstance writes the payload to the sidecar first, then the metadata
// row referencing it: the offset and length are known and valid before the
// referencing row ever commits.
func (s *Session) AddInstance(inst *model.Instance, payload []byte) error {
	if len(payload) > 0 {
		ref, err := s.sc.Append(payload, s.opts.Codec)
		if err != nil {
			return err
		}
		inst.Payload = ref
	}
	if err := s.db.UpsertInstance(inst); err != nil {
		return err
	}
	s.tracker.Register(inst.InstanceUID, inst.Version)
	return s.logAudit(model.ActionIngest, inst.InstanceUID,
		fmt.Sprintf("instance payload=%dB", len(payload)))
}

// HasInstance reports whether an instance UID is already indexed. Used by
// the ingest pipeline to resume a partially completed import.
func (s *Session) HasInstance(instanceUID string) bool {
	_, err := s.db.GetInstance(instanceUID)
	return err == nil
}

// AddFinding persists a PHI finding inside the current batch.
func (s *Session) AddFinding(f model.PhiFinding) error {
	return s.db.AppendFinding(f)
}

// AddMachineRule persists a machine rule inside the current batch.
func (s *Session) AddMachineRule(r model.MachineRule) error {
	return s.db.AppendMachineRule(r)
}

// ────────────────────────────────────────────────────────────────────────────────
// Record access and compare-and-swap mutation
// ────────────────────────────────────────────────────────────────────────────────

// Instance returns the current view of one record: the in-memory pending
// state when the record has unsaved changes, otherwise the stored row.
// Quarantined records are returned by explicit lookup even though bulk
// iteration skips them.
func (s *Session) Instance(instanceUID string) (*model.Instance, error) {
	s.mu.Lock()
	if p, ok := s.pending[instanceUID]; ok {
		cp := p.Clone()
		s.mu.Unlock()
		return cp, nil
	}
	s.mu.Unlock()

	inst, err := s.db.GetInstance(instanceUID)
	if err != nil {
		return nil, err
	}
	inst.Version = s.tracker.Version(instanceUID)
	return inst, nil
}

// EachInstance streams non-quarantined records, preferring pending state.
func (s *Session) EachInstance(yield func(*model.Instance) bool) error {
	return s.db.ListInstances(func(inst *model.Instance) bool {
		if inst.Quarantined {
			return true
		}
		s.mu.Lock()
		if p, ok := s.pending[inst.InstanceUID]; ok {
			inst = p.Clone()
		}
		s.mu.Unlock()
		return yield(inst)
	})
}

// ReadPayload fetches and verifies an instance's payload bytes.
func (s *Session) ReadPayload(instanceUID string) ([]byte, error) {
	inst, err := s.Instance(instanceUID)
	if err != nil {
		return nil, err
	}
	if !inst.Payload.Valid() {
		return nil, fmt.Errorf("%w: instance %s has no payload", store.ErrRange, instanceUID)
	}
	data, err := s.sc.Read(inst.Payload)
	if err != nil && (errors.Is(err, store.ErrRange) || errors.Is(err, store.ErrIntegrity)) {
		s.quarantine(instanceUID)
	}
	return data, err
}

func (s *Session) quarantine(instanceUID string) {
	if err := s.db.BeginBatch(); err != nil {
		slog.Error("quarantine begin", "instance", instanceUID, "error", err)
		return
	}
	if err := s.db.SetQuarantined(instanceUID, true); err != nil {
		s.db.RollbackBatch()
		slog.Error("quarantine update", "instance", instanceUID, "error", err)
		return
	}
	if err := s.db.CommitBatch(); err != nil {
		slog.Error("quarantine commit", "instance", instanceUID, "error", err)
		return
	}
	slog.Warn("instance quarantined", "instance", instanceUID)
}

// CommitPayload replaces an instance's payload through the optimistic
// concurrency path. The new frame is appended before the version CAS: a
// conflict (or crash) leaves the old reference untouched and the orphaned
// bytes are reclaimed at the next Compact.
func (s *Session) CommitPayload(instanceUID string, payload []byte, expectedVersion uint64) (uint64, error) {
	if err := s.guardMutation(); err != nil {
		return 0, err
	}

	inst, err := s.Instance(instanceUID)
	if err != nil {
		return 0, err
	}

	ref, err := s.sc.Append(payload, s.opts.Codec)
	if err != nil {
		return 0, err
	}

	newVersion, err := s.tracker.Commit(instanceUID, expectedVersion)
	if err != nil {
		return 0, err // ErrConflict: caller re-reads and retries
	}

	s.mu.Lock()
	if p, ok := s.pending[instanceUID]; ok {
		inst = p.Clone()
	}
	inst.Payload = ref
	inst.Version = newVersion
	s.pending[instanceUID] = inst
	s.mu.Unlock()

	if err := s.logAudit(model.ActionRedact, instanceUID,
		fmt.Sprintf("payload replaced, %dB, v%d", len(payload), newVersion)); err != nil {
		return newVersion, err
	}
	return newVersion, nil
}

// SetAttribute routes a tagged attribute write by group parity: even groups
// land in the instance's dense core blob, odd groups in the sparse vertical
// table. The record is marked dirty for the next Save.
func (s *Session) SetAttribute(instanceUID string, tag model.Tag, value model.AttrValue) error {
	if err := s.guardMutation(); err != nil {
		return err
	}

	inst, err := s.Instance(instanceUID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	// Re-read under the lock: a concurrent write may have replaced the
	// pending record since the lookup above. The mutation lands on a fresh
	// copy and the pointer is swapped, so views handed out earlier never
	// see it.
	if p, ok := s.pending[instanceUID]; ok {
		inst = p.Clone()
	}
	if tag.IsCore() {
		inst.SetCore(tag, value)
	} else {
		s.pendingVert = append(s.pendingVert, model.AttributeEntry{
			InstanceUID: instanceUID,
			Group:       tag.Group,
			Element:     tag.Element,
			Value:       value,
		})
	}
	s.pending[instanceUID] = inst
	s.mu.Unlock()

	s.tracker.MarkDirty(instanceUID)
	return s.logAudit(model.ActionAttribute, instanceUID, tag.String())
}

// VerticalAttributes returns the sparse rows for one instance, including
// pending unsaved writes (later writes win).
func (s *Session) VerticalAttributes(instanceUID string) ([]model.AttributeEntry, error) {
	saved, err := s.db.VerticalAttributes(instanceUID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pv := range s.pendingVert {
		if pv.InstanceUID != instanceUID {
			continue
		}
		replaced := false
		for i := range saved {
			if saved[i].Group == pv.Group && saved[i].Element == pv.Element {
				saved[i] = pv
				replaced = true
				break
			}
		}
		if !replaced {
			saved = append(saved, pv)
		}
	}
	return saved, nil
}

// Equipment returns the unique device triples across all series.
func (s *Session) Equipment() ([]model.Equipment, error) {
	series, err := s.db.ListSeries()
	if err != nil {
		return nil, err
	}
	seen := make(map[model.Equipment]struct{})
	var out []model.Equipment
	for _, se := range series {
		eq := se.Equipment()
		if eq == (model.Equipment{}) {
			continue
		}
		if _, ok := seen[eq]; ok {
			continue
		}
		seen[eq] = struct{}{}
		out = append(out, eq)
	}
	return out, nil
}
