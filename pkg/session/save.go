package session

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gantryproj/gantry/pkg/model"
	"github.com/gantryproj/gantry/pkg/store"
)

// Save flushes all pending in-memory state to the metadata store in a
// single transaction: dirty instance rows, buffered vertical attribute
// writes, and the audit watermark. A save with nothing pending is a cheap
// no-op, so repeated saves are safe.
//
// The audit queue is drained first so the watermark written here never runs
// ahead of the audit_log table on disk.
func (s *Session) Save() (*SaveReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Session) saveLocked() (*SaveReport, error) {
	if err := s.guardMutation(); err != nil {
		return nil, err
	}
	if s.inBatch {
		return nil, fmt.Errorf("save: a write batch is still open")
	}

	start := time.Now()

	if err := s.queue.Flush(); err != nil {
		return nil, fmt.Errorf("drain audit queue: %w", err)
	}

	dirty := s.tracker.DirtyUIDs()
	report := &SaveReport{AuditFlushed: s.queue.LastFlushed()}
	if len(dirty) == 0 && len(s.pendingVert) == 0 {
		report.Duration = time.Since(start)
		return report, nil
	}

	// Snapshot versions before writing: a concurrent CommitPayload that
	// lands mid-save keeps its dirty bit for the next pass.
	versions := make(map[string]uint64, len(dirty))
	rows := make([]*model.Instance, 0, len(dirty))
	for _, uid := range dirty {
		inst, ok := s.pending[uid]
		if !ok {
			var err error
			inst, err = s.db.GetInstance(uid)
			if err != nil {
				return nil, fmt.Errorf("load dirty instance %s: %w", uid, err)
			}
		}
		versions[uid] = s.tracker.Version(uid)
		inst.Version = versions[uid]
		rows = append(rows, inst)
	}

	if err := s.db.BeginBatch(); err != nil {
		return nil, err
	}
	for _, inst := range rows {
		if err := s.db.UpsertInstance(inst); err != nil {
			s.db.RollbackBatch()
			return nil, fmt.Errorf("flush instance %s: %w", inst.InstanceUID, err)
		}
	}
	for _, e := range s.pendingVert {
		if err := s.db.SetVerticalAttribute(e); err != nil {
			s.db.RollbackBatch()
			return nil, fmt.Errorf("flush attribute %s %s: %w", e.InstanceUID, e.Tag(), err)
		}
	}

	meta, err := s.db.GetMeta()
	if err != nil {
		s.db.RollbackBatch()
		return nil, err
	}
	meta.SavedAt = time.Now().UTC()
	meta.LastAuditSeq = s.queue.LastIssued()
	if err := s.db.SetMeta(meta); err != nil {
		s.db.RollbackBatch()
		return nil, fmt.Errorf("write save watermark: %w", err)
	}

	if err := s.db.CommitBatch(); err != nil {
		return nil, fmt.Errorf("commit save: %w", err)
	}

	for uid, v := range versions {
		s.tracker.MarkFlushed(uid, v)
	}
	s.pending = make(map[string]*model.Instance)
	s.pendingVert = nil

	report.FlushedInstances = len(rows)
	report.Duration = time.Since(start)
	slog.Info("session saved", "instances", report.FlushedInstances,
		"duration", report.Duration)

	if err := s.queue.Enqueue(model.ActionSave, "",
		fmt.Sprintf("%d instances", report.FlushedInstances)); err != nil {
		return report, err
	}
	return report, nil
}

// SaveAsync schedules a save on a background goroutine. At most one async
// save runs at a time; Flush waits for it and reports its error.
func (s *Session) SaveAsync() {
	s.saveWG.Add(1)
	go func() {
		defer s.saveWG.Done()
		if _, err := s.Save(); err != nil {
			s.mu.Lock()
			s.saveErr = err
			s.mu.Unlock()
			slog.Error("async save", "error", err)
		}
	}()
}

// Flush waits for any in-flight async save and returns its error, if any.
func (s *Session) Flush() error {
	s.saveWG.Wait()
	s.mu.Lock()
	err := s.saveErr
	s.saveErr = nil
	s.mu.Unlock()
	return err
}

// Compact rewrites the sidecar keeping only frames referenced by live
// records, then atomically repoints the metadata in one transaction. Three
// phases:
//
//  1. copy live frames into a new generation file (old file untouched)
//  2. one transaction: remap stored offsets, record the new sidecar name
//  3. retarget reads at the new file and delete the old one
//
// A crash before phase 2 commits leaves the store on the old, fully valid
// file. A failure after the new file exists halts further mutation on this
// session: the pairing on disk is authoritative and must be re-validated by
// a fresh Open.
func (s *Session) Compact() (reclaimed int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guardMutation(); err != nil {
		return 0, err
	}
	if s.inBatch {
		return 0, fmt.Errorf("compact: a write batch is still open")
	}

	// Unsaved payload refs live only in s.pending. Flush them first so the
	// database's view of live offsets is complete.
	if _, err := s.saveLocked(); err != nil {
		return 0, fmt.Errorf("save before compact: %w", err)
	}

	oldSize, err := s.sc.Size()
	if err != nil {
		return 0, err
	}

	// Quarantined records with a dangling ref (the condition that got them
	// quarantined) have no frame to carry over; copying them would abort
	// the whole pass. In-bounds frames are kept, quarantined or not, so
	// explicit retrieval still works.
	var live []model.PayloadRef
	err = s.db.ListInstances(func(inst *model.Instance) bool {
		if !inst.Payload.Valid() {
			return true
		}
		if inst.Payload.Offset+inst.Payload.Length > oldSize {
			slog.Warn("dropping dangling payload ref at compaction",
				"instance", inst.InstanceUID, "offset", inst.Payload.Offset)
			return true
		}
		live = append(live, inst.Payload)
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("collect live refs: %w", err)
	}

	result, err := s.sc.Compact(live)
	if err != nil {
		return 0, err // old file untouched, session still healthy
	}

	if err := s.db.BeginBatch(); err != nil {
		s.compactFailed = true
		return 0, fmt.Errorf("%w: %v", store.ErrCompactAborted, err)
	}
	if err := s.db.RemapPayloadOffsets(result.Remap); err != nil {
		s.db.RollbackBatch()
		s.compactFailed = true
		return 0, fmt.Errorf("%w: remap offsets: %v", store.ErrCompactAborted, err)
	}
	meta, err := s.db.GetMeta()
	if err != nil {
		s.db.RollbackBatch()
		s.compactFailed = true
		return 0, fmt.Errorf("%w: %v", store.ErrCompactAborted, err)
	}
	meta.SidecarFile = filepath.Base(result.NewPath)
	if err := s.db.SetMeta(meta); err != nil {
		s.db.RollbackBatch()
		s.compactFailed = true
		return 0, fmt.Errorf("%w: record new sidecar: %v", store.ErrCompactAborted, err)
	}
	if err := s.db.CommitBatch(); err != nil {
		s.compactFailed = true
		return 0, fmt.Errorf("%w: commit remap: %v", store.ErrCompactAborted, err)
	}

	// Metadata now points at the new generation; the old file is garbage.
	if err := s.sc.Switch(result); err != nil {
		s.compactFailed = true
		return 0, fmt.Errorf("%w: switch sidecar: %v", store.ErrCompactAborted, err)
	}

	reclaimed = oldSize - result.NewSize
	slog.Info("sidecar compacted", "old_bytes", oldSize, "new_bytes", result.NewSize,
		"reclaimed", reclaimed, "file", meta.SidecarFile)

	if err := s.queue.Enqueue(model.ActionCompact, "",
		fmt.Sprintf("reclaimed %dB", reclaimed)); err != nil {
		return reclaimed, err
	}
	return reclaimed, nil
}
