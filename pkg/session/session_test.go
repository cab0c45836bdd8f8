package session

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gantryproj/gantry/pkg/model"
	"github.com/gantryproj/gantry/pkg/store"
)

func openFresh(t *testing.T) (*Session, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "study.db")
	sess, report, err := Open(dbPath, Options{Codec: model.CodecRaw})
	require.NoError(t, err)
	require.Empty(t, report.Quarantined)
	require.Empty(t, report.Warnings)
	return sess, dbPath
}

func seed(t *testing.T, sess *Session) {
	t.Helper()
	require.NoError(t, sess.Begin())
	require.NoError(t, sess.AddPatient(&model.Patient{PatientID: "P1", DisplayName: "DOE^JANE"}))
	require.NoError(t, sess.AddStudy(&model.Study{StudyUID: "ST1", Date: "20250301", PatientID: "P1"}))
	require.NoError(t, sess.AddSeries(&model.Series{
		SeriesUID: "SE1", Modality: "CT", Manufacturer: "Acme",
		ModelName: "Scanmaster", DeviceSerialNumber: "SN-100", StudyUID: "ST1",
	}))
	require.NoError(t, sess.Commit())
}

func addInstance(t *testing.T, sess *Session, uid string, payload []byte) {
	t.Helper()
	require.NoError(t, sess.Begin())
	require.NoError(t, sess.AddInstance(&model.Instance{InstanceUID: uid, SeriesUID: "SE1"}, payload))
	require.NoError(t, sess.Commit())
}

func TestOpenCreatesSidecarPairing(t *testing.T) {
	sess, dbPath := openFresh(t)
	defer sess.Close()

	meta, err := sess.Store().GetMeta()
	require.NoError(t, err)
	require.Equal(t, "study_payload.bin", meta.SidecarFile)

	_, err = os.Stat(filepath.Join(filepath.Dir(dbPath), "study_payload.bin"))
	require.NoError(t, err)
}

func TestMissingSidecarFailsOpen(t *testing.T) {
	sess, dbPath := openFresh(t)
	seed(t, sess)
	addInstance(t, sess, "I1", []byte("payload"))
	require.NoError(t, sess.Close())

	require.NoError(t, os.Remove(filepath.Join(filepath.Dir(dbPath), "study_payload.bin")))

	_, _, err := Open(dbPath, Options{})
	require.ErrorIs(t, err, store.ErrMissingSidecar)
}

func TestSaveAndReopenRoundTrip(t *testing.T) {
	sess, dbPath := openFresh(t)
	seed(t, sess)
	payload := bytes.Repeat([]byte{0x42}, 1024)
	addInstance(t, sess, "I1", payload)

	// Attribute routing: even group lands dense, odd group sparse.
	require.NoError(t, sess.SetAttribute("I1", model.Tag{Group: 0x0008, Element: 0x0060}, model.Text("CT")))
	require.NoError(t, sess.SetAttribute("I1", model.Tag{Group: 0x0009, Element: 0x0001}, model.Int(99)))

	rep, err := sess.Save()
	require.NoError(t, err)
	require.Equal(t, 1, rep.FlushedInstances)
	require.NoError(t, sess.Close())

	sess2, report, err := Open(dbPath, Options{Codec: model.CodecRaw})
	require.NoError(t, err)
	defer sess2.Close()
	require.Empty(t, report.Quarantined)

	inst, err := sess2.Instance("I1")
	require.NoError(t, err)
	require.Equal(t, model.Text("CT"), inst.Core[model.Tag{Group: 0x0008, Element: 0x0060}])
	require.NotContains(t, inst.Core, model.Tag{Group: 0x0009, Element: 0x0001})

	vert, err := sess2.VerticalAttributes("I1")
	require.NoError(t, err)
	require.Len(t, vert, 1)
	require.True(t, model.Int(99).Equal(vert[0].Value))

	got, err := sess2.ReadPayload("I1")
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestSaveIsIdempotent(t *testing.T) {
	sess, _ := openFresh(t)
	defer sess.Close()
	seed(t, sess)
	addInstance(t, sess, "I1", []byte("x"))
	require.NoError(t, sess.SetAttribute("I1", model.Tag{Group: 0x0008, Element: 0x0060}, model.Text("CT")))

	rep, err := sess.Save()
	require.NoError(t, err)
	require.Equal(t, 1, rep.FlushedInstances)

	rep, err = sess.Save()
	require.NoError(t, err)
	require.Equal(t, 0, rep.FlushedInstances)
}

func TestCommitPayloadConflict(t *testing.T) {
	sess, _ := openFresh(t)
	defer sess.Close()
	seed(t, sess)
	addInstance(t, sess, "I1", []byte("v0"))

	// Drive the version to 5.
	for v := uint64(0); v < 5; v++ {
		_, err := sess.CommitPayload("I1", []byte("payload"), v)
		require.NoError(t, err)
	}

	// Two workers race on version 5: exactly one wins.
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := sess.CommitPayload("I1", []byte{byte(i)}, 5)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, store.ErrConflict):
				conflicts.Add(1)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, int32(1), conflicts.Load())

	inst, err := sess.Instance("I1")
	require.NoError(t, err)
	require.Equal(t, uint64(6), inst.Version)
}

func TestRedactThenCompactReclaimsSpace(t *testing.T) {
	sess, dbPath := openFresh(t)
	defer sess.Close()
	seed(t, sess)

	addInstance(t, sess, "I1", bytes.Repeat([]byte{1}, 1024))
	addInstance(t, sess, "I2", bytes.Repeat([]byte{2}, 1024))
	addInstance(t, sess, "I3", bytes.Repeat([]byte{3}, 1024))

	// Redact the middle instance with a smaller payload: the old 1024-byte
	// frame becomes garbage.
	redacted := bytes.Repeat([]byte{9}, 900)
	_, err := sess.CommitPayload("I2", redacted, 0)
	require.NoError(t, err)

	reclaimed, err := sess.Compact()
	require.NoError(t, err)
	require.Equal(t, int64(1024), reclaimed)

	meta, err := sess.Store().GetMeta()
	require.NoError(t, err)
	require.Equal(t, "study_payload.g1.bin", meta.SidecarFile)

	fi, err := os.Stat(filepath.Join(filepath.Dir(dbPath), meta.SidecarFile))
	require.NoError(t, err)
	require.Equal(t, int64(1024+900+1024), fi.Size())

	// Every payload survives the move, bit for bit.
	got, err := sess.ReadPayload("I2")
	require.NoError(t, err)
	require.Equal(t, redacted, got)
	got, err = sess.ReadPayload("I1")
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{1}, 1024), got)
	got, err = sess.ReadPayload("I3")
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{3}, 1024), got)
}

func TestQuarantineOnDanglingPayloadRef(t *testing.T) {
	sess, dbPath := openFresh(t)
	seed(t, sess)
	addInstance(t, sess, "I1", bytes.Repeat([]byte{1}, 100))
	addInstance(t, sess, "I2", bytes.Repeat([]byte{2}, 100))
	require.NoError(t, sess.Close())

	// Cut the sidecar so the second frame dangles.
	scPath := filepath.Join(filepath.Dir(dbPath), "study_payload.bin")
	require.NoError(t, os.Truncate(scPath, 150))

	sess2, report, err := Open(dbPath, Options{Codec: model.CodecRaw})
	require.NoError(t, err)
	defer sess2.Close()
	require.Equal(t, []string{"I2"}, report.Quarantined)

	// Quarantined records are excluded from iteration but reachable by UID.
	var seen []string
	require.NoError(t, sess2.EachInstance(func(inst *model.Instance) bool {
		seen = append(seen, inst.InstanceUID)
		return true
	}))
	require.Equal(t, []string{"I1"}, seen)

	inst, err := sess2.Instance("I2")
	require.NoError(t, err)
	require.True(t, inst.Quarantined)
}

func TestAuditGapWarningAfterCrash(t *testing.T) {
	sess, dbPath := openFresh(t)
	seed(t, sess)
	addInstance(t, sess, "I1", []byte("x"))
	require.NoError(t, sess.Close())

	// Simulate a crash that persisted the issued watermark but lost the
	// tail of the audit table.
	sess2, _, err := Open(dbPath, Options{})
	require.NoError(t, err)
	meta, err := sess2.Store().GetMeta()
	require.NoError(t, err)
	flushed, err := sess2.Store().AuditMaxSequence()
	require.NoError(t, err)
	meta.LastAuditSeq = flushed + 3
	require.NoError(t, sess2.Store().SetMeta(meta))
	require.NoError(t, sess2.Close())

	sess3, report, err := Open(dbPath, Options{})
	require.NoError(t, err)
	defer sess3.Close()
	require.NotEmpty(t, report.Warnings)

	// New entries continue past the issued watermark: no sequence reuse.
	require.NoError(t, sess3.RecordAudit(model.ActionSave, "", "post-crash"))
	require.NoError(t, sess3.Flush())
	_, err = sess3.Save()
	require.NoError(t, err)
}

func TestAuditSequencesGapFreeAcrossReopen(t *testing.T) {
	sess, dbPath := openFresh(t)
	seed(t, sess)
	addInstance(t, sess, "I1", []byte("a"))
	require.NoError(t, sess.Close())

	sess2, _, err := Open(dbPath, Options{Codec: model.CodecRaw})
	require.NoError(t, err)
	addInstance(t, sess2, "I2", []byte("b"))
	require.NoError(t, sess2.Close())

	sess3, _, err := Open(dbPath, Options{})
	require.NoError(t, err)
	defer sess3.Close()

	entries, err := sess3.Store().ListAuditEntries(0, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for i, e := range entries {
		require.Equal(t, uint64(i+1), e.Sequence)
	}
}

func TestRollbackDropsBufferedAudit(t *testing.T) {
	sess, _ := openFresh(t)
	defer sess.Close()
	seed(t, sess)

	// Drain the queue so the baseline below is stable.
	_, err := sess.Save()
	require.NoError(t, err)
	before, err := sess.Store().AuditMaxSequence()
	require.NoError(t, err)

	require.NoError(t, sess.Begin())
	require.NoError(t, sess.AddPatient(&model.Patient{PatientID: "P2"}))
	require.NoError(t, sess.Rollback())
	require.NoError(t, sess.Flush())
	_, err = sess.Save()
	require.NoError(t, err)

	after, err := sess.Store().AuditMaxSequence()
	require.NoError(t, err)
	require.Equal(t, before, after, "rolled-back batch must leave no audit trace")

	_, err = sess.Store().GetPatient("P2")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestForeignKeyOrderEnforced(t *testing.T) {
	sess, _ := openFresh(t)
	defer sess.Close()

	require.NoError(t, sess.Begin())
	err := sess.AddSeries(&model.Series{SeriesUID: "SE1", Modality: "CT", StudyUID: "ghost"})
	require.ErrorIs(t, err, store.ErrForeignKey)
	require.NoError(t, sess.Rollback())
}

func TestEquipmentInventory(t *testing.T) {
	sess, _ := openFresh(t)
	defer sess.Close()
	seed(t, sess)

	require.NoError(t, sess.Begin())
	require.NoError(t, sess.AddSeries(&model.Series{
		SeriesUID: "SE2", Modality: "CT", Manufacturer: "Acme",
		ModelName: "Scanmaster", DeviceSerialNumber: "SN-100", StudyUID: "ST1",
	}))
	require.NoError(t, sess.AddSeries(&model.Series{
		SeriesUID: "SE3", Modality: "MR", Manufacturer: "Globex",
		ModelName: "Fieldview", DeviceSerialNumber: "SN-200", StudyUID: "ST1",
	}))
	require.NoError(t, sess.Commit())

	eq, err := sess.Equipment()
	require.NoError(t, err)
	require.Len(t, eq, 2, "duplicate device triples collapse")
}

func TestSaveAsyncFlush(t *testing.T) {
	sess, _ := openFresh(t)
	defer sess.Close()
	seed(t, sess)
	addInstance(t, sess, "I1", []byte("x"))
	require.NoError(t, sess.SetAttribute("I1", model.Tag{Group: 0x0008, Element: 0x0060}, model.Text("CT")))

	sess.SaveAsync()
	require.NoError(t, sess.Flush())

	inst, err := sess.Store().GetInstance("I1")
	require.NoError(t, err)
	require.Contains(t, inst.Core, model.Tag{Group: 0x0008, Element: 0x0060})
}

func TestCompactSkipsDanglingQuarantinedRef(t *testing.T) {
	sess, dbPath := openFresh(t)
	seed(t, sess)
	addInstance(t, sess, "I1", bytes.Repeat([]byte{1}, 100))
	addInstance(t, sess, "I2", bytes.Repeat([]byte{2}, 100))
	require.NoError(t, sess.Close())

	scPath := filepath.Join(filepath.Dir(dbPath), "study_payload.bin")
	require.NoError(t, os.Truncate(scPath, 150))

	sess2, report, err := Open(dbPath, Options{Codec: model.CodecRaw})
	require.NoError(t, err)
	defer sess2.Close()
	require.Equal(t, []string{"I2"}, report.Quarantined)

	// One quarantined record with a dangling ref must not block space
	// reclamation for the healthy rest of the store.
	reclaimed, err := sess2.Compact()
	require.NoError(t, err)
	require.Equal(t, int64(50), reclaimed)

	got, err := sess2.ReadPayload("I1")
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{1}, 100), got)

	inst, err := sess2.Instance("I2")
	require.NoError(t, err)
	require.True(t, inst.Quarantined)
}

func TestInstanceViewIsolatedFromMutation(t *testing.T) {
	sess, _ := openFresh(t)
	seed(t, sess)
	addInstance(t, sess, "I1", []byte("x"))

	tag := model.Tag{Group: 0x0008, Element: 0x0060}
	require.NoError(t, sess.SetAttribute("I1", tag, model.Text("CT")))

	// A reader iterating its view must never observe concurrent writes.
	done := make(chan error, 1)
	go func() {
		for i := 0; i < 500; i++ {
			inst, err := sess.Instance("I1")
			if err != nil {
				done <- err
				return
			}
			for range inst.Core {
			}
		}
		done <- nil
	}()

	for i := 0; i < 500; i++ {
		require.NoError(t, sess.SetAttribute("I1", tag, model.Text(fmt.Sprintf("CT%d", i))))
	}
	require.NoError(t, <-done)

	inst, err := sess.Instance("I1")
	require.NoError(t, err)
	require.Equal(t, "CT499", inst.Core[tag].Text)
}
