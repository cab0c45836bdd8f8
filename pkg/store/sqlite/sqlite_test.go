package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gantryproj/gantry/pkg/model"
	"github.com/gantryproj/gantry/pkg/store"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedHierarchy(t *testing.T, s *SQLiteStore) {
	t.Helper()
	require.NoError(t, s.BeginBatch())
	require.NoError(t, s.UpsertPatient(&model.Patient{PatientID: "P1", DisplayName: "DOE^JANE"}))
	require.NoError(t, s.UpsertStudy(&model.Study{StudyUID: "ST1", Date: "20250301", PatientID: "P1"}))
	require.NoError(t, s.UpsertSeries(&model.Series{
		SeriesUID: "SE1", Modality: "CT", Manufacturer: "Acme",
		ModelName: "Scanmaster", DeviceSerialNumber: "SN-100", StudyUID: "ST1",
	}))
	require.NoError(t, s.CommitBatch())
}

func TestEntityRoundTrip(t *testing.T) {
	s := newStore(t)
	seedHierarchy(t, s)

	p, err := s.GetPatient("P1")
	require.NoError(t, err)
	require.Equal(t, "DOE^JANE", p.DisplayName)

	st, err := s.GetStudy("ST1")
	require.NoError(t, err)
	require.Equal(t, "20250301", st.Date)
	require.Equal(t, "P1", st.PatientID)

	se, err := s.GetSeries("SE1")
	require.NoError(t, err)
	require.Equal(t, "SN-100", se.DeviceSerialNumber)

	_, err = s.GetPatient("nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := newStore(t)
	seedHierarchy(t, s)

	require.NoError(t, s.BeginBatch())
	require.NoError(t, s.UpsertPatient(&model.Patient{PatientID: "P1", DisplayName: "RENAMED"}))
	require.NoError(t, s.CommitBatch())

	p, err := s.GetPatient("P1")
	require.NoError(t, err)
	require.Equal(t, "RENAMED", p.DisplayName)
}

func TestForeignKeyViolation(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.BeginBatch())
	err := s.UpsertStudy(&model.Study{StudyUID: "ST1", PatientID: "ghost"})
	require.ErrorIs(t, err, store.ErrForeignKey)
	require.NoError(t, s.RollbackBatch())
}

func TestInstanceCoreAttributesRoundTrip(t *testing.T) {
	s := newStore(t)
	seedHierarchy(t, s)

	inst := &model.Instance{
		InstanceUID: "I1",
		SeriesUID:   "SE1",
		Payload:     model.PayloadRef{Offset: 0, Length: 1024, Hash: "abc", Codec: model.CodecZlib},
		Version:     3,
	}
	inst.SetCore(model.Tag{Group: 0x0008, Element: 0x0060}, model.Text("CT"))
	inst.SetCore(model.Tag{Group: 0x0028, Element: 0x0010}, model.Int(512))
	inst.SetCore(model.Tag{Group: 0x0018, Element: 0x0050}, model.Float(2.5))
	inst.SetCore(model.Tag{Group: 0x7fe0, Element: 0x0001}, model.Bytes([]byte{0x00, 0xff, 0x10}))

	require.NoError(t, s.BeginBatch())
	require.NoError(t, s.UpsertInstance(inst))
	require.NoError(t, s.CommitBatch())

	got, err := s.GetInstance("I1")
	require.NoError(t, err)
	require.Equal(t, uint64(3), got.Version)
	require.Equal(t, inst.Payload, got.Payload)
	require.Len(t, got.Core, 4)
	for tag, want := range inst.Core {
		require.True(t, want.Equal(got.Core[tag]), "core attribute %s", tag)
	}
}

func TestVerticalAttributeTypedRoundTrip(t *testing.T) {
	s := newStore(t)
	seedHierarchy(t, s)

	require.NoError(t, s.BeginBatch())
	require.NoError(t, s.UpsertInstance(&model.Instance{InstanceUID: "I1", SeriesUID: "SE1"}))

	entries := []model.AttributeEntry{
		{InstanceUID: "I1", Group: 0x0009, Element: 0x0001, Value: model.Text("vendor")},
		{InstanceUID: "I1", Group: 0x0009, Element: 0x0002, Value: model.Int(-7)},
		{InstanceUID: "I1", Group: 0x0011, Element: 0x0003, Value: model.Float(0.125)},
		{InstanceUID: "I1", Group: 0x0011, Element: 0x0004, Value: model.DateString("20250115")},
		{InstanceUID: "I1", Group: 0x0013, Element: 0x0005, Value: model.Bytes([]byte{1, 2, 3})},
	}
	for _, e := range entries {
		require.NoError(t, s.SetVerticalAttribute(e))
	}
	require.NoError(t, s.CommitBatch())

	got, err := s.VerticalAttributes("I1")
	require.NoError(t, err)
	require.Len(t, got, len(entries))

	byTag := make(map[model.Tag]model.AttrValue)
	for _, e := range got {
		byTag[e.Tag()] = e.Value
	}
	for _, want := range entries {
		v, ok := byTag[want.Tag()]
		require.True(t, ok, "missing %s", want.Tag())
		require.True(t, want.Value.Equal(v), "attribute %s: want %v got %v", want.Tag(), want.Value, v)
	}
}

func TestVerticalAttributeOverwrite(t *testing.T) {
	s := newStore(t)
	seedHierarchy(t, s)

	require.NoError(t, s.BeginBatch())
	require.NoError(t, s.UpsertInstance(&model.Instance{InstanceUID: "I1", SeriesUID: "SE1"}))
	e := model.AttributeEntry{InstanceUID: "I1", Group: 0x0009, Element: 0x0001, Value: model.Text("v1")}
	require.NoError(t, s.SetVerticalAttribute(e))
	e.Value = model.Text("v2")
	require.NoError(t, s.SetVerticalAttribute(e))
	require.NoError(t, s.CommitBatch())

	got, err := s.VerticalAttributes("I1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "v2", got[0].Value.Text)
}

func TestAuditAppendAndWatermark(t *testing.T) {
	s := newStore(t)

	max, err := s.AuditMaxSequence()
	require.NoError(t, err)
	require.Equal(t, uint64(0), max)

	entries := []model.AuditEntry{
		{Sequence: 1, TimestampNS: time.Now().UnixNano(), Action: model.ActionIngest, EntityUID: "I1"},
		{Sequence: 2, TimestampNS: time.Now().UnixNano(), Action: model.ActionRedact, EntityUID: "I1", Details: "zones=2"},
	}
	require.NoError(t, s.BeginBatch())
	require.NoError(t, s.AppendAuditEntries(entries))
	require.NoError(t, s.CommitBatch())

	max, err = s.AuditMaxSequence()
	require.NoError(t, err)
	require.Equal(t, uint64(2), max)

	got, err := s.ListAuditEntries(0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, model.ActionRedact, got[1].Action)
}

func TestMachineRuleDuplicate(t *testing.T) {
	s := newStore(t)

	rule := model.MachineRule{
		SerialNumber: "SN-100",
		Zones:        []model.RedactionZone{{RowStart: 0, RowEnd: 32, ColStart: 0, ColEnd: 128}},
	}
	require.NoError(t, s.BeginBatch())
	require.NoError(t, s.AppendMachineRule(rule))
	err := s.AppendMachineRule(rule)
	require.ErrorIs(t, err, store.ErrDuplicateRule)
	require.NoError(t, s.RollbackBatch())
}

func TestMetaRoundTrip(t *testing.T) {
	s := newStore(t)

	meta := &model.SessionMeta{
		SchemaVersion: store.SchemaVersion,
		SidecarFile:   "test_payload.bin",
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
		LastAuditSeq:  17,
	}
	require.NoError(t, s.SetMeta(meta))

	got, err := s.GetMeta()
	require.NoError(t, err)
	require.Equal(t, meta.SidecarFile, got.SidecarFile)
	require.Equal(t, meta.LastAuditSeq, got.LastAuditSeq)
	require.Equal(t, store.SchemaVersion, got.SchemaVersion)
}

func TestRemapPayloadOffsets(t *testing.T) {
	s := newStore(t)
	seedHierarchy(t, s)

	require.NoError(t, s.BeginBatch())
	require.NoError(t, s.UpsertInstance(&model.Instance{
		InstanceUID: "I1", SeriesUID: "SE1",
		Payload: model.PayloadRef{Offset: 2048, Length: 1024, Codec: model.CodecRaw},
	}))
	require.NoError(t, s.UpsertInstance(&model.Instance{
		InstanceUID: "I2", SeriesUID: "SE1",
		Payload: model.PayloadRef{Offset: 4096, Length: 900, Codec: model.CodecRaw},
	}))
	require.NoError(t, s.CommitBatch())

	require.NoError(t, s.BeginBatch())
	require.NoError(t, s.RemapPayloadOffsets(map[int64]int64{2048: 0, 4096: 1024}))
	require.NoError(t, s.CommitBatch())

	i1, err := s.GetInstance("I1")
	require.NoError(t, err)
	require.Equal(t, int64(0), i1.Payload.Offset)
	i2, err := s.GetInstance("I2")
	require.NoError(t, err)
	require.Equal(t, int64(1024), i2.Payload.Offset)
}

func TestListInstancesStreams(t *testing.T) {
	s := newStore(t)
	seedHierarchy(t, s)

	require.NoError(t, s.BeginBatch())
	for _, uid := range []string{"I1", "I2", "I3"} {
		require.NoError(t, s.UpsertInstance(&model.Instance{InstanceUID: uid, SeriesUID: "SE1"}))
	}
	require.NoError(t, s.CommitBatch())

	var seen []string
	err := s.ListInstances(func(inst *model.Instance) bool {
		seen = append(seen, inst.InstanceUID)
		return len(seen) < 2 // early stop
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
}

func TestReadsDuringOpenBatch(t *testing.T) {
	s := newStore(t)
	seedHierarchy(t, s)

	// The pool holds one connection and the batch transaction pins it, so
	// reads must route through the transaction instead of waiting on the
	// pool.
	require.NoError(t, s.BeginBatch())

	meta, err := s.GetMeta()
	require.NoError(t, err)
	require.NotNil(t, meta)

	p, err := s.GetPatient("P1")
	require.NoError(t, err)
	require.Equal(t, "DOE^JANE", p.DisplayName)

	require.NoError(t, s.UpsertInstance(&model.Instance{InstanceUID: "I1", SeriesUID: "SE1", Version: 1}))
	inst, err := s.GetInstance("I1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), inst.Version)

	_, err = s.AuditMaxSequence()
	require.NoError(t, err)

	require.NoError(t, s.CommitBatch())
}
