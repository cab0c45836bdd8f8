package redact

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gantryproj/gantry/pkg/model"
	"github.com/gantryproj/gantry/pkg/session"
)

// fillTransform blanks nothing structurally; it overwrites the payload with
// a marker byte so tests can see the rewrite happened.
type fillTransform struct{ marker byte }

func (f *fillTransform) Apply(payload []byte, zones []model.RedactionZone) ([]byte, error) {
	out := bytes.Repeat([]byte{f.marker}, len(payload))
	return out, nil
}

func testSession(t *testing.T) *session.Session {
	t.Helper()
	sess, _, err := session.Open(filepath.Join(t.TempDir(), "r.db"),
		session.Options{Codec: model.CodecRaw})
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })

	require.NoError(t, sess.Begin())
	require.NoError(t, sess.AddPatient(&model.Patient{PatientID: "P1", DisplayName: "DOE^JANE"}))
	require.NoError(t, sess.AddStudy(&model.Study{StudyUID: "ST1", PatientID: "P1"}))
	require.NoError(t, sess.AddSeries(&model.Series{
		SeriesUID: "SE1", Modality: "CT", Manufacturer: "Acme",
		ModelName: "Scanmaster", DeviceSerialNumber: "SN-100", StudyUID: "ST1",
	}))
	require.NoError(t, sess.AddSeries(&model.Series{
		SeriesUID: "SE2", Modality: "MR", Manufacturer: "Globex",
		DeviceSerialNumber: "SN-999", StudyUID: "ST1",
	}))
	require.NoError(t, sess.AddInstance(&model.Instance{InstanceUID: "I1", SeriesUID: "SE1"},
		bytes.Repeat([]byte{1}, 64)))
	require.NoError(t, sess.AddInstance(&model.Instance{InstanceUID: "I2", SeriesUID: "SE1"},
		bytes.Repeat([]byte{2}, 64)))
	require.NoError(t, sess.AddInstance(&model.Instance{InstanceUID: "I3", SeriesUID: "SE2"},
		bytes.Repeat([]byte{3}, 64)))
	require.NoError(t, sess.Commit())
	return sess
}

var testRule = model.MachineRule{
	SerialNumber: "SN-100",
	Zones:        []model.RedactionZone{{RowStart: 0, RowEnd: 32, ColStart: 0, ColEnd: 64}},
}

func TestPreviewCountsWithoutMutating(t *testing.T) {
	sess := testSession(t)
	svc := NewService(sess, nil, 1)

	previews, err := svc.Preview([]model.MachineRule{testRule})
	require.NoError(t, err)
	require.Len(t, previews, 1)
	require.Equal(t, 1, previews[0].Series)
	require.Equal(t, 2, previews[0].Instances)

	// Nothing was touched.
	got, err := sess.ReadPayload("I1")
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{1}, 64), got)
}

func TestPreviewRespectsManufacturerConstraint(t *testing.T) {
	sess := testSession(t)
	svc := NewService(sess, nil, 1)

	rule := testRule
	rule.Manufacturer = "SomeoneElse"
	previews, err := svc.Preview([]model.MachineRule{rule})
	require.NoError(t, err)
	require.Equal(t, 0, previews[0].Instances)
}

func TestApplyRewritesMatchedInstances(t *testing.T) {
	sess := testSession(t)
	svc := NewService(sess, &fillTransform{marker: 0xAA}, 2)

	result, err := svc.Apply(context.Background(), []model.MachineRule{testRule})
	require.NoError(t, err)
	require.Equal(t, 2, result.Redacted)

	for _, uid := range []string{"I1", "I2"} {
		got, err := sess.ReadPayload(uid)
		require.NoError(t, err)
		require.Equal(t, bytes.Repeat([]byte{0xAA}, 64), got)

		inst, err := sess.Instance(uid)
		require.NoError(t, err)
		require.Equal(t, uint64(1), inst.Version, "redaction commits through CAS")
	}

	// The unmatched series is untouched.
	got, err := sess.ReadPayload("I3")
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{3}, 64), got)
}

func TestApplyWithoutTransformFails(t *testing.T) {
	sess := testSession(t)
	svc := NewService(sess, nil, 1)
	_, err := svc.Apply(context.Background(), []model.MachineRule{testRule})
	require.Error(t, err)
}

// xorLocker is a stand-in for a real sealing implementation.
type xorLocker struct{}

func (xorLocker) Seal(p []byte) ([]byte, error) {
	out := make([]byte, len(p))
	for i, b := range p {
		out[i] = b ^ 0x5A
	}
	return out, nil
}

func (l xorLocker) Unseal(s []byte) ([]byte, error) { return l.Seal(s) }

func TestRemediationActions(t *testing.T) {
	sess := testSession(t)
	applier := NewApplier(sess, nil)

	findings := []model.PhiFinding{
		{EntityUID: "I1", EntityType: "Instance", FieldName: "0010,0021",
			Value: "BURNT-IN NAME", Action: model.RemediationReplace, Replacement: "REDACTED"},
		{EntityUID: "I2", EntityType: "Instance", FieldName: "0010,0021",
			Value: "MRN-12345", Action: model.RemediationHash},
		{EntityUID: "I3", EntityType: "Instance", FieldName: "0010,0021",
			Value: "ADDRESS", Action: model.RemediationRemove},
		{EntityUID: "P1", EntityType: "Patient", FieldName: "display_name",
			Value: "DOE^JANE", Action: model.RemediationReplace, Replacement: "ANON^001"},
		{EntityUID: "I1", EntityType: "Instance", FieldName: "0010,0021"}, // no action
	}

	result, err := applier.Apply(findings)
	require.NoError(t, err)
	require.Equal(t, 4, result.Applied)
	require.Equal(t, 1, result.Skipped)

	_, err = sess.Save()
	require.NoError(t, err)

	tag := model.Tag{Group: 0x0010, Element: 0x0021}
	i1, err := sess.Instance("I1")
	require.NoError(t, err)
	require.Equal(t, "REDACTED", i1.Core[tag].Text)

	i2, err := sess.Instance("I2")
	require.NoError(t, err)
	hashed := i2.Core[tag].Text
	require.Len(t, hashed, 16)
	require.NotEqual(t, "MRN-12345", hashed)

	i3, err := sess.Instance("I3")
	require.NoError(t, err)
	require.Equal(t, "", i3.Core[tag].Text)

	p, err := sess.Store().GetPatient("P1")
	require.NoError(t, err)
	require.Equal(t, "ANON^001", p.DisplayName)
}

func TestRemediationSealsOriginalValue(t *testing.T) {
	sess := testSession(t)
	applier := NewApplier(sess, xorLocker{})

	findings := []model.PhiFinding{
		{EntityUID: "I1", EntityType: "Instance", FieldName: "0010,0021",
			Value: "DOE^JANE", Action: model.RemediationReplace, Replacement: "ANON"},
	}
	result, err := applier.Apply(findings)
	require.NoError(t, err)
	require.Equal(t, 1, result.Sealed)

	inst, err := sess.Instance("I1")
	require.NoError(t, err)
	sealed := inst.Core[identityVaultTag]
	require.Equal(t, model.KindBytes, sealed.Kind)

	plain, err := xorLocker{}.Unseal(sealed.Bytes)
	require.NoError(t, err)
	require.Equal(t, []byte("DOE^JANE"), plain)
}
