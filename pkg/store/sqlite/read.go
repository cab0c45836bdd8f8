package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gantryproj/gantry/pkg/model"
	"github.com/gantryproj/gantry/pkg/store"
)

// GetPatient fetches one patient by ID.
func (s *SQLiteStore) GetPatient(patientID string) (*model.Patient, error) {
	row := s.reader().QueryRow(`SELECT patient_id, display_name FROM patients WHERE patient_id = ?`, patientID)
	p := &model.Patient{}
	var name sql.NullString
	if err := row.Scan(&p.PatientID, &name); err != nil {
		return nil, mapNotFound(err)
	}
	p.DisplayName = name.String
	return p, nil
}

// GetStudy fetches one study by UID.
func (s *SQLiteStore) GetStudy(studyUID string) (*model.Study, error) {
	row := s.reader().QueryRow(`SELECT study_uid, study_date, patient_id FROM studies WHERE study_uid = ?`, studyUID)
	st := &model.Study{}
	var date sql.NullString
	if err := row.Scan(&st.StudyUID, &date, &st.PatientID); err != nil {
		return nil, mapNotFound(err)
	}
	st.Date = date.String
	return st, nil
}

// GetSeries fetches one series by UID.
func (s *SQLiteStore) GetSeries(seriesUID string) (*model.Series, error) {
	row := s.reader().QueryRow(`
		SELECT series_uid, modality, manufacturer, model_name, device_serial_number, study_uid
		FROM series WHERE series_uid = ?`, seriesUID)
	return scanSeries(row)
}

// GetInstance fetches one instance row, including the core attribute blob.
func (s *SQLiteStore) GetInstance(instanceUID string) (*model.Instance, error) {
	row := s.reader().QueryRow(`
		SELECT instance_uid, series_uid, core_attrs,
		       payload_offset, payload_length, payload_hash, payload_codec,
		       version, quarantined
		FROM instances WHERE instance_uid = ?`, instanceUID)
	return scanInstance(row)
}

// ListInstances streams every instance row in instance_uid order. The scan
// stops when yield returns false. Memory stays bounded by one row at a time.
func (s *SQLiteStore) ListInstances(yield func(*model.Instance) bool) error {
	rows, err := s.reader().Query(`
		SELECT instance_uid, series_uid, core_attrs,
		       payload_offset, payload_length, payload_hash, payload_codec,
		       version, quarantined
		FROM instances ORDER BY instance_uid`)
	if err != nil {
		return fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return err
		}
		if !yield(inst) {
			return nil
		}
	}
	return rows.Err()
}

// ListSeries returns every series row.
func (s *SQLiteStore) ListSeries() ([]*model.Series, error) {
	rows, err := s.reader().Query(`
		SELECT series_uid, modality, manufacturer, model_name, device_serial_number, study_uid
		FROM series ORDER BY series_uid`)
	if err != nil {
		return nil, fmt.Errorf("query series: %w", err)
	}
	defer rows.Close()

	var out []*model.Series
	for rows.Next() {
		se, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

// VerticalAttributes returns the sparse attribute rows for one instance.
func (s *SQLiteStore) VerticalAttributes(instanceUID string) ([]model.AttributeEntry, error) {
	rows, err := s.reader().Query(`
		SELECT group_id, element_id, kind, text_value, int_value, float_value, date_value, blob_value
		FROM attribute_entries WHERE instance_uid = ?
		ORDER BY group_id, element_id`, instanceUID)
	if err != nil {
		return nil, fmt.Errorf("query attributes: %w", err)
	}
	defer rows.Close()

	var out []model.AttributeEntry
	for rows.Next() {
		var (
			e      model.AttributeEntry
			kind   string
			textV  sql.NullString
			intV   sql.NullInt64
			floatV sql.NullFloat64
			dateV  sql.NullString
			blobV  []byte
		)
		if err := rows.Scan(&e.Group, &e.Element, &kind, &textV, &intV, &floatV, &dateV, &blobV); err != nil {
			return nil, err
		}
		e.InstanceUID = instanceUID
		switch model.ValueKind(kind) {
		case model.KindText:
			e.Value = model.Text(textV.String)
		case model.KindInt:
			e.Value = model.Int(intV.Int64)
		case model.KindFloat:
			e.Value = model.Float(floatV.Float64)
		case model.KindDate:
			e.Value = model.DateString(dateV.String)
		case model.KindBytes:
			e.Value = model.Bytes(blobV)
		default:
			return nil, fmt.Errorf("unknown attribute kind %q for %s", kind, instanceUID)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AuditMaxSequence returns the highest flushed audit sequence, 0 when empty.
func (s *SQLiteStore) AuditMaxSequence() (uint64, error) {
	var seq sql.NullInt64
	if err := s.reader().QueryRow(`SELECT MAX(seq) FROM audit_log`).Scan(&seq); err != nil {
		return 0, err
	}
	return uint64(seq.Int64), nil
}

// ListAuditEntries returns audit entries at or after the given sequence.
func (s *SQLiteStore) ListAuditEntries(fromSeq uint64, limit int) ([]model.AuditEntry, error) {
	q := `SELECT seq, timestamp_ns, action, entity_uid, details FROM audit_log WHERE seq >= ? ORDER BY seq`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.reader().Query(q, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e      model.AuditEntry
			action string
			uid    sql.NullString
			det    sql.NullString
		)
		if err := rows.Scan(&e.Sequence, &e.TimestampNS, &action, &uid, &det); err != nil {
			return nil, err
		}
		e.Action = model.ActionKind(action)
		e.EntityUID = uid.String
		e.Details = det.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListFindings returns all persisted PHI findings.
func (s *SQLiteStore) ListFindings() ([]model.PhiFinding, error) {
	rows, err := s.reader().Query(`
		SELECT entity_uid, entity_type, field_name, value, reason, remediation_action, remediation_value
		FROM phi_findings ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query findings: %w", err)
	}
	defer rows.Close()

	var out []model.PhiFinding
	for rows.Next() {
		var (
			f                          model.PhiFinding
			etype, field, value        sql.NullString
			reason, action, remedValue sql.NullString
		)
		if err := rows.Scan(&f.EntityUID, &etype, &field, &value, &reason, &action, &remedValue); err != nil {
			return nil, err
		}
		f.EntityType = etype.String
		f.FieldName = field.String
		f.Value = value.String
		f.Reason = reason.String
		f.Action = model.RemediationAction(action.String)
		f.Replacement = remedValue.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListMachineRules returns all persisted machine rules.
func (s *SQLiteStore) ListMachineRules() ([]model.MachineRule, error) {
	rows, err := s.reader().Query(`
		SELECT serial_number, manufacturer, model_name, zones
		FROM machine_rules ORDER BY serial_number`)
	if err != nil {
		return nil, fmt.Errorf("query machine rules: %w", err)
	}
	defer rows.Close()

	var out []model.MachineRule
	for rows.Next() {
		var (
			r           model.MachineRule
			man, mod    sql.NullString
			zonesJSON   sql.NullString
		)
		if err := rows.Scan(&r.SerialNumber, &man, &mod, &zonesJSON); err != nil {
			return nil, err
		}
		r.Manufacturer = man.String
		r.ModelName = mod.String
		if zonesJSON.Valid && zonesJSON.String != "" {
			if err := json.Unmarshal([]byte(zonesJSON.String), &r.Zones); err != nil {
				return nil, fmt.Errorf("unmarshal zones for %s: %w", r.SerialNumber, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ────────────────────────────────────────────────────────────────────────────────
// Scanner helpers
// ────────────────────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSeries(row rowScanner) (*model.Series, error) {
	se := &model.Series{}
	var modality, man, mod, serial sql.NullString
	err := row.Scan(&se.SeriesUID, &modality, &man, &mod, &serial, &se.StudyUID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	se.Modality = modality.String
	se.Manufacturer = man.String
	se.ModelName = mod.String
	se.DeviceSerialNumber = serial.String
	return se, nil
}

func scanInstance(row rowScanner) (*model.Instance, error) {
	inst := &model.Instance{}
	var (
		coreJSON     sql.NullString
		offset, length sql.NullInt64
		hash, codec  sql.NullString
		quarantined  int
	)
	err := row.Scan(&inst.InstanceUID, &inst.SeriesUID, &coreJSON,
		&offset, &length, &hash, &codec, &inst.Version, &quarantined)
	if err != nil {
		return nil, mapNotFound(err)
	}

	inst.Payload = model.PayloadRef{
		Offset: offset.Int64,
		Length: length.Int64,
		Hash:   hash.String,
		Codec:  model.Codec(codec.String),
	}
	inst.Quarantined = quarantined != 0

	if coreJSON.Valid && coreJSON.String != "" {
		if err := json.Unmarshal([]byte(coreJSON.String), &inst.Core); err != nil {
			return nil, fmt.Errorf("unmarshal core attributes for %s: %w", inst.InstanceUID, err)
		}
	}
	return inst, nil
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}
