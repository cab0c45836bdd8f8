// Package sqlite provides the SQLite implementation of store.Store.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/gantryproj/gantry/pkg/model"
	"github.com/gantryproj/gantry/pkg/store"
)

// Config holds configuration for the SQLite store.
type Config struct {
	// Path to the SQLite database file.
	DBPath string

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// WAL enables WAL mode for better concurrency.
	WAL bool
}

// SQLiteStore is the SQLite implementation of store.Store.
//
// The batch mutex is held for the whole lifetime of a write transaction:
// one write transaction at a time, unlimited concurrent reads (WAL).
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config

	// Write transaction state. batchMu is acquired by BeginBatch and
	// released by CommitBatch/RollbackBatch; txMu guards the fields.
	batchMu sync.Mutex
	txMu    sync.Mutex
	tx      *sql.Tx
	stmts   map[string]*sql.Stmt
}

// New creates a new SQLite store.
func New(cfg Config) (*SQLiteStore, error) {
	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := cfg.DBPath
	params := "?_foreign_keys=on"
	if cfg.ReadOnly {
		params += "&mode=ro"
	}
	if cfg.WAL {
		params += "&_journal_mode=WAL"
	}
	dsn += params

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{
		db:   db,
		path: cfg.DBPath,
		cfg:  cfg,
	}

	if !cfg.ReadOnly {
		if err := s.initSchema(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}

	return s, nil
}

// Open creates a store with the standard naming convention: the sidecar
// lives beside the database file.
func Open(dbPath string, readOnly bool) (*SQLiteStore, error) {
	return New(Config{
		DBPath:   dbPath,
		ReadOnly: readOnly,
		WAL:      !readOnly,
	})
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// DB returns the underlying database connection for direct queries.
// Use with caution - prefer the Store interface methods.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// ────────────────────────────────────────────────────────────────────────────────
// Schema Initialization
// ────────────────────────────────────────────────────────────────────────────────

func (s *SQLiteStore) initSchema() error {
	schema := `
-- Meta table: schema version, sidecar pairing, audit watermark
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT
);

CREATE TABLE IF NOT EXISTS patients (
	patient_id   TEXT PRIMARY KEY,
	display_name TEXT
);

CREATE TABLE IF NOT EXISTS studies (
	study_uid  TEXT PRIMARY KEY,
	study_date TEXT,
	patient_id TEXT NOT NULL,
	FOREIGN KEY (patient_id) REFERENCES patients(patient_id)
);

CREATE TABLE IF NOT EXISTS series (
	series_uid           TEXT PRIMARY KEY,
	modality             TEXT,
	manufacturer         TEXT,
	model_name           TEXT,
	device_serial_number TEXT,
	study_uid            TEXT NOT NULL,
	FOREIGN KEY (study_uid) REFERENCES studies(study_uid)
);

-- Instances: dense core attributes as one JSON blob per row, payload
-- addressed by offset/length into the sidecar, content hash for integrity.
CREATE TABLE IF NOT EXISTS instances (
	instance_uid   TEXT PRIMARY KEY,
	series_uid     TEXT NOT NULL,
	core_attrs     TEXT,
	payload_offset INTEGER,
	payload_length INTEGER,
	payload_hash   TEXT,
	payload_codec  TEXT,
	version        INTEGER NOT NULL DEFAULT 0,
	quarantined    INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (series_uid) REFERENCES series(series_uid)
);

-- Sparse/vendor attributes: one row per attribute, typed columns so raw
-- bytes round-trip exactly.
CREATE TABLE IF NOT EXISTS attribute_entries (
	instance_uid TEXT NOT NULL,
	group_id     INTEGER NOT NULL,
	element_id   INTEGER NOT NULL,
	kind         TEXT NOT NULL,
	text_value   TEXT,
	int_value    INTEGER,
	float_value  REAL,
	date_value   TEXT,
	blob_value   BLOB,
	PRIMARY KEY (instance_uid, group_id, element_id),
	FOREIGN KEY (instance_uid) REFERENCES instances(instance_uid)
);

-- Append-only, sequence-ordered audit log.
CREATE TABLE IF NOT EXISTS audit_log (
	seq          INTEGER PRIMARY KEY,
	timestamp_ns INTEGER NOT NULL,
	action       TEXT NOT NULL,
	entity_uid   TEXT,
	details      TEXT
);

CREATE TABLE IF NOT EXISTS phi_findings (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_uid         TEXT NOT NULL,
	entity_type        TEXT,
	field_name         TEXT,
	value              TEXT,
	reason             TEXT,
	remediation_action TEXT,
	remediation_value  TEXT
);

CREATE TABLE IF NOT EXISTS machine_rules (
	serial_number TEXT PRIMARY KEY,
	manufacturer  TEXT,
	model_name    TEXT,
	zones         TEXT
);

CREATE INDEX IF NOT EXISTS idx_studies_patient ON studies(patient_id);
CREATE INDEX IF NOT EXISTS idx_series_study ON series(study_uid);
CREATE INDEX IF NOT EXISTS idx_series_serial ON series(device_serial_number);
CREATE INDEX IF NOT EXISTS idx_instances_series ON instances(series_uid);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_uid);
CREATE INDEX IF NOT EXISTS idx_findings_entity ON phi_findings(entity_uid);
`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	_, err := s.db.Exec(`INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?), (?, ?)`,
		"schema_version", strconv.Itoa(store.SchemaVersion),
		"created_at", time.Now().Format(time.RFC3339Nano))
	return err
}

// mapConstraintErr translates SQLite constraint failures into the store's
// error taxonomy.
func mapConstraintErr(err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.ExtendedCode {
		case sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%w: %v", store.ErrForeignKey, err)
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %v", store.ErrDuplicateRule, err)
		}
	}
	return err
}

// ────────────────────────────────────────────────────────────────────────────────
// Metadata Operations
// ────────────────────────────────────────────────────────────────────────────────

// GetMeta retrieves the session metadata.
func (s *SQLiteStore) GetMeta() (*model.SessionMeta, error) {
	meta := &model.SessionMeta{}

	rows, err := s.reader().Query(`SELECT key, value FROM meta`)
	if err != nil {
		return nil, fmt.Errorf("query meta: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		switch key {
		case "schema_version":
			meta.SchemaVersion, _ = strconv.Atoi(value)
		case "sidecar_file":
			meta.SidecarFile = value
		case "created_at":
			meta.CreatedAt, _ = time.Parse(time.RFC3339Nano, value)
		case "saved_at":
			meta.SavedAt, _ = time.Parse(time.RFC3339Nano, value)
		case "last_audit_seq":
			meta.LastAuditSeq, _ = strconv.ParseUint(value, 10, 64)
		case "total_instances":
			meta.TotalInstances, _ = strconv.Atoi(value)
		}
	}

	return meta, rows.Err()
}

// SetMeta stores the session metadata. Runs inside the current batch when
// one is open, otherwise in its own transaction.
func (s *SQLiteStore) SetMeta(meta *model.SessionMeta) error {
	pairs := []struct{ k, v string }{
		{"schema_version", strconv.Itoa(meta.SchemaVersion)},
		{"sidecar_file", meta.SidecarFile},
		{"created_at", meta.CreatedAt.Format(time.RFC3339Nano)},
		{"saved_at", meta.SavedAt.Format(time.RFC3339Nano)},
		{"last_audit_seq", strconv.FormatUint(meta.LastAuditSeq, 10)},
		{"total_instances", strconv.Itoa(meta.TotalInstances)},
	}

	s.txMu.Lock()
	tx := s.tx
	s.txMu.Unlock()

	if tx != nil {
		stmt, err := s.getStmt("set_meta", `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`)
		if err != nil {
			return err
		}
		for _, p := range pairs {
			if _, err := stmt.Exec(p.k, p.v); err != nil {
				return err
			}
		}
		return nil
	}

	own, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer own.Rollback()

	stmt, err := own.Prepare(`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range pairs {
		if _, err := stmt.Exec(p.k, p.v); err != nil {
			return err
		}
	}
	return own.Commit()
}

// ────────────────────────────────────────────────────────────────────────────────
// Batch Write Operations
// ────────────────────────────────────────────────────────────────────────────────

// BeginBatch starts a batch write transaction. It blocks while another
// batch is in flight; at most one write transaction is open at a time.
func (s *SQLiteStore) BeginBatch() error {
	s.batchMu.Lock()

	tx, err := s.db.Begin()
	if err != nil {
		s.batchMu.Unlock()
		return err
	}

	s.txMu.Lock()
	s.tx = tx
	s.stmts = make(map[string]*sql.Stmt)
	s.txMu.Unlock()
	return nil
}

// CommitBatch commits the current batch.
func (s *SQLiteStore) CommitBatch() error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if s.tx == nil {
		return fmt.Errorf("no batch in progress")
	}

	for _, stmt := range s.stmts {
		stmt.Close()
	}
	s.stmts = nil

	err := s.tx.Commit()
	s.tx = nil
	s.batchMu.Unlock()
	return err
}

// RollbackBatch rolls back the current batch.
func (s *SQLiteStore) RollbackBatch() error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if s.tx == nil {
		return nil
	}

	for _, stmt := range s.stmts {
		stmt.Close()
	}
	s.stmts = nil

	err := s.tx.Rollback()
	s.tx = nil
	s.batchMu.Unlock()
	return err
}

func (s *SQLiteStore) getStmt(name, query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmts[name]; ok {
		return stmt, nil
	}

	stmt, err := s.tx.Prepare(query)
	if err != nil {
		return nil, err
	}
	s.stmts[name] = stmt
	return stmt, nil
}

func (s *SQLiteStore) inBatch() (*sql.Tx, error) {
	if s.tx == nil {
		return nil, fmt.Errorf("no batch in progress")
	}
	return s.tx, nil
}

// rowQuerier is satisfied by both *sql.DB and *sql.Tx.
type rowQuerier interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// reader returns the open batch transaction when one exists, otherwise the
// pooled handle. The pool holds a single connection and an open transaction
// pins it, so a read issued against the pool mid-batch would wait forever.
func (s *SQLiteStore) reader() rowQuerier {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// UpsertPatient inserts or updates a patient.
func (s *SQLiteStore) UpsertPatient(p *model.Patient) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if _, err := s.inBatch(); err != nil {
		return err
	}

	stmt, err := s.getStmt("upsert_patient", `
		INSERT INTO patients (patient_id, display_name) VALUES (?, ?)
		ON CONFLICT(patient_id) DO UPDATE SET display_name = excluded.display_name`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(p.PatientID, p.DisplayName)
	return mapConstraintErr(err)
}

// UpsertStudy inserts or updates a study. Fails with ErrForeignKey when the
// owning patient does not exist in the same transaction or earlier.
func (s *SQLiteStore) UpsertStudy(st *model.Study) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if _, err := s.inBatch(); err != nil {
		return err
	}

	stmt, err := s.getStmt("upsert_study", `
		INSERT INTO studies (study_uid, study_date, patient_id) VALUES (?, ?, ?)
		ON CONFLICT(study_uid) DO UPDATE SET
			study_date = excluded.study_date,
			patient_id = excluded.patient_id`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(st.StudyUID, st.Date, st.PatientID)
	return mapConstraintErr(err)
}

// UpsertSeries inserts or updates a series.
func (s *SQLiteStore) UpsertSeries(se *model.Series) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if _, err := s.inBatch(); err != nil {
		return err
	}

	stmt, err := s.getStmt("upsert_series", `
		INSERT INTO series (series_uid, modality, manufacturer, model_name, device_serial_number, study_uid)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(series_uid) DO UPDATE SET
			modality = excluded.modality,
			manufacturer = excluded.manufacturer,
			model_name = excluded.model_name,
			device_serial_number = excluded.device_serial_number,
			study_uid = excluded.study_uid`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(se.SeriesUID, se.Modality, se.Manufacturer, se.ModelName, se.DeviceSerialNumber, se.StudyUID)
	return mapConstraintErr(err)
}

// UpsertInstance inserts or updates an instance row, including its core
// attribute blob and payload reference.
func (s *SQLiteStore) UpsertInstance(i *model.Instance) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if _, err := s.inBatch(); err != nil {
		return err
	}

	var coreJSON []byte
	if len(i.Core) > 0 {
		var err error
		coreJSON, err = json.Marshal(i.Core)
		if err != nil {
			return fmt.Errorf("marshal core attributes: %w", err)
		}
	}

	stmt, err := s.getStmt("upsert_instance", `
		INSERT INTO instances (instance_uid, series_uid, core_attrs,
			payload_offset, payload_length, payload_hash, payload_codec,
			version, quarantined)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_uid) DO UPDATE SET
			series_uid = excluded.series_uid,
			core_attrs = excluded.core_attrs,
			payload_offset = excluded.payload_offset,
			payload_length = excluded.payload_length,
			payload_hash = excluded.payload_hash,
			payload_codec = excluded.payload_codec,
			version = excluded.version,
			quarantined = excluded.quarantined`)
	if err != nil {
		return err
	}

	quarantined := 0
	if i.Quarantined {
		quarantined = 1
	}
	_, err = stmt.Exec(i.InstanceUID, i.SeriesUID, nullableString(coreJSON),
		i.Payload.Offset, i.Payload.Length, i.Payload.Hash, string(i.Payload.Codec),
		i.Version, quarantined)
	return mapConstraintErr(err)
}

// SetVerticalAttribute writes one sparse attribute row. The value column
// used depends on the kind; byte values land in the BLOB column untouched.
func (s *SQLiteStore) SetVerticalAttribute(e model.AttributeEntry) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if _, err := s.inBatch(); err != nil {
		return err
	}

	stmt, err := s.getStmt("set_vertical", `
		INSERT INTO attribute_entries (instance_uid, group_id, element_id, kind,
			text_value, int_value, float_value, date_value, blob_value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_uid, group_id, element_id) DO UPDATE SET
			kind = excluded.kind,
			text_value = excluded.text_value,
			int_value = excluded.int_value,
			float_value = excluded.float_value,
			date_value = excluded.date_value,
			blob_value = excluded.blob_value`)
	if err != nil {
		return err
	}

	v := e.Value
	var (
		textV  sql.NullString
		intV   sql.NullInt64
		floatV sql.NullFloat64
		dateV  sql.NullString
		blobV  []byte
	)
	switch v.Kind {
	case model.KindText:
		textV = sql.NullString{String: v.Text, Valid: true}
	case model.KindInt:
		intV = sql.NullInt64{Int64: v.Int, Valid: true}
	case model.KindFloat:
		floatV = sql.NullFloat64{Float64: v.Float, Valid: true}
	case model.KindDate:
		dateV = sql.NullString{String: v.Date, Valid: true}
	case model.KindBytes:
		blobV = v.Bytes
	default:
		return fmt.Errorf("unknown attribute kind %q", v.Kind)
	}

	_, err = stmt.Exec(e.InstanceUID, e.Group, e.Element, string(v.Kind),
		textV, intV, floatV, dateV, blobV)
	return mapConstraintErr(err)
}

// SetQuarantined flips the quarantine flag for one instance.
func (s *SQLiteStore) SetQuarantined(instanceUID string, quarantined bool) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if _, err := s.inBatch(); err != nil {
		return err
	}

	stmt, err := s.getStmt("set_quarantined",
		`UPDATE instances SET quarantined = ? WHERE instance_uid = ?`)
	if err != nil {
		return err
	}
	q := 0
	if quarantined {
		q = 1
	}
	_, err = stmt.Exec(q, instanceUID)
	return err
}

// AppendAuditEntries appends pre-sequenced audit entries in order.
func (s *SQLiteStore) AppendAuditEntries(entries []model.AuditEntry) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if _, err := s.inBatch(); err != nil {
		return err
	}

	stmt, err := s.getStmt("append_audit", `
		INSERT INTO audit_log (seq, timestamp_ns, action, entity_uid, details)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if _, err := stmt.Exec(e.Sequence, e.TimestampNS, string(e.Action), e.EntityUID, e.Details); err != nil {
			return mapConstraintErr(err)
		}
	}
	return nil
}

// AppendFinding persists one PHI finding.
func (s *SQLiteStore) AppendFinding(f model.PhiFinding) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if _, err := s.inBatch(); err != nil {
		return err
	}

	stmt, err := s.getStmt("append_finding", `
		INSERT INTO phi_findings (entity_uid, entity_type, field_name, value, reason,
			remediation_action, remediation_value)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(f.EntityUID, f.EntityType, f.FieldName, f.Value, f.Reason,
		string(f.Action), f.Replacement)
	return err
}

// AppendMachineRule persists one rule; duplicate serials fail with
// ErrDuplicateRule.
func (s *SQLiteStore) AppendMachineRule(r model.MachineRule) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if _, err := s.inBatch(); err != nil {
		return err
	}

	zonesJSON, err := json.Marshal(r.Zones)
	if err != nil {
		return fmt.Errorf("marshal zones: %w", err)
	}

	stmt, err := s.getStmt("append_rule", `
		INSERT INTO machine_rules (serial_number, manufacturer, model_name, zones)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(r.SerialNumber, r.Manufacturer, r.ModelName, string(zonesJSON))
	return mapConstraintErr(err)
}

// RemapPayloadOffsets applies a compaction remap table to every instance
// row. Pairs must be applied in ascending old-offset order: compaction only
// moves frames toward the file start, so ascending application can never
// collide with a not-yet-remapped row.
func (s *SQLiteStore) RemapPayloadOffsets(remap map[int64]int64) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if _, err := s.inBatch(); err != nil {
		return err
	}

	olds := make([]int64, 0, len(remap))
	for old := range remap {
		olds = append(olds, old)
	}
	sort.Slice(olds, func(i, j int) bool { return olds[i] < olds[j] })

	stmt, err := s.getStmt("remap_offsets",
		`UPDATE instances SET payload_offset = ? WHERE payload_offset = ? AND payload_length > 0`)
	if err != nil {
		return err
	}
	for _, old := range olds {
		if remap[old] == old {
			continue
		}
		if _, err := stmt.Exec(remap[old], old); err != nil {
			return err
		}
	}
	return nil
}

func nullableString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
