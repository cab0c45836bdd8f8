// Package export writes flattened record rows in various formats.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gantryproj/gantry/pkg/query"
)

// OutputFormat represents the output format type.
type OutputFormat string

const (
	FormatText OutputFormat = "text"
	FormatJSON OutputFormat = "json"
	FormatCSV  OutputFormat = "csv"
)

// Exporter streams flattened patient→instance rows to a writer. Rows are
// written as they arrive; nothing is buffered beyond one row.
type Exporter struct {
	format   OutputFormat
	writer   io.Writer
	csvOut   *csv.Writer
	count    int
	maxCount int // 0 = unlimited
	first    bool
}

// NewExporter creates an exporter for the given format.
func NewExporter(w io.Writer, format OutputFormat) *Exporter {
	return &Exporter{format: format, writer: w, first: true}
}

// SetMaxCount caps the number of rows exported.
func (e *Exporter) SetMaxCount(n int) {
	e.maxCount = n
}

// ShouldStop reports whether the row cap has been reached.
func (e *Exporter) ShouldStop() bool {
	return e.maxCount > 0 && e.count >= e.maxCount
}

// Count returns how many rows have been written.
func (e *Exporter) Count() int { return e.count }

// Start writes any format preamble.
func (e *Exporter) Start() error {
	switch e.format {
	case FormatJSON:
		_, err := fmt.Fprintln(e.writer, "[")
		return err
	case FormatCSV:
		e.csvOut = csv.NewWriter(e.writer)
		return e.csvOut.Write([]string{
			"patient_id", "study_uid", "study_date", "series_uid", "modality",
			"manufacturer", "model", "serial", "instance_uid", "version",
			"payload_size", "payload_hash",
		})
	}
	return nil
}

// ExportRow writes one flattened row.
func (e *Exporter) ExportRow(row query.Row) error {
	if e.ShouldStop() {
		return nil
	}

	var err error
	switch e.format {
	case FormatText:
		err = e.exportText(row)
	case FormatJSON:
		err = e.exportJSON(row)
	case FormatCSV:
		err = e.exportCSV(row)
	default:
		err = fmt.Errorf("unknown export format %q", e.format)
	}
	if err != nil {
		return err
	}
	e.count++
	return nil
}

// Finish writes any format epilogue and flushes.
func (e *Exporter) Finish() error {
	switch e.format {
	case FormatJSON:
		_, err := fmt.Fprintln(e.writer, "\n]")
		return err
	case FormatCSV:
		e.csvOut.Flush()
		return e.csvOut.Error()
	}
	return nil
}

func (e *Exporter) exportText(row query.Row) error {
	_, err := fmt.Fprintf(e.writer, "%s  %s  %-6s  %s  v%d  %dB\n",
		row.Patient.PatientID, row.Study.Date, row.Series.Modality,
		row.Instance.InstanceUID, row.Instance.Version, row.Instance.Payload.Length)
	return err
}

type jsonRow struct {
	PatientID    string            `json:"patient_id"`
	PatientName  string            `json:"patient_name,omitempty"`
	StudyUID     string            `json:"study_uid"`
	StudyDate    string            `json:"study_date,omitempty"`
	SeriesUID    string            `json:"series_uid"`
	Modality     string            `json:"modality"`
	Manufacturer string            `json:"manufacturer,omitempty"`
	ModelName    string            `json:"model_name,omitempty"`
	Serial       string            `json:"serial,omitempty"`
	InstanceUID  string            `json:"instance_uid"`
	Version      uint64            `json:"version"`
	PayloadSize  int64             `json:"payload_size"`
	PayloadHash  string            `json:"payload_hash,omitempty"`
	Core         map[string]string `json:"core_attributes,omitempty"`
}

func (e *Exporter) exportJSON(row query.Row) error {
	jr := jsonRow{
		PatientID:    row.Patient.PatientID,
		PatientName:  row.Patient.DisplayName,
		StudyUID:     row.Study.StudyUID,
		StudyDate:    row.Study.Date,
		SeriesUID:    row.Series.SeriesUID,
		Modality:     row.Series.Modality,
		Manufacturer: row.Series.Manufacturer,
		ModelName:    row.Series.ModelName,
		Serial:       row.Series.DeviceSerialNumber,
		InstanceUID:  row.Instance.InstanceUID,
		Version:      row.Instance.Version,
		PayloadSize:  row.Instance.Payload.Length,
		PayloadHash:  row.Instance.Payload.Hash,
	}
	if len(row.Instance.Core) > 0 {
		jr.Core = make(map[string]string, len(row.Instance.Core))
		for tag, v := range row.Instance.Core {
			jr.Core[tag.String()] = v.String()
		}
	}

	data, err := json.Marshal(jr)
	if err != nil {
		return err
	}
	if !e.first {
		if _, err := fmt.Fprint(e.writer, ",\n"); err != nil {
			return err
		}
	}
	e.first = false
	_, err = fmt.Fprintf(e.writer, "  %s", data)
	return err
}

func (e *Exporter) exportCSV(row query.Row) error {
	return e.csvOut.Write([]string{
		row.Patient.PatientID,
		row.Study.StudyUID,
		row.Study.Date,
		row.Series.SeriesUID,
		row.Series.Modality,
		row.Series.Manufacturer,
		row.Series.ModelName,
		row.Series.DeviceSerialNumber,
		row.Instance.InstanceUID,
		fmt.Sprintf("%d", row.Instance.Version),
		fmt.Sprintf("%d", row.Instance.Payload.Length),
		row.Instance.Payload.Hash,
	})
}
