// Package report generates session summaries and export manifests.
package report

import (
	"fmt"
	"time"

	"github.com/gantryproj/gantry/pkg/model"
	"github.com/gantryproj/gantry/pkg/session"
)

// Data holds everything a session summary displays.
type Data struct {
	GeneratedAt time.Time

	DBPath      string
	SidecarFile string
	SidecarSize int64
	SavedAt     time.Time

	Patients    int
	Studies     int
	Series      int
	Instances   int
	Quarantined int

	PayloadBytes    int64
	PayloadBytesStr string

	AuditEntries uint64
	Findings     int
	Rules        int

	Equipment []model.Equipment
}

// Generate collects a summary from an open session.
func Generate(sess *session.Session) (*Data, error) {
	st := sess.Store()
	data := &Data{
		GeneratedAt: time.Now(),
		DBPath:      st.Path(),
	}

	meta, err := st.GetMeta()
	if err != nil {
		return nil, fmt.Errorf("get meta: %w", err)
	}
	data.SidecarFile = meta.SidecarFile
	data.SavedAt = meta.SavedAt

	patients := make(map[string]bool)
	studies := make(map[string]bool)
	seriesSeen := make(map[string]bool)
	err = st.ListInstances(func(inst *model.Instance) bool {
		data.Instances++
		if inst.Quarantined {
			data.Quarantined++
		}
		data.PayloadBytes += inst.Payload.Length
		seriesSeen[inst.SeriesUID] = true
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan instances: %w", err)
	}

	series, err := st.ListSeries()
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	for _, se := range series {
		studies[se.StudyUID] = true
	}
	data.Series = len(series)
	data.Studies = len(studies)

	for uid := range studies {
		study, err := st.GetStudy(uid)
		if err != nil {
			return nil, fmt.Errorf("study %s: %w", uid, err)
		}
		patients[study.PatientID] = true
	}
	data.Patients = len(patients)
	data.PayloadBytesStr = FormatBytes(data.PayloadBytes)

	data.AuditEntries, err = st.AuditMaxSequence()
	if err != nil {
		return nil, fmt.Errorf("audit watermark: %w", err)
	}

	findings, err := st.ListFindings()
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	data.Findings = len(findings)

	rules, err := st.ListMachineRules()
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	data.Rules = len(rules)

	data.Equipment, err = sess.Equipment()
	if err != nil {
		return nil, fmt.Errorf("equipment inventory: %w", err)
	}

	return data, nil
}

// FormatBytes renders a byte count in human units.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
