package query

import (
	"context"
	"fmt"

	"github.com/gantryproj/gantry/pkg/model"
	"github.com/gantryproj/gantry/pkg/store/sqlite"
)

// DefaultPageSize bounds how many rows a single Run call materializes.
const DefaultPageSize = 500

// Engine streams flattened patient→instance rows out of the metadata store
// and evaluates compiled filters against them. Ancestor records are cached
// per run: the hierarchy is shallow and heavily shared, so the dense scan
// stays a single pass over the instances table.
type Engine struct {
	store *sqlite.SQLiteStore
}

// NewEngine wraps a metadata store for querying.
func NewEngine(store *sqlite.SQLiteStore) *Engine {
	return &Engine{store: store}
}

// Options tunes one query run.
type Options struct {
	Limit  int // max rows returned; <=0 means DefaultPageSize
	Offset int // matching rows to skip before collecting
}

// Run evaluates the filter over every non-quarantined instance and returns
// one bounded page of matching rows. The sparse attribute table is only
// consulted when the expression actually calls attr() with an odd-group tag.
func (e *Engine) Run(ctx context.Context, c *Compiled, opts Options) ([]Row, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	var (
		rows    []Row
		skipped int
		runErr  error
	)
	cache := newAncestorCache(e.store)

	err := e.store.ListInstances(func(inst *model.Instance) bool {
		if ctx.Err() != nil {
			runErr = ctx.Err()
			return false
		}
		if inst.Quarantined {
			return true
		}

		row, err := cache.resolve(inst)
		if err != nil {
			runErr = err
			return false
		}
		if !c.Match(e.buildEnv(row)) {
			return true
		}
		if skipped < opts.Offset {
			skipped++
			return true
		}
		rows = append(rows, row)
		return len(rows) < limit
	})
	if err != nil {
		return nil, fmt.Errorf("scan instances: %w", err)
	}
	if runErr != nil {
		return nil, runErr
	}
	return rows, nil
}

// Each streams matching rows to yield without materializing a page.
func (e *Engine) Each(ctx context.Context, c *Compiled, yield func(Row) bool) error {
	var runErr error
	cache := newAncestorCache(e.store)

	err := e.store.ListInstances(func(inst *model.Instance) bool {
		if ctx.Err() != nil {
			runErr = ctx.Err()
			return false
		}
		if inst.Quarantined {
			return true
		}
		row, err := cache.resolve(inst)
		if err != nil {
			runErr = err
			return false
		}
		if !c.Match(e.buildEnv(row)) {
			return true
		}
		return yield(row)
	})
	if err != nil {
		return fmt.Errorf("scan instances: %w", err)
	}
	return runErr
}

func (e *Engine) buildEnv(row Row) RowEnv {
	env := RowEnv{}
	if row.Patient != nil {
		env.Patient.ID = row.Patient.PatientID
		env.Patient.Name = row.Patient.DisplayName
	}
	if row.Study != nil {
		env.Study.UID = row.Study.StudyUID
		env.Study.Date = row.Study.Date
	}
	if row.Series != nil {
		env.Series.UID = row.Series.SeriesUID
		env.Series.Modality = row.Series.Modality
		env.Series.Manufacturer = row.Series.Manufacturer
		env.Series.ModelName = row.Series.ModelName
		env.Series.Serial = row.Series.DeviceSerialNumber
	}
	inst := row.Instance
	env.Instance.UID = inst.InstanceUID
	env.Instance.Version = inst.Version
	env.Instance.Quarantined = inst.Quarantined
	env.Instance.PayloadSize = inst.Payload.Length

	env.Core = make(map[string]string, len(inst.Core))
	for tag, v := range inst.Core {
		env.Core[tag.String()] = v.String()
	}

	// Sparse rows are fetched at most once per instance, and only when the
	// expression asks for a tag the dense blob does not carry.
	var sparse map[string]string
	env.Attr = func(tagStr string) string {
		if v, ok := env.Core[tagStr]; ok {
			return v
		}
		if sparse == nil {
			sparse = make(map[string]string)
			entries, err := e.store.VerticalAttributes(inst.InstanceUID)
			if err == nil {
				for _, entry := range entries {
					sparse[entry.Tag().String()] = entry.Value.String()
				}
			}
		}
		return sparse[tagStr]
	}
	return env
}

// ancestorCache memoizes series/study/patient lookups across one scan.
type ancestorCache struct {
	store    *sqlite.SQLiteStore
	series   map[string]*model.Series
	studies  map[string]*model.Study
	patients map[string]*model.Patient
}

func newAncestorCache(s *sqlite.SQLiteStore) *ancestorCache {
	return &ancestorCache{
		store:    s,
		series:   make(map[string]*model.Series),
		studies:  make(map[string]*model.Study),
		patients: make(map[string]*model.Patient),
	}
}

func (a *ancestorCache) resolve(inst *model.Instance) (Row, error) {
	row := Row{Instance: inst}

	se, ok := a.series[inst.SeriesUID]
	if !ok {
		var err error
		se, err = a.store.GetSeries(inst.SeriesUID)
		if err != nil {
			return row, fmt.Errorf("series %s: %w", inst.SeriesUID, err)
		}
		a.series[inst.SeriesUID] = se
	}
	row.Series = se

	st, ok := a.studies[se.StudyUID]
	if !ok {
		var err error
		st, err = a.store.GetStudy(se.StudyUID)
		if err != nil {
			return row, fmt.Errorf("study %s: %w", se.StudyUID, err)
		}
		a.studies[se.StudyUID] = st
	}
	row.Study = st

	p, ok := a.patients[st.PatientID]
	if !ok {
		var err error
		p, err = a.store.GetPatient(st.PatientID)
		if err != nil {
			return row, fmt.Errorf("patient %s: %w", st.PatientID, err)
		}
		a.patients[st.PatientID] = p
	}
	row.Patient = p

	return row, nil
}
