// Package ingest provides the import pipeline for curation stores.
// A Source yields decoded records, a worker pool prepares them in parallel,
// and a single writer commits them in batches through the session.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gantryproj/gantry/pkg/model"
	"github.com/gantryproj/gantry/pkg/session"
)

// Record is one decoded unit of work: the full entity path plus the raw
// payload bytes. Decoding out of the acquisition format is the producer's
// job; the pipeline only stores.
type Record struct {
	Patient  model.Patient
	Study    model.Study
	Series   model.Series
	Instance model.Instance
	Payload  []byte
}

// Source produces records. Scan must send every record to out and return
// once exhausted; it should honor ctx cancellation. The pipeline closes
// nothing on the source's behalf.
type Source interface {
	// Scan sends records until exhausted or ctx is done.
	Scan(ctx context.Context, out chan<- *Record) error

	// Total returns the expected record count, or 0 when unknown.
	Total() int
}

// Config holds configuration for the ingest pipeline.
type Config struct {
	Session *session.Session
	Source  Source

	// Workers is the number of parallel preparation workers.
	// Defaults to runtime.GOMAXPROCS(0) if <= 0.
	Workers int

	// BatchSize is the number of records per batch commit.
	// Defaults to 200 if <= 0.
	BatchSize int

	// Resume skips records whose instance UID is already stored.
	Resume bool

	// ProgressCallback is called periodically with progress updates.
	ProgressCallback func(processed, total int, elapsed time.Duration)
}

// Result holds the outcome of an ingest run.
type Result struct {
	Processed int
	Skipped   int
	Bytes     int64
	Duration  time.Duration
}

// Progress holds progress information during an active run.
type Progress struct {
	Processed int
	Total     int // may be 0 if unknown
	Elapsed   time.Duration
}

// Pipeline is the main ingest pipeline.
type Pipeline struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	start  time.Time

	processed atomic.Int64
	skipped   atomic.Int64
	bytes     atomic.Int64
}

// New creates a new ingest pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Run executes the pipeline: source → workers → single batch writer.
// Payloads reach the sidecar before their metadata rows commit, so an
// interrupted run leaves orphaned frames but never dangling references;
// re-running with Resume picks up where it stopped.
func (p *Pipeline) Run() (*Result, error) {
	p.start = time.Now()

	raw := make(chan *Record, p.cfg.BatchSize)
	prepared := make(chan *Record, p.cfg.BatchSize)

	g, ctx := errgroup.WithContext(p.ctx)

	g.Go(func() error {
		defer close(raw)
		return p.cfg.Source.Scan(ctx, raw)
	})

	// Workers validate and filter in parallel; the expensive part of a
	// record (decode, resume lookup) does not serialize on the writer.
	var workerWg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		workerWg.Add(1)
		g.Go(func() error {
			defer workerWg.Done()
			return p.prepare(ctx, raw, prepared)
		})
	}
	go func() {
		workerWg.Wait()
		close(prepared)
	}()

	g.Go(func() error {
		return p.writerLoop(ctx, prepared)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}

	return &Result{
		Processed: int(p.processed.Load()),
		Skipped:   int(p.skipped.Load()),
		Bytes:     p.bytes.Load(),
		Duration:  time.Since(p.start),
	}, nil
}

// Stop cancels the pipeline. In-flight batches finish or roll back.
func (p *Pipeline) Stop() {
	p.cancel()
}

// Progress returns current progress.
func (p *Pipeline) Progress() Progress {
	return Progress{
		Processed: int(p.processed.Load()),
		Total:     p.cfg.Source.Total(),
		Elapsed:   time.Since(p.start),
	}
}

func (p *Pipeline) prepare(ctx context.Context, in <-chan *Record, out chan<- *Record) error {
	for rec := range in {
		if err := validate(rec); err != nil {
			return err
		}
		if p.cfg.Resume && p.cfg.Session.HasInstance(rec.Instance.InstanceUID) {
			p.skipped.Add(1)
			continue
		}
		select {
		case out <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func validate(rec *Record) error {
	switch {
	case rec.Patient.PatientID == "":
		return fmt.Errorf("record missing patient id")
	case rec.Study.StudyUID == "":
		return fmt.Errorf("record missing study uid")
	case rec.Series.SeriesUID == "":
		return fmt.Errorf("record missing series uid")
	case rec.Instance.InstanceUID == "":
		return fmt.Errorf("record missing instance uid")
	}
	rec.Study.PatientID = rec.Patient.PatientID
	rec.Series.StudyUID = rec.Study.StudyUID
	rec.Instance.SeriesUID = rec.Series.SeriesUID
	return nil
}

// writerLoop is the only goroutine touching the session's write path.
// Ancestor upserts are deduplicated per run, not per batch: an upsert is
// idempotent but skipping it saves the round trip.
func (p *Pipeline) writerLoop(ctx context.Context, records <-chan *Record) error {
	sess := p.cfg.Session
	seen := struct {
		patients map[string]bool
		studies  map[string]bool
		series   map[string]bool
	}{make(map[string]bool), make(map[string]bool), make(map[string]bool)}

	inBatch := false
	pending := 0

	begin := func() error {
		if inBatch {
			return nil
		}
		if err := sess.Begin(); err != nil {
			return fmt.Errorf("begin batch: %w", err)
		}
		inBatch = true
		return nil
	}
	commit := func() error {
		if !inBatch {
			return nil
		}
		if err := sess.Commit(); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
		inBatch = false
		pending = 0
		return nil
	}

	for rec := range records {
		if ctx.Err() != nil {
			if inBatch {
				sess.Rollback()
			}
			return ctx.Err()
		}
		if err := begin(); err != nil {
			return err
		}

		if !seen.patients[rec.Patient.PatientID] {
			if err := sess.AddPatient(&rec.Patient); err != nil {
				sess.Rollback()
				return fmt.Errorf("patient %s: %w", rec.Patient.PatientID, err)
			}
			seen.patients[rec.Patient.PatientID] = true
		}
		if !seen.studies[rec.Study.StudyUID] {
			if err := sess.AddStudy(&rec.Study); err != nil {
				sess.Rollback()
				return fmt.Errorf("study %s: %w", rec.Study.StudyUID, err)
			}
			seen.studies[rec.Study.StudyUID] = true
		}
		if !seen.series[rec.Series.SeriesUID] {
			if err := sess.AddSeries(&rec.Series); err != nil {
				sess.Rollback()
				return fmt.Errorf("series %s: %w", rec.Series.SeriesUID, err)
			}
			seen.series[rec.Series.SeriesUID] = true
		}
		if err := sess.AddInstance(&rec.Instance, rec.Payload); err != nil {
			sess.Rollback()
			return fmt.Errorf("instance %s: %w", rec.Instance.InstanceUID, err)
		}

		p.processed.Add(1)
		p.bytes.Add(int64(len(rec.Payload)))
		pending++

		if pending >= p.cfg.BatchSize {
			if err := commit(); err != nil {
				return err
			}
		}

		if p.cfg.ProgressCallback != nil && p.processed.Load()%100 == 0 {
			p.cfg.ProgressCallback(int(p.processed.Load()), p.cfg.Source.Total(),
				time.Since(p.start))
		}
	}

	return commit()
}
