package ingest

import "context"

// SliceSource serves records from memory. Handy for tests and for callers
// that decode an entire batch up front.
type SliceSource struct {
	Records []*Record
}

// Scan implements Source.
func (s *SliceSource) Scan(ctx context.Context, out chan<- *Record) error {
	for _, rec := range s.Records {
		select {
		case out <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Total implements Source.
func (s *SliceSource) Total() int { return len(s.Records) }
