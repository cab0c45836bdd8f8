// Package audit implements the asynchronous, ordered audit log writer.
//
// Producers enqueue entries onto a bounded channel and return immediately;
// a single background consumer drains the channel and batch-writes entries
// to the metadata store in arrival order. The channel bound is the
// backpressure mechanism: once the consumer falls behind by the queue
// capacity, Enqueue blocks instead of buffering without limit.
package audit

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gantryproj/gantry/pkg/model"
)

// DefaultCapacity is the queue bound used when the config does not set one.
const DefaultCapacity = 1024

// batchSize caps how many entries one store transaction absorbs.
const batchSize = 100

// Sink receives drained audit batches. Implemented by the SQLite store.
type Sink interface {
	BeginBatch() error
	CommitBatch() error
	RollbackBatch() error
	AppendAuditEntries(entries []model.AuditEntry) error
}

// Queue is the bounded producer/consumer audit pipeline. Sequence numbers
// are assigned at the moment an Enqueue call is accepted, so the persisted
// order always matches acceptance order and is gap-free.
type Queue struct {
	sink Sink
	ch   chan model.AuditEntry

	seqMu      sync.Mutex // orders sequence assignment with the channel send
	lastIssued atomic.Uint64

	flushMu     sync.Mutex
	flushCond   *sync.Cond
	lastFlushed uint64
	writeErr    error

	closed atomic.Bool
	done   chan struct{}
}

// New starts the queue's background consumer. startSeq is the last sequence
// already persisted (0 for a fresh store); newly accepted entries continue
// from startSeq+1.
func New(sink Sink, capacity int, startSeq uint64) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		sink: sink,
		ch:   make(chan model.AuditEntry, capacity),
		done: make(chan struct{}),
	}
	q.lastIssued.Store(startSeq)
	q.lastFlushed = startSeq
	q.flushCond = sync.NewCond(&q.flushMu)
	go q.consume()
	return q
}

// Enqueue accepts one audit entry, assigning it the next sequence number.
// It blocks when the queue is at capacity and fails once the queue is
// closed.
func (q *Queue) Enqueue(action model.ActionKind, entityUID, details string) error {
	q.seqMu.Lock()
	// Checked under seqMu: Close sets the flag before it takes this mutex
	// to close the channel, so a false reading here means the channel is
	// still open and stays open until the send below completes.
	if q.closed.Load() {
		q.seqMu.Unlock()
		return fmt.Errorf("audit queue closed")
	}

	seq := q.lastIssued.Add(1)
	entry := model.AuditEntry{
		Sequence:    seq,
		TimestampNS: time.Now().UnixNano(),
		Action:      action,
		EntityUID:   entityUID,
		Details:     details,
	}
	// Send under the mutex so channel order matches sequence order.
	q.ch <- entry
	q.seqMu.Unlock()
	return nil
}

// LastIssued returns the highest sequence number handed out so far.
func (q *Queue) LastIssued() uint64 {
	return q.lastIssued.Load()
}

// LastFlushed returns the highest sequence durably handed to the sink.
func (q *Queue) LastFlushed() uint64 {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	return q.lastFlushed
}

// Flush blocks until every entry accepted before the call has been written
// (or dropped with a logged error, which Flush then returns).
func (q *Queue) Flush() error {
	target := q.lastIssued.Load()
	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	for q.lastFlushed < target {
		q.flushCond.Wait()
	}
	return q.writeErr
}

// Close stops accepting entries, drains the queue fully, and waits for the
// consumer to exit. The store's save path must call this (or Flush) before
// reporting a complete save.
func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		<-q.done
		return q.writeErr
	}
	q.seqMu.Lock() // wait out any in-flight Enqueue
	close(q.ch)
	q.seqMu.Unlock()
	<-q.done

	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	return q.writeErr
}

// consume is the single background writer goroutine.
func (q *Queue) consume() {
	defer close(q.done)

	for entry, ok := <-q.ch; ok; entry, ok = <-q.ch {
		batch := make([]model.AuditEntry, 0, batchSize)
		batch = append(batch, entry)

	drain:
		for len(batch) < batchSize {
			select {
			case next, more := <-q.ch:
				if !more {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}

		err := q.writeBatch(batch)

		q.flushMu.Lock()
		q.lastFlushed = batch[len(batch)-1].Sequence
		if err != nil {
			// The data mutations behind these entries are already
			// committed; losing the log record is reported, not fatal.
			q.writeErr = err
			slog.Error("audit batch write failed", "error", err, "entries", len(batch))
		}
		q.flushCond.Broadcast()
		q.flushMu.Unlock()
	}
}

func (q *Queue) writeBatch(batch []model.AuditEntry) error {
	if err := q.sink.BeginBatch(); err != nil {
		return fmt.Errorf("begin audit batch: %w", err)
	}
	if err := q.sink.AppendAuditEntries(batch); err != nil {
		q.sink.RollbackBatch()
		return fmt.Errorf("append audit entries: %w", err)
	}
	if err := q.sink.CommitBatch(); err != nil {
		return fmt.Errorf("commit audit batch: %w", err)
	}
	return nil
}
