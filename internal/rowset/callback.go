package rowset

import (
	"fmt"
	"sync"

	"github.com/gofrs/uuid"
)

// CommitCallback is the token described in the data model: "upstream
// position P is durable after the target commits." A single upstream batch
// fans out one CommitCallback per RowSet cut from it (one per destination
// table it touches, more where a table's rows are split into chunks); the
// upstream offset is advanced only once every sibling in the batch has
// fired, and batches themselves are drained strictly in arrival order even
// though their sibling callbacks may fire out of order (different tables
// load at different speeds).
type CommitCallback struct {
	batch *batch
}

// Fire records that this callback's contribution has been durably
// committed. It is safe to call from any goroutine and must be called
// exactly once per callback.
func (c *CommitCallback) Fire() {
	c.batch.fire()
}

// batch tracks the sibling callbacks for one upstream poll. id exists only
// to make a misbehaving batch identifiable in a panic message or a log
// line, since seq alone is ambiguous across pipelines that each number
// their own batches from zero.
type batch struct {
	tracker  *Tracker
	seq      uint64
	id       uuid.UUID
	mu       sync.Mutex
	pending  int
	advanced bool
}

func (b *batch) fire() {
	b.mu.Lock()
	b.pending--
	if b.pending < 0 {
		b.mu.Unlock()
		panic(fmt.Sprintf("rowset: CommitCallback fired more times than allocated (batch %s)", b.id))
	}
	ready := b.pending == 0
	b.mu.Unlock()
	if ready {
		b.tracker.markReady(b)
	}
}

// Tracker orders the batches created for one PipeLine by arrival order and
// invokes each batch's Advance function, in that order, only once every
// batch up to and including it has had all of its sibling callbacks fire.
// This is what lets per-table loaders commit out of order while the
// upstream offset still advances monotonically.
type Tracker struct {
	advance func(seq uint64)

	mu struct {
		sync.Mutex
		next    uint64
		pending []*batch // FIFO, oldest first
		readyAt map[uint64]bool
	}
}

// NewTracker builds a Tracker that calls advance once a batch and everything
// before it in arrival order has fully committed. advance receives the
// sequence number assigned to the batch so the caller can correlate it with
// whatever upstream offset bookkeeping it is tracking.
func NewTracker(advance func(seq uint64)) *Tracker {
	t := &Tracker{advance: advance}
	t.mu.readyAt = make(map[uint64]bool)
	return t
}

// NewBatch allocates siblings CommitCallback tokens for the next upstream
// batch in arrival order. siblings may be 0: a poll that produced no Rows
// worth dispatching (every record in it was a benign skip) still needs a
// batch in the sequence — its source already pushed a matching entry onto
// its own offset-FIFO the moment the raw poll came back non-empty, before
// transform/dispatch had any say in how many Rows survived — so a
// zero-sibling batch is created ready and advances immediately, keeping
// every downstream Advance call aligned with the Poll that produced it.
func (t *Tracker) NewBatch(siblings int) []*CommitCallback {
	if siblings < 0 {
		panic("rowset: NewBatch requires a non-negative sibling count")
	}
	t.mu.Lock()
	seq := t.mu.next
	t.mu.next++
	b := &batch{tracker: t, seq: seq, id: uuid.Must(uuid.NewV4()), pending: siblings}
	t.mu.pending = append(t.mu.pending, b)
	t.mu.Unlock()

	cbs := make([]*CommitCallback, siblings)
	for i := range cbs {
		cbs[i] = &CommitCallback{batch: b}
	}
	if siblings == 0 {
		t.markReady(b)
	}
	return cbs
}

func (t *Tracker) markReady(b *batch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mu.readyAt[b.seq] = true

	for len(t.mu.pending) > 0 && t.mu.readyAt[t.mu.pending[0].seq] {
		head := t.mu.pending[0]
		t.mu.pending = t.mu.pending[1:]
		delete(t.mu.readyAt, head.seq)
		head.advanced = true
		t.advance(head.seq)
	}
}
