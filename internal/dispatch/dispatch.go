// Package dispatch routes transformed Rows from one PipeLine's input queue
// into per-table RowSet queues, closing each RowSet once it reaches the
// row-count threshold or the enclosing upstream batch ends.
package dispatch

import (
	"github.com/hashdata/bireme/internal/rowset"
)

// QueueLookup resolves the per-table RowSet channel a closed RowSet should
// be sent on. A PipeLine constructs one entry per table active on it.
type QueueLookup func(mappedTable string) chan<- *rowset.RowSet

// Dispatcher partitions one upstream batch of transformed Rows by
// MappedTable and closes a RowSet per table, each carrying a sibling
// CommitCallback allocated from the same batch.
type Dispatcher struct {
	// Threshold bounds how many rows a single RowSet may hold before it is
	// closed, even mid-batch.
	Threshold int
	// Tracker allocates the sibling CommitCallbacks for each upstream
	// batch and advances the upstream offset once all of them fire.
	Tracker *rowset.Tracker
	// Queue resolves the destination channel for a table's closed
	// RowSets.
	Queue QueueLookup
}

// DispatchBatch partitions rows by MappedTable, in arrival order, and sends
// each resulting RowSet to its table's queue. In the common case — every
// table's share of the batch fits under Threshold — exactly one RowSet per
// touched table is produced and they are siblings of the same upstream
// batch. If a table's share of an unusually large batch exceeds Threshold,
// its rows are chunked into multiple RowSets, each still a sibling of the
// same batch, so the "at most one CommitCallback group per batch" guarantee
// — rather than "at most one RowSet" — is what callers can rely on when the
// upstream poll is not already bounded to Threshold.
//
// rows may be empty — a poll whose raw records were entirely benign skips
// (tombstones, resolved-timestamp markers) still produces no Rows here —
// but a Tracker batch is allocated regardless, with zero siblings. The
// Source already recorded this poll in its own offset FIFO the moment the
// raw batch came back non-empty, before any transform/dispatch verdict was
// known; skipping NewBatch here would leave that FIFO entry with no
// matching Advance call, and the next real batch's Advance would then pop
// and mark the wrong, stale offsets.
func (d *Dispatcher) DispatchBatch(stopping <-chan struct{}, rows []rowset.Row) {
	order := make([]string, 0, 4)
	byTable := make(map[string][]rowset.Row, 4)
	for _, row := range rows {
		if _, ok := byTable[row.MappedTable]; !ok {
			order = append(order, row.MappedTable)
		}
		byTable[row.MappedTable] = append(byTable[row.MappedTable], row)
	}

	chunks := make(map[string][][]rowset.Row, len(order))
	total := 0
	for _, table := range order {
		tableChunks := chunk(byTable[table], d.Threshold)
		chunks[table] = tableChunks
		total += len(tableChunks)
	}

	callbacks := d.Tracker.NewBatch(total)
	next := 0
	for _, table := range order {
		queue := d.Queue(table)
		for _, rows := range chunks[table] {
			rs := rowset.NewRowSet(table)
			for _, r := range rows {
				rs.Append(r)
			}
			rs.Close(callbacks[next])
			next++
			select {
			case queue <- rs:
			case <-stopping:
				return
			}
		}
	}
}

func chunk(rows []rowset.Row, threshold int) [][]rowset.Row {
	if threshold <= 0 || len(rows) <= threshold {
		return [][]rowset.Row{rows}
	}
	var out [][]rowset.Row
	for len(rows) > 0 {
		n := threshold
		if n > len(rows) {
			n = len(rows)
		}
		out = append(out, rows[:n])
		rows = rows[n:]
	}
	return out
}
