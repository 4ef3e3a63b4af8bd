package dispatch

import (
	"testing"
	"time"

	"github.com/hashdata/bireme/internal/rowset"

	"github.com/stretchr/testify/assert"
)

func newDispatcher(threshold int, queues map[string]chan *rowset.RowSet) *Dispatcher {
	var advanced []uint64
	tracker := rowset.NewTracker(func(seq uint64) { advanced = append(advanced, seq) })
	return &Dispatcher{
		Threshold: threshold,
		Tracker:   tracker,
		Queue:     func(table string) chan<- *rowset.RowSet { return queues[table] },
	}
}

func TestDispatchBatchRoutesByTable(t *testing.T) {
	a := assert.New(t)

	queues := map[string]chan *rowset.RowSet{
		"t1": make(chan *rowset.RowSet, 4),
		"t2": make(chan *rowset.RowSet, 4),
	}
	d := newDispatcher(1000, queues)

	rows := []rowset.Row{
		{MappedTable: "t1", Type: rowset.Insert, Keys: "1"},
		{MappedTable: "t2", Type: rowset.Insert, Keys: "1"},
		{MappedTable: "t1", Type: rowset.Insert, Keys: "2"},
	}
	d.DispatchBatch(nil, rows)

	rs1 := <-queues["t1"]
	a.Equal(2, rs1.Len())
	rs2 := <-queues["t2"]
	a.Equal(1, rs2.Len())
}

func TestDispatchBatchEmptyStillAdvancesTracker(t *testing.T) {
	a := assert.New(t)

	queues := map[string]chan *rowset.RowSet{"t1": make(chan *rowset.RowSet, 1)}
	var advanced []uint64
	tracker := rowset.NewTracker(func(seq uint64) { advanced = append(advanced, seq) })
	d := &Dispatcher{
		Threshold: 1000,
		Tracker:   tracker,
		Queue:     func(table string) chan<- *rowset.RowSet { return queues[table] },
	}

	// A poll whose raw records were all benign skips produces no Rows, but
	// the Source still recorded that poll in its own offset FIFO, so the
	// Tracker must still allocate — and immediately complete — a batch for
	// it, or the next real batch's Advance would pop the wrong FIFO entry.
	d.DispatchBatch(nil, nil)

	select {
	case <-queues["t1"]:
		a.Fail("empty batch must not produce a RowSet")
	default:
	}
	a.Equal([]uint64{0}, advanced, "an all-skip poll must still advance its own seq")
}

func TestDispatchBatchChunksOversizedTable(t *testing.T) {
	a := assert.New(t)

	queues := map[string]chan *rowset.RowSet{"t1": make(chan *rowset.RowSet, 8)}
	d := newDispatcher(2, queues)

	rows := make([]rowset.Row, 5)
	for i := range rows {
		rows[i] = rowset.Row{MappedTable: "t1", Type: rowset.Insert, Keys: string(rune('a' + i))}
	}
	d.DispatchBatch(nil, rows)

	var total int
	var chunkCount int
	for {
		select {
		case rs := <-queues["t1"]:
			total += rs.Len()
			chunkCount++
		case <-time.After(20 * time.Millisecond):
			a.Equal(5, total)
			a.Equal(3, chunkCount, "5 rows over a threshold of 2 should chunk into 2+2+1")
			return
		}
	}
}

func TestDispatchBatchSiblingsShareOneCallbackGroup(t *testing.T) {
	a := assert.New(t)

	queues := map[string]chan *rowset.RowSet{
		"t1": make(chan *rowset.RowSet, 4),
		"t2": make(chan *rowset.RowSet, 4),
	}
	var advanced int
	tracker := rowset.NewTracker(func(uint64) { advanced++ })
	d := &Dispatcher{
		Threshold: 1000,
		Tracker:   tracker,
		Queue:     func(table string) chan<- *rowset.RowSet { return queues[table] },
	}

	rows := []rowset.Row{
		{MappedTable: "t1", Type: rowset.Insert, Keys: "1"},
		{MappedTable: "t2", Type: rowset.Insert, Keys: "1"},
	}
	d.DispatchBatch(nil, rows)

	rs1 := <-queues["t1"]
	rs2 := <-queues["t2"]
	a.NotSame(rs1.Callback, nil)
	a.NotSame(rs2.Callback, nil)

	rs1.Callback.Fire()
	a.Equal(0, advanced, "must not advance until the sibling on t2 also fires")
	rs2.Callback.Fire()
	a.Equal(1, advanced)
}

func TestDispatchBatchStopsOnStopping(t *testing.T) {
	a := assert.New(t)

	queues := map[string]chan *rowset.RowSet{"t1": make(chan *rowset.RowSet)} // unbuffered, nobody reads
	d := newDispatcher(1000, queues)

	stopping := make(chan struct{})
	close(stopping)

	done := make(chan struct{})
	go func() {
		d.DispatchBatch(stopping, []rowset.Row{{MappedTable: "t1", Type: rowset.Insert, Keys: "1"}})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		a.Fail("DispatchBatch did not return once stopping was already closed")
	}
}
