package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashdata/bireme/internal/rowset"
	"github.com/hashdata/bireme/internal/transform"

	"github.com/stretchr/testify/assert"
)

// fakeSource is a pipeline.Source whose Poll results are scripted one call
// at a time, and which records every Advance call it receives.
type fakeSource struct {
	mu       sync.Mutex
	results  []pollResult
	advanced []uint64
	closed   bool
}

type pollResult struct {
	records []Record
	err     error
}

func (f *fakeSource) Poll(ctx context.Context) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.records, r.err
}

func (f *fakeSource) Advance(seq uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanced = append(f.advanced, seq)
}

func (f *fakeSource) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// fakeTransformer turns every record's payload directly into a Row, or
// reports a benign skip / error based on the topic name, for tests that
// want to exercise consumeLoop's skip/error accounting.
type fakeTransformer struct{}

func (fakeTransformer) Transform(_ context.Context, topic string, payload []byte, row *rowset.Row) (bool, error) {
	switch topic {
	case "skip":
		return false, nil
	case "error":
		return false, &transform.Error{Topic: topic, Cause: errors.New("malformed")}
	default:
		row.Type = rowset.Insert
		row.MappedTable = "public.accounts"
		row.Keys = string(payload)
		row.Tuple = string(payload)
		return true, nil
	}
}

func newTestPipeLine(source Source) *PipeLine {
	return New("test", source, fakeTransformer{}, nil, nil, 100, nil, nil)
}

func TestRunClosesSourceOnStop(t *testing.T) {
	a := assert.New(t)

	src := &fakeSource{}
	p := newTestPipeLine(src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		a.NoError(err)
	case <-time.After(time.Second):
		a.Fail("Run never returned after its parent context was cancelled")
	}
	a.True(src.closed, "Run must close the source before returning")
	a.Equal(Stopped, p.State())
}

func TestConsumeLoopDispatchesTransformedRows(t *testing.T) {
	a := assert.New(t)

	src := &fakeSource{results: []pollResult{
		{records: []Record{{Topic: "t", Payload: []byte("1")}, {Topic: "t", Payload: []byte("2")}}},
	}}
	p := newTestPipeLine(src)
	p.rowSetQueues = map[string]chan *rowset.RowSet{"public.accounts": make(chan *rowset.RowSet, 4)}
	p.dispatcher.Queue = func(table string) chan<- *rowset.RowSet { return p.rowSetQueues[table] }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	select {
	case rs := <-p.rowSetQueues["public.accounts"]:
		a.Equal(2, rs.Len())
	case <-time.After(time.Second):
		a.Fail("no RowSet was dispatched")
	}
}

func TestConsumeLoopSkipsBenignAndErroredRecords(t *testing.T) {
	a := assert.New(t)

	src := &fakeSource{results: []pollResult{
		{records: []Record{
			{Topic: "ok", Payload: []byte("1")},
			{Topic: "skip", Payload: []byte("x")},
			{Topic: "error", Payload: []byte("y")},
		}},
	}}
	p := newTestPipeLine(src)
	p.rowSetQueues = map[string]chan *rowset.RowSet{"public.accounts": make(chan *rowset.RowSet, 4)}
	p.dispatcher.Queue = func(table string) chan<- *rowset.RowSet { return p.rowSetQueues[table] }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	select {
	case rs := <-p.rowSetQueues["public.accounts"]:
		a.Equal(1, rs.Len(), "only the single well-formed record should make it through")
	case <-time.After(time.Second):
		a.Fail("no RowSet was dispatched")
	}
}

func TestConsumeLoopDegradesOnPollError(t *testing.T) {
	a := assert.New(t)

	src := &fakeSource{results: []pollResult{
		{err: errors.New("broker unreachable")},
	}}
	p := newTestPipeLine(src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	a.Eventually(func() bool {
		return p.State() == Degraded
	}, time.Second, time.Millisecond)
}

func TestBackoffForCapsAndFloors(t *testing.T) {
	a := assert.New(t)
	a.Equal(time.Second, backoffFor(0))
	a.Equal(time.Second, backoffFor(1))
	a.Equal(5*time.Second, backoffFor(5))
	a.Equal(30*time.Second, backoffFor(1000))
}

func TestCountByTable(t *testing.T) {
	rows := []rowset.Row{
		{MappedTable: "a"}, {MappedTable: "a"}, {MappedTable: "b"},
	}
	counts := countByTable(rows)
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, counts)
}

func TestStateDefaultsToZeroValue(t *testing.T) {
	p := &PipeLine{}
	assert.Equal(t, Normal, p.State())
	assert.NoError(t, p.Err())
}

func TestStateString(t *testing.T) {
	a := assert.New(t)
	a.Equal("NORMAL", Normal.String())
	a.Equal("DEGRADED", Degraded.String())
	a.Equal("STOPPED", Stopped.String())
	a.Equal("UNKNOWN", State(99).String())
}
