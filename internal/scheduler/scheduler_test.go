package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashdata/bireme/internal/pipeline"
	"github.com/hashdata/bireme/internal/stopper"

	"github.com/stretchr/testify/assert"
)

// blockingSource is a pipeline.Source whose Poll never returns until ctx is
// done or its stopper.Context begins stopping, recording that it was ever
// called so tests can tell whether a PipeLine actually got a slot to run in.
type blockingSource struct {
	started int32
}

func (b *blockingSource) Poll(ctx context.Context) ([]pipeline.Record, error) {
	atomic.StoreInt32(&b.started, 1)
	select {
	case <-ctx.Done():
	case <-stopper.From(ctx).Stopping():
	}
	return nil, ctx.Err()
}
func (b *blockingSource) Advance(uint64) {}
func (b *blockingSource) Close()         {}

func newBlockingPipeLine(name string) (*pipeline.PipeLine, *blockingSource) {
	src := &blockingSource{}
	return pipeline.New(name, src, nil, nil, nil, 100, nil, nil), src
}

func TestRunReturnsNilOnCleanStop(t *testing.T) {
	p1, src1 := newBlockingPipeLine("a")
	p2, src2 := newBlockingPipeLine("b")

	s := New(2)
	ctx := stopper.WithContext(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, []*pipeline.PipeLine{p1, p2}) }()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&src1.started) == 1 && atomic.LoadInt32(&src2.started) == 1
	}, time.Second, time.Millisecond, "both pipelines should have been given a slot to run")

	ctx.Stop(0)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		assert.Fail(t, "Scheduler.Run never returned after Stop")
	}
}

func TestRunCapsConcurrencyAtMaxConcurrent(t *testing.T) {
	pipelines := make([]*pipeline.PipeLine, 0, 5)
	sources := make([]*blockingSource, 0, 5)
	for i := 0; i < 5; i++ {
		p, src := newBlockingPipeLine("p")
		pipelines = append(pipelines, p)
		sources = append(sources, src)
	}

	s := New(2)
	ctx := stopper.WithContext(context.Background())
	defer ctx.Stop(0)

	go func() { _ = s.Run(ctx, pipelines) }()

	time.Sleep(100 * time.Millisecond)

	started := 0
	for _, src := range sources {
		if atomic.LoadInt32(&src.started) == 1 {
			started++
		}
	}
	assert.Equal(t, 2, started, "only MaxConcurrent pipelines should have been given a slot to run")
}

func TestRunWithZeroPipelinesReturnsImmediately(t *testing.T) {
	s := New(2)
	ctx := stopper.WithContext(context.Background())
	defer ctx.Stop(0)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, nil) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		assert.Fail(t, "Run with no pipelines should return right away")
	}
}
