package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/hashdata/bireme/internal/pipeline"
	"github.com/hashdata/bireme/internal/stopper"

	"github.com/stretchr/testify/assert"
)

// Watchdog's fatal-failure branch (a PipeLine observed Stopped with a
// non-nil Err) requires a pipeline failure driven by a merger or loader, and
// those require a live target connection; it is exercised only by the
// stall-detection and clean-shutdown paths here, consistent with every
// other DB-dependent path left to integration tests in this repository.

func TestWatchdogStopsOnStall(t *testing.T) {
	src := &blockingSource{}
	p := pipeline.New("stuck", src, nil, nil, nil, 100, nil, nil)
	pCtx := stopper.WithContext(context.Background())
	pCtx.Go(func() error { return p.Run(pCtx) })
	defer pCtx.Stop(0)

	assert.Eventually(t, func() bool { return p.State() == pipeline.Normal }, time.Second, time.Millisecond)

	w := NewWatchdog(5*time.Millisecond, 20*time.Millisecond)
	wCtx := stopper.WithContext(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(wCtx, []*pipeline.PipeLine{p}) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		assert.Fail(t, "watchdog never reacted to a stalled pipeline")
	}
	assert.True(t, wCtx.IsStopping(), "watchdog must call Stop once a pipeline exceeds StallTimeout without changing state")
}

func TestWatchdogStopsCleanlyWhenItsOwnContextStops(t *testing.T) {
	src := &blockingSource{}
	p := pipeline.New("fine", src, nil, nil, nil, 100, nil, nil)
	pCtx := stopper.WithContext(context.Background())
	pCtx.Go(func() error { return p.Run(pCtx) })
	defer pCtx.Stop(0)

	w := NewWatchdog(5*time.Millisecond, 0)
	wCtx := stopper.WithContext(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(wCtx, []*pipeline.PipeLine{p}) }()

	wCtx.Stop(0)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		assert.Fail(t, "watchdog never returned after its own context stopped")
	}
}
