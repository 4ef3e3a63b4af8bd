package merge

import (
	"context"
	"testing"
	"time"

	"github.com/hashdata/bireme/internal/rowset"
	"github.com/hashdata/bireme/internal/stopper"

	"github.com/stretchr/testify/assert"
)

func TestWorkerFoldsQueuedRowSetsIntoOneTask(t *testing.T) {
	a := assert.New(t)

	in := make(chan *rowset.RowSet, 4)
	out := make(chan *rowset.LoadTask, 4)
	w := &Worker{Table: "t", In: in, Out: out}

	in <- rowSet("t", rowset.Row{Type: rowset.Insert, Keys: "1", Tuple: "1|a"})
	in <- rowSet("t", rowset.Row{Type: rowset.Insert, Keys: "2", Tuple: "2|b"})

	ctx := stopper.WithContext(context.Background())
	ctx.Go(func() error { return w.Run(ctx) })

	select {
	case task := <-out:
		a.Len(task.Insert, 2, "both already-queued RowSets should fold into a single task")
	case <-time.After(time.Second):
		a.Fail("worker never produced a task")
	}

	ctx.Stop(0)
	a.NoError(ctx.Wait())
}

func TestWorkerExitsWhenInputClosed(t *testing.T) {
	a := assert.New(t)

	in := make(chan *rowset.RowSet)
	out := make(chan *rowset.LoadTask, 1)
	w := &Worker{Table: "t", In: in, Out: out}

	ctx := stopper.WithContext(context.Background())
	exited := make(chan struct{})
	ctx.Go(func() error {
		defer close(exited)
		return w.Run(ctx)
	})

	close(in)
	select {
	case <-exited:
	case <-time.After(time.Second):
		a.Fail("worker did not exit after its input channel closed")
	}
	ctx.Stop(0)
	a.NoError(ctx.Wait())
}

func TestWorkerStopsOnContextStopping(t *testing.T) {
	a := assert.New(t)

	in := make(chan *rowset.RowSet)
	out := make(chan *rowset.LoadTask, 1)
	w := &Worker{Table: "t", In: in, Out: out}

	ctx := stopper.WithContext(context.Background())
	ctx.Go(func() error { return w.Run(ctx) })

	ctx.Stop(0)
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		a.Fail("worker did not exit after Stop")
	}
	a.NoError(ctx.Wait())
}
