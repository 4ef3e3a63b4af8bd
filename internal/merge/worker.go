package merge

import (
	"github.com/hashdata/bireme/internal/rowset"
	"github.com/hashdata/bireme/internal/stopper"
	log "github.com/sirupsen/logrus"
)

// MaxWindow bounds how many closed RowSets a single merge folds into one
// LoadTask, so that one unusually bursty table can't starve the loader
// behind an unbounded merge.
const MaxWindow = 64

// Worker is a per-table merger: it drains whatever closed RowSets are
// already queued (up to MaxWindow), folds them into a single LoadTask, and
// hands that task to the loader over Out. Because the result is delivered
// over a channel rather than computed inline, merging for the next window
// can run while the loader is still applying the previous one — the
// "lazy future" behavior the scheduler relies on.
type Worker struct {
	Table string
	In    <-chan *rowset.RowSet
	Out   chan<- *rowset.LoadTask
}

// Run blocks until ctx is stopped or In is closed. It never returns an
// error: a RowSet with malformed data was already rejected by the
// transformer, so there is nothing left for the merger itself to fail on.
func (w *Worker) Run(ctx *stopper.Context) error {
	for {
		var first *rowset.RowSet
		select {
		case <-ctx.Stopping():
			return nil
		case first = <-w.In:
		}
		if first == nil {
			return nil // In was closed.
		}

		window := []*rowset.RowSet{first}
	drain:
		for len(window) < MaxWindow {
			select {
			case rs := <-w.In:
				if rs == nil {
					break drain
				}
				window = append(window, rs)
			default:
				break drain
			}
		}

		task := Fold(w.Table, window)
		log.WithFields(log.Fields{
			"table":   w.Table,
			"rowsets": len(window),
			"delete":  len(task.Delete),
			"insert":  len(task.Insert),
		}).Debug("merged window into load task")

		select {
		case <-ctx.Stopping():
			return nil
		case w.Out <- task:
		}
	}
}
