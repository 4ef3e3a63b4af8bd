// Package merge folds a bounded window of per-table RowSets into one
// LoadTask, applying the standard delete-then-insert collapse rules.
package merge

import (
	"github.com/hashdata/bireme/internal/rowset"
)

// Fold applies the RowSets in arrival order — and the Rows within each
// RowSet in arrival order — to a fresh LoadTask for mappedTable, satisfying
// the three merge invariants:
//
//  1. Insert[k], if present, reflects the chronologically last non-delete
//     state of k in the window.
//  2. Delete contains k iff the last change to k in the window removed it:
//     a Delete of k, or an Update that moved k to a different key, with no
//     later insert or update of k.
//  3. Callbacks preserves arrival order; it is non-empty whenever at least
//     one of the RowSets carries a callback.
func Fold(mappedTable string, sets []*rowset.RowSet) *rowset.LoadTask {
	task := rowset.NewLoadTask(mappedTable)
	for _, set := range sets {
		for _, row := range set.Rows {
			applyRow(task, row)
		}
		if set.Callback != nil {
			task.Callbacks = append(task.Callbacks, set.Callback)
		}
	}
	return task
}

func applyRow(task *rowset.LoadTask, row rowset.Row) {
	switch {
	case row.Type == rowset.Delete:
		delete(task.Insert, row.Keys)
		task.Delete[row.Keys] = struct{}{}

	case row.KeyChanged():
		// An update that changes the primary key splits into delete-old
		// followed by insert-new, in that order.
		delete(task.Insert, row.OldKeys)
		task.Delete[row.OldKeys] = struct{}{}
		delete(task.Delete, row.Keys)
		task.Insert[row.Keys] = row.Tuple

	default: // Insert, or Update without a key change
		delete(task.Delete, row.Keys)
		task.Insert[row.Keys] = row.Tuple
	}
}
