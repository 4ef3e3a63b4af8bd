// Package load implements the per-table ChangeLoader: it pulls a ready
// LoadTask, borrows a connection, applies it to the target with the
// optimistic/pessimistic adaptive delete-then-insert protocol, commits, and
// fires the task's callbacks in order.
package load

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashdata/bireme/internal/dbpool"
	"github.com/hashdata/bireme/internal/rowset"
	"github.com/hashdata/bireme/internal/stopper"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Mode is the loader's adaptive strategy: try the insert alone, or delete
// every affected key before inserting.
type Mode int

const (
	// Optimistic is the default, steady-state mode: only explicitly
	// DELETEd or key-changed rows are removed before inserting.
	Optimistic Mode = iota
	// Pessimistic deletes every row the task would insert before
	// inserting, so a collision with an existing row never surfaces as a
	// duplicate-key error.
	Pessimistic
)

func (m Mode) String() string {
	if m == Pessimistic {
		return "pessimistic"
	}
	return "optimistic"
}

// slowDeleteThreshold is the wall-clock bound past which the loader
// captures an EXPLAIN of the delete statement for the warning log.
const slowDeleteThreshold = 10 * time.Second

// Loader applies LoadTasks for exactly one target table. It is not
// goroutine-safe: Run must be the only goroutine touching a given Loader.
type Loader struct {
	MappedTable string
	Table       *rowset.Table
	Pool        *dbpool.Pool
	In          <-chan *rowset.LoadTask

	mode Mode // single-writer; this goroutine only.

	metrics *Metrics
}

// NewLoader constructs a Loader for mappedTable, starting in Optimistic
// mode per the state machine's initial state.
func NewLoader(mappedTable string, table *rowset.Table, pool *dbpool.Pool, in <-chan *rowset.LoadTask, m *Metrics) *Loader {
	return &Loader{MappedTable: mappedTable, Table: table, Pool: pool, In: in, mode: Optimistic, metrics: m}
}

// Run services tasks until ctx stops or In is closed. It returns the first
// fatal error encountered — NoConnection, CopyIO, or CommitFailed — at
// which point the pipeline it belongs to must stop.
func (l *Loader) Run(ctx *stopper.Context) error {
	for {
		var task *rowset.LoadTask
		select {
		case <-ctx.Stopping():
			return nil
		case task = <-l.In:
		}
		if task == nil {
			return nil // In was closed.
		}

		if err := l.runOne(ctx, task); err != nil {
			return err
		}
	}
}

func (l *Loader) runOne(ctx *stopper.Context, task *rowset.LoadTask) error {
	conn, err := l.Pool.Borrow()
	if err != nil {
		return errors.Wrapf(dbpool.ErrNoConnection, "table %s", l.MappedTable)
	}

	err = l.apply(ctx, conn, task)
	if err != nil {
		log.WithError(err).WithField("table", l.MappedTable).Error("load task failed; dropping connection")
		l.Pool.Drop(context.Background(), conn)
		return err
	}
	l.Pool.Release(conn)
	return nil
}

// apply runs the apply protocol described in the loader's state machine,
// restarting once from the delete phase if an optimistic insert collides
// with an existing key.
func (l *Loader) apply(ctx *stopper.Context, conn *dbpool.Conn, task *rowset.LoadTask) error {
	const maxAttempts = 2 // steady-state try, then one pessimistic retry.
	pessimisticRetry := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		retry, err := l.attempt(ctx, conn, task, pessimisticRetry)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		pessimisticRetry = true
	}
	return errors.New("load: exhausted retry attempts after duplicate key")
}

// attempt executes one pass of the apply protocol. forcePessimisticDelete is
// set only on the restart after an optimistic duplicate-key failure: it
// forces the delete phase to union in the insert key set even though the
// loader's mode flip hasn't committed the failed transaction's rollback
// yet.
func (l *Loader) attempt(
	ctx *stopper.Context, conn *dbpool.Conn, task *rowset.LoadTask, forcePessimisticDelete bool,
) (retryAsPessimistic bool, err error) {
	if err := l.ensureTempTable(ctx, conn); err != nil {
		return false, errors.Wrap(err, "ensure temp table")
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return false, errors.Wrap(ErrCommitFailed, err.Error())
	}
	txFinished := false
	defer func() {
		if !txFinished {
			_ = tx.Rollback(context.Background())
		}
	}()

	pessimistic := l.mode == Pessimistic || forcePessimisticDelete
	deleteKeys := task.Delete
	if pessimistic {
		deleteKeys = unionKeys(task.Delete, task.Insert)
	}

	if len(deleteKeys) > 0 || (pessimistic && len(task.Insert) > 0) {
		affected, err := l.executeDelete(ctx, conn, deleteKeys)
		if err != nil {
			return false, errors.Wrap(ErrCopyIO, err.Error())
		}
		// Flip back to optimistic only on an exact match between the
		// affected-row count and the original delete-set size, not a
		// "<=" comparison: a no-op delete must not look like "no extra
		// collisions found" and flip the mode back prematurely.
		if l.mode == Pessimistic && !forcePessimisticDelete && affected == int64(len(task.Delete)) {
			l.mode = Optimistic
			log.WithField("table", l.MappedTable).Info("loader switching back to optimistic mode")
			if l.metrics != nil {
				l.metrics.modeFlips.WithLabelValues(l.MappedTable, Optimistic.String()).Inc()
			}
		}
	}

	if len(task.Insert) > 0 {
		if err := l.executeInsert(ctx, conn, task.Insert); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" && l.mode == Optimistic && !forcePessimisticDelete {
				_ = tx.Rollback(context.Background())
				txFinished = true
				l.mode = Pessimistic
				log.WithField("table", l.MappedTable).Info("loader switching to pessimistic mode after duplicate key")
				if l.metrics != nil {
					l.metrics.modeFlips.WithLabelValues(l.MappedTable, Pessimistic.String()).Inc()
				}
				return true, ErrDuplicateKey
			}
			return false, errors.Wrap(ErrCopyIO, err.Error())
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(ErrCommitFailed, err.Error())
	}
	txFinished = true

	task.FireCallbacks()
	return false, nil
}

func unionKeys(a map[string]struct{}, b map[string]string) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

func (l *Loader) ensureTempTable(ctx context.Context, conn *dbpool.Conn) error {
	if conn.HasTempTable(l.MappedTable) {
		return nil
	}
	name := tempTableName(l.MappedTable)
	sql := fmt.Sprintf(
		"CREATE TEMP TABLE %s ON COMMIT DELETE ROWS AS SELECT * FROM %s LIMIT 0;",
		name, l.MappedTable,
	)
	if _, err := conn.Exec(ctx, sql); err != nil {
		return err
	}
	conn.MarkTempTable(l.MappedTable)
	return nil
}

func tempTableName(mappedTable string) string {
	return strings.ReplaceAll(mappedTable, ".", "_")
}

func (l *Loader) executeDelete(ctx *stopper.Context, conn *dbpool.Conn, keys map[string]struct{}) (int64, error) {
	tmp := tempTableName(l.MappedTable)
	sql := copySQL(tmp, l.Table.KeyNames)

	start := time.Now()
	if _, err := streamCopy(ctx, ctx.Stopping(), conn, sql, linesFromSet(ctx.Stopping(), keys)); err != nil {
		if l.metrics != nil {
			l.metrics.copyForDelete.WithLabelValues(l.MappedTable).Observe(time.Since(start).Seconds())
		}
		return 0, err
	}
	if l.metrics != nil {
		l.metrics.copyForDelete.WithLabelValues(l.MappedTable).Observe(time.Since(start).Seconds())
	}

	deleteSQL := deleteExistsSQL(l.MappedTable, tmp, l.Table.KeyNames)
	deleteStart := time.Now()
	tag, err := conn.Exec(ctx, deleteSQL)
	elapsed := time.Since(deleteStart)
	if l.metrics != nil {
		l.metrics.deleteDuration.WithLabelValues(l.MappedTable).Observe(elapsed.Seconds())
	}
	if err != nil {
		return 0, err
	}

	if elapsed > slowDeleteThreshold {
		l.logSlowDeletePlan(ctx, conn, deleteSQL)
	}
	return tag.RowsAffected(), nil
}

func (l *Loader) executeInsert(ctx *stopper.Context, conn *dbpool.Conn, insert map[string]string) error {
	sql := copySQL(l.MappedTable, l.Table.ColumnName)
	start := time.Now()
	_, err := streamCopy(ctx, ctx.Stopping(), conn, sql, linesFromValues(ctx.Stopping(), insert))
	if l.metrics != nil {
		l.metrics.copyForInsert.WithLabelValues(l.MappedTable).Observe(time.Since(start).Seconds())
	}
	return err
}

// logSlowDeletePlan captures EXPLAIN DELETE ... for the warning log. It is
// diagnostic only: any failure here, including an empty result set, is
// logged and discarded rather than failing the task.
func (l *Loader) logSlowDeletePlan(ctx context.Context, conn *dbpool.Conn, deleteSQL string) {
	rows, err := conn.Query(ctx, "EXPLAIN "+deleteSQL)
	if err != nil {
		log.WithError(err).WithField("table", l.MappedTable).Warn("delete exceeded threshold; could not capture plan")
		return
	}
	defer rows.Close()

	var plan strings.Builder
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			continue
		}
		plan.WriteString(line)
		plan.WriteByte('\n')
	}
	if plan.Len() == 0 {
		log.WithField("table", l.MappedTable).Warn("delete exceeded threshold; plan unavailable")
		return
	}
	log.WithField("table", l.MappedTable).Warnf("delete exceeded %s:\n%s", slowDeleteThreshold, plan.String())
}
