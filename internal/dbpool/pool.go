// Package dbpool implements the bounded, non-blocking pool of target
// connections shared by every per-table ChangeLoader, plus the
// per-connection scratch state (the set of temp tables already created on
// that connection) that rides along with a borrowed connection.
package dbpool

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrNoConnection is returned when Borrow is called on an exhausted pool —
// every connection has either been dropped after a failed task or is
// currently on loan.
var ErrNoConnection = errors.New("dbpool: no connection available")

// hintStatements configure each new connection with the planner hints an
// append-optimized analytic target wants: favor nested-loop plans over the
// optimizer's default seq-scan/hash-join choices when resolving the
// DELETE ... WHERE EXISTS anti-join against a tiny temp table.
var hintStatements = []string{
	"SET enable_nestloop = on",
	"SET enable_seqscan = off",
	"SET enable_hashjoin = off",
}

// bestEffortStatements are applied after hintStatements but never fail the
// connection setup if the target doesn't recognize them (e.g. plain
// PostgreSQL doesn't have gp_autostats_mode).
var bestEffortStatements = []string{
	"SET gp_autostats_mode = none",
}

// Conn is a connection on loan from the Pool, carrying the set of temp
// tables already created on it. Loaders consult and update that cache
// through HasTempTable and MarkTempTable rather than tracking it themselves,
// since the cache is only
// ever touched by whichever goroutine currently holds the connection.
type Conn struct {
	*pgx.Conn
	tempTables map[string]bool
}

// HasTempTable reports whether the given table's scratch temp table has
// already been created on this connection.
func (c *Conn) HasTempTable(mappedTable string) bool {
	return c.tempTables[mappedTable]
}

// MarkTempTable records that the scratch temp table for mappedTable now
// exists on this connection.
func (c *Conn) MarkTempTable(mappedTable string) {
	c.tempTables[mappedTable] = true
}

// Pool is a bounded FIFO queue of target connections, configured once at
// startup. Borrow does not wait for a connection to come back: on an empty
// queue it returns ErrNoConnection at once. A failed task must Drop its connection rather than
// Release it: the pool shrinks by one and is not auto-refilled, so an
// operator can see capacity loss rather than have it silently masked.
type Pool struct {
	connStr string
	free    chan *Conn
}

// Open dials n connections to connStr, applies the planner hints, and
// returns a ready-to-use Pool.
func Open(ctx context.Context, connStr string, n int) (*Pool, error) {
	p := &Pool{connStr: connStr, free: make(chan *Conn, n)}
	for i := 0; i < n; i++ {
		c, err := p.dial(ctx)
		if err != nil {
			p.Close(ctx)
			return nil, errors.Wrapf(err, "opening connection %d/%d", i+1, n)
		}
		p.free <- c
	}
	return p, nil
}

func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	impl, err := pgx.Connect(ctx, p.connStr)
	if err != nil {
		return nil, err
	}
	for _, stmt := range hintStatements {
		if _, err := impl.Exec(ctx, stmt); err != nil {
			_ = impl.Close(ctx)
			return nil, errors.Wrapf(err, "applying hint %q", stmt)
		}
	}
	for _, stmt := range bestEffortStatements {
		if _, err := impl.Exec(ctx, stmt); err != nil {
			log.WithError(err).WithField("stmt", stmt).Debug("best-effort session setting not supported by target")
		}
	}
	return &Conn{Conn: impl, tempTables: make(map[string]bool)}, nil
}

// Borrow removes a connection from the free queue. Unlike a typical pool,
// it does not block waiting for one to free up: if the queue is empty —
// every connection is on loan, or has been permanently dropped — it fails
// fast with ErrNoConnection so the caller can surface the failure rather
// than stall the loader indefinitely.
func (p *Pool) Borrow() (*Conn, error) {
	select {
	case c, ok := <-p.free:
		if !ok {
			return nil, ErrNoConnection
		}
		return c, nil
	default:
		return nil, ErrNoConnection
	}
}

// Release returns a healthy connection to the free queue.
func (p *Pool) Release(c *Conn) {
	p.free <- c
}

// Drop closes a connection that failed mid-task and permanently shrinks the
// pool by one; it is never replaced automatically.
func (p *Pool) Drop(ctx context.Context, c *Conn) {
	if err := c.Close(ctx); err != nil {
		log.WithError(err).Warn("error closing dropped connection")
	}
}

// Close closes every connection currently sitting in the free queue. Any
// connection on loan at the time of the call is the caller's responsibility.
func (p *Pool) Close(ctx context.Context) {
	close(p.free)
	for c := range p.free {
		_ = c.Close(ctx)
	}
}
