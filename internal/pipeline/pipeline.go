// Package pipeline implements the PipeLine component: it owns one upstream
// consumer, one Transformer, one Dispatcher, and a Merger/Loader pair per
// destination table active on it.
package pipeline

import (
	"context"
	"time"

	"github.com/hashdata/bireme/internal/dbpool"
	"github.com/hashdata/bireme/internal/dispatch"
	"github.com/hashdata/bireme/internal/load"
	"github.com/hashdata/bireme/internal/merge"
	"github.com/hashdata/bireme/internal/metrics"
	"github.com/hashdata/bireme/internal/rowset"
	"github.com/hashdata/bireme/internal/stopper"
	"github.com/hashdata/bireme/internal/transform"
	log "github.com/sirupsen/logrus"
)

// State is one of the PipeLine's three externally observable states.
type State int

const (
	// Normal is steady-state processing.
	Normal State = iota
	// Degraded indicates a transient upstream error; the pipeline is
	// retrying on its own.
	Degraded
	// Stopped is terminal, either from a clean shutdown or an
	// unrecoverable failure — check Err() to distinguish the two.
	Stopped
)

func (s State) String() string {
	switch s {
	case Normal:
		return "NORMAL"
	case Degraded:
		return "DEGRADED"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Record is one raw upstream record as delivered by a Source.
type Record struct {
	Topic   string
	Payload []byte
}

// Source abstracts the upstream consumer: either of the two Kafka dialects
// described by internal/source/kafka. Poll should honor ctx and return
// promptly — the spec calls for a roughly 1-second poll timeout — and
// Advance is called once every table touched by the batch identified by seq
// has committed, in arrival order across batches.
type Source interface {
	Poll(ctx context.Context) ([]Record, error)
	Advance(seq uint64)
	Close()
}

// TableSet is everything the pipeline needs to know about one destination
// table: its mapped name and its discovered metadata. The connection pool
// is shared by the whole PipeLine.
type TableSet struct {
	MappedTable string
	Table       *rowset.Table
}

// PipeLine wires together a Source, a Transformer, a Dispatcher, and one
// Merger/Loader pair per table in tables.
type PipeLine struct {
	Name        string
	Source      Source
	Transformer transform.Transformer
	Pool        *dbpool.Pool
	Tables      []TableSet
	// RowSetThreshold bounds how many rows accumulate in one RowSet
	// before the dispatcher closes it early, even mid-batch.
	RowSetThreshold int
	LoadMetrics     *load.Metrics
	Stats           *metrics.Stats

	stateMu  chan struct{} // buffered(1) mutex-by-channel, avoids pulling in sync for one field
	stateVal struct {
		state State
		err   error
	}

	rowSetQueues   map[string]chan *rowset.RowSet
	loadTaskQueues map[string]chan *rowset.LoadTask
	dispatcher     *dispatch.Dispatcher
	mergers        []*merge.Worker
	loaders        []*load.Loader
}

// New builds a PipeLine ready to Run. Every table gets a RowSet queue of 64
// entries and a LoadTask queue of 4, whatever RowSetThreshold is; once a
// table's RowSet queue is full, dispatch blocks for every table.
func New(
	name string,
	source Source,
	transformer transform.Transformer,
	pool *dbpool.Pool,
	tables []TableSet,
	rowSetThreshold int,
	loadMetrics *load.Metrics,
	stats *metrics.Stats,
) *PipeLine {
	p := &PipeLine{
		Name:            name,
		Source:          source,
		Transformer:     transformer,
		Pool:            pool,
		Tables:          tables,
		RowSetThreshold: rowSetThreshold,
		LoadMetrics:     loadMetrics,
		Stats:           stats,
		rowSetQueues:    make(map[string]chan *rowset.RowSet),
		loadTaskQueues:  make(map[string]chan *rowset.LoadTask),
	}

	tracker := rowset.NewTracker(func(seq uint64) { p.Source.Advance(seq) })
	p.dispatcher = &dispatch.Dispatcher{
		Threshold: rowSetThreshold,
		Tracker:   tracker,
		Queue:     func(table string) chan<- *rowset.RowSet { return p.rowSetQueues[table] },
	}

	for _, ts := range tables {
		rsQueue := make(chan *rowset.RowSet, 64)
		ltQueue := make(chan *rowset.LoadTask, 4)
		p.rowSetQueues[ts.MappedTable] = rsQueue
		p.loadTaskQueues[ts.MappedTable] = ltQueue

		p.mergers = append(p.mergers, &merge.Worker{Table: ts.MappedTable, In: rsQueue, Out: ltQueue})
		p.loaders = append(p.loaders, load.NewLoader(ts.MappedTable, ts.Table, pool, ltQueue, loadMetrics))
	}

	return p
}

// Run starts every merger and loader plus the consume loop, all tracked by
// a stopper.Context derived from parent, and blocks until the pipeline
// stops. It returns the first fatal error reported by any stage, or nil on
// a clean shutdown.
func (p *PipeLine) Run(parent context.Context) error {
	ctx := stopper.WithContext(parent)
	p.setState(Normal, nil)

	for _, m := range p.mergers {
		m := m
		ctx.Go(func() error { return m.Run(ctx) })
	}
	for _, l := range p.loaders {
		l := l
		ctx.Go(func() error { return l.Run(ctx) })
	}
	ctx.Go(func() error { return p.consumeLoop(ctx) })

	err := ctx.Wait()
	p.setState(Stopped, err)
	p.Source.Close()
	return err
}

// consumeLoop polls the source, transforms each record, and hands the
// resulting batch of Rows to the dispatcher.
func (p *PipeLine) consumeLoop(ctx *stopper.Context) error {
	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Stopping():
			return nil
		default:
		}

		records, err := p.Source.Poll(ctx)
		if err != nil {
			consecutiveErrors++
			p.setState(Degraded, err)
			log.WithError(err).WithField("pipeline", p.Name).Warn("upstream poll failed; retrying")
			select {
			case <-ctx.Stopping():
				return nil
			case <-time.After(backoffFor(consecutiveErrors)):
			}
			continue
		}
		consecutiveErrors = 0
		if p.State() == Degraded {
			p.setState(Normal, nil)
		}
		if len(records) == 0 {
			continue
		}

		rows := make([]rowset.Row, 0, len(records))
		skipped := 0
		for _, rec := range records {
			var row rowset.Row
			ok, err := p.Transformer.Transform(ctx, rec.Topic, rec.Payload, &row)
			if err != nil {
				log.WithError(err).WithField("pipeline", p.Name).Warn("skipping malformed record")
				skipped++
				continue
			}
			if !ok {
				skipped++
				continue
			}
			rows = append(rows, row)
		}
		if p.Stats != nil {
			p.Stats.Transformed.WithLabelValues(p.Name).Add(float64(len(rows)))
			p.Stats.Skipped.WithLabelValues(p.Name).Add(float64(skipped))
			for table, n := range countByTable(rows) {
				p.Stats.Dispatched.WithLabelValues(p.Name, table).Add(float64(n))
			}
		}

		p.dispatcher.DispatchBatch(ctx.Stopping(), rows)
	}
}

func countByTable(rows []rowset.Row) map[string]int {
	counts := make(map[string]int, 4)
	for _, r := range rows {
		counts[r.MappedTable]++
	}
	return counts
}

func backoffFor(consecutiveErrors int) time.Duration {
	d := time.Duration(consecutiveErrors) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (p *PipeLine) setState(s State, err error) {
	select {
	case p.stateMu <- struct{}{}:
		p.stateVal.state, p.stateVal.err = s, err
		<-p.stateMu
	default:
		// Lazily initialize on first use; see State()/init below.
		p.initStateMu()
		p.setState(s, err)
	}
}

func (p *PipeLine) initStateMu() {
	if p.stateMu == nil {
		p.stateMu = make(chan struct{}, 1)
	}
}

// State reports the pipeline's last known state.
func (p *PipeLine) State() State {
	p.initStateMu()
	p.stateMu <- struct{}{}
	s := p.stateVal.state
	<-p.stateMu
	return s
}

// Err reports the error that caused a Stopped state, if any.
func (p *PipeLine) Err() error {
	p.initStateMu()
	p.stateMu <- struct{}{}
	err := p.stateVal.err
	<-p.stateMu
	return err
}
