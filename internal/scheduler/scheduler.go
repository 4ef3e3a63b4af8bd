// Package scheduler runs a fleet of pipeline.PipeLine instances under a
// bounded worker pool and watches them for stalls or failure.
package scheduler

import (
	"github.com/hashdata/bireme/internal/notify"
	"github.com/hashdata/bireme/internal/pipeline"
	"github.com/hashdata/bireme/internal/stopper"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Scheduler bounds how many PipeLines may be actively consuming at once. A
// deployment with more source tables or partitions than MaxConcurrent simply
// queues the rest until a slot frees up — a PipeLine only frees its slot by
// returning from Run, i.e. by stopping, so in steady state every configured
// PipeLine ends up running; the bound mostly protects startup, where dialing
// every Kafka connection and every target pool at once would thunder the
// herd.
type Scheduler struct {
	MaxConcurrent int

	// changed is incremented each time a PipeLine returns from Run. Nothing
	// waits on it; the Watchdog samples on its own ticker.
	changed *notify.Var[int]
}

// New builds a Scheduler with the given concurrency bound.
func New(maxConcurrent int) *Scheduler {
	return &Scheduler{MaxConcurrent: maxConcurrent, changed: notify.Of(0)}
}

// Run starts every PipeLine through an errgroup limited to MaxConcurrent
// concurrent members, and blocks until ctx stops or a PipeLine returns a
// fatal error, at which point every other PipeLine is stopped too.
func (s *Scheduler) Run(ctx *stopper.Context, pipelines []*pipeline.PipeLine) error {
	grp, gctx := errgroup.WithContext(ctx)
	if s.MaxConcurrent > 0 {
		grp.SetLimit(s.MaxConcurrent)
	}

	for _, p := range pipelines {
		p := p
		grp.Go(func() error {
			err := p.Run(gctx)
			s.changed.Update(func(n int) (int, error) { return n + 1, nil })
			if err != nil {
				log.WithError(err).WithField("pipeline", p.Name).Error("pipeline stopped with error")
				ctx.Stop(0)
			}
			return err
		})
	}

	return grp.Wait()
}
