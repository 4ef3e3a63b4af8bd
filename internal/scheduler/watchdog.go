package scheduler

import (
	"time"

	"github.com/hashdata/bireme/internal/pipeline"
	"github.com/hashdata/bireme/internal/stopper"
	log "github.com/sirupsen/logrus"
)

// Watchdog samples a set of PipeLines on a fixed tick and raises the shared
// stop context if any of them has gone Stopped with a non-nil error, or if
// any one of them has stayed in the same state for longer than StallTimeout — the latter
// catches a pipeline wedged inside a single Loader.Run call rather than
// one that has cleanly reported failure.
type Watchdog struct {
	Interval     time.Duration
	StallTimeout time.Duration
}

// NewWatchdog builds a Watchdog with the given sampling interval and stall
// timeout. A zero StallTimeout disables the stall check.
func NewWatchdog(interval, stallTimeout time.Duration) *Watchdog {
	return &Watchdog{Interval: interval, StallTimeout: stallTimeout}
}

// Run samples pipelines every Interval until ctx stops. It never returns an
// error itself — a detected failure is surfaced by calling ctx.Stop, not by
// returning, since the watchdog's job is to react, not to be the source of
// the failure errgroup.Wait reports.
func (w *Watchdog) Run(ctx *stopper.Context, pipelines []*pipeline.PipeLine) error {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	lastState := make(map[string]pipeline.State, len(pipelines))
	lastChange := make(map[string]time.Time, len(pipelines))
	now := time.Now()
	for _, p := range pipelines {
		lastState[p.Name] = p.State()
		lastChange[p.Name] = now
	}

	for {
		select {
		case <-ctx.Stopping():
			return nil
		case t := <-ticker.C:
			for _, p := range pipelines {
				state := p.State()
				if state == pipeline.Stopped && p.Err() != nil {
					log.WithError(p.Err()).WithField("pipeline", p.Name).Error("watchdog: pipeline failed; stopping")
					ctx.Stop(0)
					return nil
				}
				if state != lastState[p.Name] {
					lastState[p.Name] = state
					lastChange[p.Name] = t
					continue
				}
				if w.StallTimeout > 0 && t.Sub(lastChange[p.Name]) > w.StallTimeout {
					log.WithField("pipeline", p.Name).
						WithField("stuck_in", state).
						Errorf("watchdog: no progress for %s; stopping", w.StallTimeout)
					ctx.Stop(0)
					return nil
				}
			}
		}
	}
}
