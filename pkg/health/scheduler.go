package health

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// defaultInterval is used when a HealthCheckConfig does not set Interval.
const defaultInterval = 30 * time.Second

// Scheduler runs every probe registered on a VMMonitor on its own
// recurring timer, in parallel, until its context is cancelled. Probes
// never block each other: a slow disk probe does not delay an http probe
// on the same VM.
type Scheduler struct {
	monitor *VMMonitor
}

// NewScheduler constructs a Scheduler over monitor.
func NewScheduler(monitor *VMMonitor) *Scheduler {
	return &Scheduler{monitor: monitor}
}

// Run blocks until ctx is cancelled, evaluating every configured probe on
// its own interval. Cancellation is cooperative: a probe's own timeout
// context is derived from ctx, so shutdown completes within roughly
// max(timeout, 2s) of cancellation per probe, matching the requirement
// that no probe run in the background past a requested stop.
func (s *Scheduler) Run(ctx context.Context) error {
	grp, gctx := errgroup.WithContext(ctx)

	for _, ps := range s.monitor.probes {
		ps := ps
		grp.Go(func() error {
			interval := ps.cfg.Interval
			if interval <= 0 {
				interval = defaultInterval
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			s.monitor.evaluate(gctx, ps)
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					s.monitor.evaluate(gctx, ps)
				}
			}
		})
	}

	return grp.Wait()
}
