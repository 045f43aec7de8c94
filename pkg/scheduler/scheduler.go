package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CycleFunc runs one unit of work.
type CycleFunc func(ctx context.Context) error

// Scheduler is a background service that runs a cycle immediately and then
// again each time the interval has elapsed after the previous one finished.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Scheduler = (*scheduler)(nil)

type scheduler struct {
	log      logrus.FieldLogger
	cycle    CycleFunc
	interval time.Duration
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Scheduler.
func New(log logrus.FieldLogger, interval time.Duration, cycle CycleFunc) Scheduler {
	return &scheduler{
		log:      log.WithField("component", "scheduler"),
		cycle:    cycle,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the background loop. A cycle error is logged and the loop
// carries on; the next cycle is the retry.
func (s *scheduler) Start(ctx context.Context) error {
	s.log.WithField("interval", s.interval.String()).Info("Starting scheduler")

	ctx, cancel := context.WithCancel(ctx)

	s.wg.Add(2)

	// Cancel an in-flight cycle on Stop.
	go func() {
		defer s.wg.Done()

		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	go func() {
		defer s.wg.Done()
		defer cancel()

		for {
			s.runCycle(ctx)

			timer := time.NewTimer(s.interval)

			select {
			case <-timer.C:
			case <-s.done:
				timer.Stop()

				return
			case <-ctx.Done():
				timer.Stop()

				return
			}
		}
	}()

	return nil
}

// Stop signals the loop to stop and waits for the current cycle to end.
func (s *scheduler) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()

	s.log.Info("Scheduler stopped")

	return nil
}

func (s *scheduler) runCycle(ctx context.Context) {
	start := time.Now()

	if err := s.cycle(ctx); err != nil {
		s.log.WithError(err).
			WithField("duration", time.Since(start).Round(time.Millisecond)).
			Error("Cycle failed, retrying after the interval")

		return
	}

	s.log.WithFields(logrus.Fields{
		"duration": time.Since(start).Round(time.Millisecond),
		"next_in":  s.interval.String(),
	}).Debug("Cycle completed")
}
