package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler owns every periodic task in the process so shutdown cancels them
// in one place. Tasks run in their own goroutine and never overlap with
// themselves; a task still running at the next tick delays that tick.
type Scheduler struct {
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mtx     sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewScheduler(logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger.With().Str("module", "scheduler").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every runs task at the given cadence until Stop. The first run happens one
// interval after registration.
func (s *Scheduler) Every(interval time.Duration, name string, task func(context.Context)) {
	if !s.register() {
		return
	}

	s.logger.Debug().Str("task", name).Dur("interval", interval).Msg("scheduling periodic task")

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				task(s.ctx)
			}
		}
	}()
}

// After runs task once after the delay unless the scheduler stops first.
func (s *Scheduler) After(delay time.Duration, name string, task func(context.Context)) {
	if !s.register() {
		return
	}

	s.logger.Debug().Str("task", name).Dur("delay", delay).Msg("scheduling deferred task")

	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-s.ctx.Done():
		case <-timer.C:
			task(s.ctx)
		}
	}()
}

// Stop cancels every task and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mtx.Lock()
	s.stopped = true
	s.mtx.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) register() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}
