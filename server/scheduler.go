// Copyright 2025 Quarry
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quarry/platform/shared/logger"
)

// SchedulerState tracks the refresh scheduler lifecycle.
type SchedulerState int

const (
	SchedulerIdle SchedulerState = iota
	SchedulerRunning
	SchedulerCancelling
	SchedulerCancelled
)

func (s SchedulerState) String() string {
	switch s {
	case SchedulerIdle:
		return "idle"
	case SchedulerRunning:
		return "running"
	case SchedulerCancelling:
		return "cancelling"
	case SchedulerCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// RefreshTask is one background refresh cycle. Its context is cancelled when
// the scheduler is cancelled non-gracefully.
type RefreshTask func(ctx context.Context) error

// RefreshScheduler runs a task on a fixed period with overlap protection.
// When the previous run is still in flight at the next tick, no second run
// starts; the tick is skipped and diagnosed with an incrementing interval
// id. When the overrunning cycle finally completes, a single follow-up
// diagnostic reports how long it took, closing the episode.
//
// The lifecycle is one-way: idle, running, then cancelled, with a
// cancelling stage in between when Cancel waits for an in-flight run. A
// cancelled scheduler cannot be restarted.
type RefreshScheduler struct {
	period    time.Duration
	threshold time.Duration
	task      RefreshTask
	events    logger.EventLogger

	mu           sync.Mutex
	state        SchedulerState
	intervalID   int64
	runsStarted  int64
	lastRunStart time.Time
	lastRunTook  time.Duration
	inFlight     bool
	overlapped   bool
	runDone      chan struct{}
	cancelRun    context.CancelFunc

	stop     chan struct{}
	loopDone chan struct{}
}

// SchedulerStats is a point-in-time view for health and metrics reporting.
type SchedulerStats struct {
	State        string    `json:"state"`
	RunsStarted  int64     `json:"runs_started"`
	TicksSkipped int64     `json:"ticks_skipped"`
	LastRunStart time.Time `json:"last_run_start"`
	LastRunMs    float64   `json:"last_run_ms"`
}

// NewRefreshScheduler creates a scheduler in the idle state. The threshold
// bounds how long an overrunning cycle may take before the resolution
// diagnostic flags it; zero defaults it to the period.
func NewRefreshScheduler(period, threshold time.Duration, task RefreshTask, events logger.EventLogger) *RefreshScheduler {
	if threshold <= 0 {
		threshold = period
	}
	return &RefreshScheduler{
		period:    period,
		threshold: threshold,
		task:      task,
		events:    events,
		stop:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
}

// Start begins periodic scheduling; the first run fires one full period
// after Start. Starting twice or starting after Cancel is an error.
func (s *RefreshScheduler) Start() error {
	if s.period <= 0 {
		return fmt.Errorf("refresh period must be positive, got %s", s.period)
	}
	if s.task == nil {
		return fmt.Errorf("refresh task is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case SchedulerRunning, SchedulerCancelling:
		return fmt.Errorf("refresh scheduler already started")
	case SchedulerCancelled:
		return fmt.Errorf("refresh scheduler already cancelled")
	}
	s.state = SchedulerRunning
	go s.loop()
	return nil
}

func (s *RefreshScheduler) loop() {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stop:
			return
		}
	}
}

// tick starts a run when none is in flight, otherwise diagnoses the overlap
// and leaves the running one alone. Runs execute in their own goroutine so
// the ticker loop observes every overlapping tick.
func (s *RefreshScheduler) tick() {
	s.mu.Lock()
	if s.state != SchedulerRunning {
		s.mu.Unlock()
		return
	}

	if s.inFlight {
		s.intervalID++
		id := s.intervalID
		s.overlapped = true
		s.mu.Unlock()

		promRefreshSkips.Inc()
		if s.events != nil {
			s.events.Event("Refresh Scheduler Interval Error", map[string]interface{}{
				"error": fmt.Sprintf("Previous interval #%d was not finished with %s interval", id, s.period),
			})
		}
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.inFlight = true
	s.overlapped = false
	s.runsStarted++
	s.lastRunStart = time.Now()
	s.runDone = done
	s.cancelRun = cancel
	s.mu.Unlock()

	go s.execute(runCtx, cancel, done)
}

// execute runs the task once and closes out the overlap episode if one was
// opened while it ran.
func (s *RefreshScheduler) execute(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()

	start := time.Now()
	err := s.task(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	s.inFlight = false
	s.lastRunTook = elapsed
	overlapped := s.overlapped
	s.overlapped = false
	id := s.intervalID
	s.mu.Unlock()

	status := "success"
	if err != nil {
		status = "error"
	}
	promRefreshRuns.WithLabelValues(status).Inc()
	promRefreshDuration.Observe(float64(elapsed) / float64(time.Millisecond))

	if err != nil && ctx.Err() == nil && s.events != nil {
		s.events.Event("Refresh Scheduler Error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if overlapped && elapsed > s.threshold && s.events != nil {
		s.events.Event("Refresh Scheduler Long Execution", map[string]interface{}{
			"warning": fmt.Sprintf("Interval #%d finished after %s", id, elapsed),
		})
	}
}

// Cancel stops scheduling new runs and moves the scheduler to cancelled.
// With graceful=false any in-flight run has its context cancelled and Cancel
// returns without waiting for it. With graceful=true the in-flight run keeps
// its context and Cancel blocks until it completes. Cancel is idempotent and
// safe from any state; cancelling an idle scheduler just marks it cancelled.
func (s *RefreshScheduler) Cancel(graceful bool) {
	s.mu.Lock()
	switch s.state {
	case SchedulerCancelled:
		s.mu.Unlock()
		return

	case SchedulerCancelling:
		// A graceful cancel is already draining. Join the wait when asked
		// to, otherwise force the in-flight run down and return.
		done := s.runDone
		cancel := s.cancelRun
		s.mu.Unlock()
		if !graceful {
			if cancel != nil {
				cancel()
			}
			return
		}
		if done != nil {
			<-done
		}
		return

	case SchedulerIdle:
		s.state = SchedulerCancelled
		close(s.stop)
		s.mu.Unlock()
		return
	}

	// state == SchedulerRunning
	close(s.stop)
	inFlight := s.inFlight
	done := s.runDone
	cancel := s.cancelRun

	if !graceful {
		s.state = SchedulerCancelled
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}

	if !inFlight {
		s.state = SchedulerCancelled
		s.mu.Unlock()
		return
	}

	s.state = SchedulerCancelling
	s.mu.Unlock()

	<-done

	s.mu.Lock()
	s.state = SchedulerCancelled
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *RefreshScheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the scheduler counters.
func (s *RefreshScheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStats{
		State:        s.state.String(),
		RunsStarted:  s.runsStarted,
		TicksSkipped: s.intervalID,
		LastRunStart: s.lastRunStart,
		LastRunMs:    float64(s.lastRunTook) / float64(time.Millisecond),
	}
}
