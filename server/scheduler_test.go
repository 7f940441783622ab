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
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSchedulerStartValidation(t *testing.T) {
	task := func(ctx context.Context) error { return nil }

	s := NewRefreshScheduler(0, 0, task, nil)
	if err := s.Start(); err == nil || !strings.Contains(err.Error(), "period") {
		t.Errorf("Start with zero period = %v, want period error", err)
	}

	s = NewRefreshScheduler(time.Second, 0, nil, nil)
	if err := s.Start(); err == nil || !strings.Contains(err.Error(), "task") {
		t.Errorf("Start with nil task = %v, want task error", err)
	}
}

func TestSchedulerStartTwice(t *testing.T) {
	task := func(ctx context.Context) error { return nil }
	s := NewRefreshScheduler(time.Hour, 0, task, nil)

	if err := s.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := s.Start(); err == nil || !strings.Contains(err.Error(), "already started") {
		t.Errorf("second Start = %v, want already-started error", err)
	}

	s.Cancel(false)
	if err := s.Start(); err == nil || !strings.Contains(err.Error(), "already cancelled") {
		t.Errorf("Start after Cancel = %v, want already-cancelled error", err)
	}
}

func TestSchedulerRunsPeriodically(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	task := func(ctx context.Context) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	}

	s := NewRefreshScheduler(20*time.Millisecond, 0, task, &eventRecorder{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 3
	}, "scheduler never reached 3 runs")

	s.Cancel(true)

	if got := s.State(); got != SchedulerCancelled {
		t.Errorf("state after Cancel = %s, want cancelled", got)
	}
	stats := s.Stats()
	if stats.RunsStarted < 3 {
		t.Errorf("RunsStarted = %d, want >= 3", stats.RunsStarted)
	}
	if stats.LastRunStart.IsZero() {
		t.Error("LastRunStart never recorded")
	}
}

func TestSchedulerSkipsOverlappingTicks(t *testing.T) {
	rec := &eventRecorder{}
	gate := make(chan struct{})

	var mu sync.Mutex
	calls := 0
	task := func(ctx context.Context) error {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			<-gate
		}
		return nil
	}

	s := NewRefreshScheduler(25*time.Millisecond, 0, task, rec)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The first run blocks, so the following ticks must be skipped and
	// diagnosed instead of starting concurrent runs.
	waitFor(t, 2*time.Second, func() bool {
		return rec.count("Refresh Scheduler Interval Error") >= 2
	}, "overlapping ticks were not diagnosed")

	if got := s.Stats().RunsStarted; got != 1 {
		t.Errorf("RunsStarted while blocked = %d, want 1", got)
	}

	close(gate)
	waitFor(t, 2*time.Second, func() bool {
		return s.Stats().RunsStarted >= 2
	}, "scheduler did not resume after the blocked run completed")
	s.Cancel(true)

	skips := rec.named("Refresh Scheduler Interval Error")
	want := "Previous interval #1 was not finished with 25ms interval"
	if got, _ := skips[0].params["error"].(string); got != want {
		t.Errorf("first skip diagnostic = %q, want %q", got, want)
	}
	if got, _ := skips[1].params["error"].(string); !strings.Contains(got, "#2") {
		t.Errorf("second skip diagnostic = %q, want interval #2", got)
	}

	if got := s.Stats().TicksSkipped; got < 2 {
		t.Errorf("TicksSkipped = %d, want >= 2", got)
	}
}

func TestSchedulerLongExecutionClosesEpisode(t *testing.T) {
	rec := &eventRecorder{}
	gate := make(chan struct{})

	var mu sync.Mutex
	calls := 0
	task := func(ctx context.Context) error {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			<-gate
		}
		return nil
	}

	s := NewRefreshScheduler(25*time.Millisecond, 0, task, rec)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return rec.count("Refresh Scheduler Interval Error") >= 1
	}, "blocked run never produced a skip")

	// Completing now means the run took at least one full period, which is
	// over the default threshold.
	close(gate)
	waitFor(t, 2*time.Second, func() bool {
		return rec.count("Refresh Scheduler Long Execution") == 1
	}, "overrunning cycle did not report its duration")

	// Subsequent on-time runs must not reopen the episode.
	waitFor(t, 2*time.Second, func() bool {
		return s.Stats().RunsStarted >= 3
	}, "scheduler did not continue after the episode")
	s.Cancel(true)

	if got := rec.count("Refresh Scheduler Long Execution"); got != 1 {
		t.Errorf("long execution events = %d, want exactly 1 per episode", got)
	}
	warning, _ := rec.named("Refresh Scheduler Long Execution")[0].params["warning"].(string)
	if !strings.HasPrefix(warning, "Interval #") || !strings.Contains(warning, "finished after") {
		t.Errorf("long execution warning = %q, want interval and duration", warning)
	}
}

func TestSchedulerErrorDiagnostic(t *testing.T) {
	rec := &eventRecorder{}

	var mu sync.Mutex
	calls := 0
	task := func(ctx context.Context) error {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			return errors.New("refresh exploded")
		}
		return nil
	}

	s := NewRefreshScheduler(20*time.Millisecond, 0, task, rec)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return rec.count("Refresh Scheduler Error") >= 1
	}, "failed run was not diagnosed")
	s.Cancel(true)

	events := rec.named("Refresh Scheduler Error")
	if got, _ := events[0].params["error"].(string); got != "refresh exploded" {
		t.Errorf("error diagnostic = %q, want the task error", got)
	}
}

func TestSchedulerCancelImmediate(t *testing.T) {
	rec := &eventRecorder{}
	started := make(chan struct{})
	sawCancel := make(chan struct{})

	task := func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(sawCancel)
		return ctx.Err()
	}

	s := NewRefreshScheduler(20*time.Millisecond, 0, task, rec)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	s.Cancel(false)
	if got := s.State(); got != SchedulerCancelled {
		t.Errorf("state right after Cancel(false) = %s, want cancelled", got)
	}

	select {
	case <-sawCancel:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight run's context was never cancelled")
	}

	// The run failed with its own cancellation; that is not a task error.
	time.Sleep(50 * time.Millisecond)
	if got := rec.count("Refresh Scheduler Error"); got != 0 {
		t.Errorf("cancellation produced %d error diagnostics, want 0", got)
	}
}

func TestSchedulerCancelGracefulWaits(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	taskDone := make(chan struct{})

	task := func(ctx context.Context) error {
		close(started)
		<-gate
		close(taskDone)
		return nil
	}

	s := NewRefreshScheduler(20*time.Millisecond, 0, task, &eventRecorder{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	cancelRet := make(chan struct{})
	go func() {
		s.Cancel(true)
		close(cancelRet)
	}()

	waitFor(t, 2*time.Second, func() bool {
		return s.State() == SchedulerCancelling
	}, "graceful cancel never entered the cancelling state")

	select {
	case <-cancelRet:
		t.Fatal("Cancel(true) returned while the run was still in flight")
	default:
	}

	close(gate)
	select {
	case <-cancelRet:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel(true) did not return after the run completed")
	}

	select {
	case <-taskDone:
	default:
		t.Fatal("run had not completed when Cancel(true) returned")
	}
	if got := s.State(); got != SchedulerCancelled {
		t.Errorf("state = %s, want cancelled", got)
	}
}

func TestSchedulerForceCancelDuringGracefulWait(t *testing.T) {
	started := make(chan struct{})
	sawCancel := make(chan struct{})

	task := func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(sawCancel)
		return ctx.Err()
	}

	s := NewRefreshScheduler(20*time.Millisecond, 0, task, &eventRecorder{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	go s.Cancel(true)
	waitFor(t, 2*time.Second, func() bool {
		return s.State() == SchedulerCancelling
	}, "graceful cancel never entered the cancelling state")

	// A second, non-graceful cancel forces the in-flight run down.
	s.Cancel(false)

	select {
	case <-sawCancel:
	case <-time.After(2 * time.Second):
		t.Fatal("force cancel did not cancel the in-flight run")
	}
	waitFor(t, 2*time.Second, func() bool {
		return s.State() == SchedulerCancelled
	}, "scheduler never reached cancelled")
}

func TestSchedulerCancelIdle(t *testing.T) {
	task := func(ctx context.Context) error { return nil }
	s := NewRefreshScheduler(time.Hour, 0, task, nil)

	s.Cancel(false)
	if got := s.State(); got != SchedulerCancelled {
		t.Errorf("state = %s, want cancelled", got)
	}

	// Idempotent from here on.
	s.Cancel(true)
	s.Cancel(false)
	if got := s.State(); got != SchedulerCancelled {
		t.Errorf("state after repeat cancels = %s, want cancelled", got)
	}
}

func TestSchedulerStatsIdle(t *testing.T) {
	task := func(ctx context.Context) error { return nil }
	s := NewRefreshScheduler(time.Minute, 0, task, nil)

	stats := s.Stats()
	if stats.State != "idle" {
		t.Errorf("State = %q, want idle", stats.State)
	}
	if stats.RunsStarted != 0 || stats.TicksSkipped != 0 {
		t.Errorf("fresh scheduler has counters: %+v", stats)
	}
}
