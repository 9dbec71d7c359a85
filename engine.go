// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package horust

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// terminalPollInterval bounds how quickly the engine notices that every
// handle has gone terminal when no further bus traffic would otherwise
// wake anything.
const terminalPollInterval = 50 * time.Millisecond

// Engine wires every component (A-H) over one Bus and one Repository,
// and drives the supervisor's run-to-completion lifecycle and exit-code
// computation (spec.md §6). Grounded on the teacher's Manager, which
// plays the same "own every Service, run its loop, answer queries"
// role, generalized here into eight narrowly-scoped components
// instead of one God object.
type Engine struct {
	Bus          *Bus
	Repository   *Repository
	Runner       *ProcessRunner
	Reaper       *Reaper
	Health       *HealthCoordinator
	Scheduler    *Scheduler
	StateMachine *StateMachine
	Shutdown     *ShutdownCoordinator

	mu       sync.Mutex
	panicked bool
	log      *zap.Logger
}

// NewEngine validates specs, builds a Repository of handles for them,
// and wires every component against a shared Bus. limits may be nil.
// log is threaded into every component that generates a SpawnError,
// ProbeError, or SignalDeliveryError (spec.md §7), so those failures are
// logged rather than silently discarded; it may be nil, in which case a
// no-op logger is used.
func NewEngine(specs []*ServiceSpec, limits LimitApplier, log *zap.Logger) (*Engine, error) {
	if err := ValidateSet(specs); err != nil {
		return nil, err
	}
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	if log == nil {
		log = zap.NewNop()
	}

	bus := NewBus()
	repo := NewRepository(bus)
	for _, s := range specs {
		if _, err := repo.Add(s); err != nil {
			return nil, err
		}
	}

	runner := NewProcessRunner(repo, bus, limits, log)
	reaper := NewReaper(repo, bus, os.Getpid() == 1)
	health := NewHealthCoordinator(repo, bus, log)
	scheduler := NewScheduler(repo, bus)
	sm := NewStateMachine(repo, bus, runner, log)
	shutdownCoord := NewShutdownCoordinator(repo, bus, runner, log)

	return &Engine{
		Bus:          bus,
		Repository:   repo,
		Runner:       runner,
		Reaper:       reaper,
		Health:       health,
		Scheduler:    scheduler,
		StateMachine: sm,
		Shutdown:     shutdownCoord,
		log:          log,
	}, nil
}

// InitiateShutdown publishes an engine-wide ShutdownInitiated, for an
// embedder that wants to stop the engine outside the Reaper's own signal
// handling. (The control channel's "change stop" publishes its own
// service-scoped ShutdownInitiated instead.)
func (e *Engine) InitiateShutdown(reason ShutdownReason) {
	e.Bus.Publish(ShutdownInitiated(reason, ""))
}

// exitPanicInWorker is spec.md §7's PanicInWorker result: "any worker
// thread panic triggers engine-wide ShutdownInitiated(InternalError) and
// exit code ≠ 0". Distinct from the AnyFailed band (1) so an operator
// can tell "a service failed" from "the engine itself broke" in a
// wait(2) status.
const exitPanicInWorker = 2

// Run starts every component's subscriber loop, blocks until every
// handle reaches a terminal state (or ctx is cancelled), runs the PID-1
// final sweep, and returns spec.md §6's exit code: 0 on an all-success
// run, 1 if any handle ended FinishedFailed, exitPanicInWorker if a
// worker goroutine panicked (spec.md §7, PanicInWorker).
func (e *Engine) Run(ctx context.Context) int {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	subscribe := func(run func(ctx context.Context, events <-chan Event)) {
		ch := e.Bus.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer e.recoverWorker()
			run(runCtx, ch)
		}()
	}

	subscribe(e.StateMachine.Run)
	subscribe(e.Runner.Run)
	subscribe(e.Scheduler.Run)
	subscribe(e.Shutdown.Run)

	wg.Add(2)
	go func() { defer wg.Done(); defer e.recoverWorker(); e.Reaper.Run(runCtx) }()
	go func() { defer wg.Done(); defer e.recoverWorker(); e.Health.Run(runCtx) }()

	e.waitUntilTerminal(runCtx)
	cancel()
	wg.Wait()

	e.Reaper.FinalSweep()

	if e.didPanic() {
		return exitPanicInWorker
	}
	if e.Repository.AnyFailed() {
		return 1
	}
	return 0
}

// recoverWorker is deferred around every component goroutine. A panic
// there is spec.md §7's PanicInWorker (ErrBusSaturation is not caught
// here: bus.go's dispatch recovers that itself, and waitUntilTerminal
// watches Bus.Saturated). It is not allowed to crash the
// whole process, so it is recovered here, latched, and turned into an
// engine-wide ShutdownInitiated(InternalError) so every other component
// still winds down in order instead of being left running headless.
func (e *Engine) recoverWorker() {
	if r := recover(); r != nil {
		e.log.Error("worker panic recovered", zap.Any("panic", r))
		e.mu.Lock()
		e.panicked = true
		e.mu.Unlock()
		e.Bus.Publish(ShutdownInitiated(ReasonInternalError, ""))
	}
}

func (e *Engine) didPanic() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.panicked
}

func (e *Engine) waitUntilTerminal(ctx context.Context) {
	if e.Repository.AllTerminal() {
		return
	}
	ticker := time.NewTicker(terminalPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.Bus.Saturated():
			e.mu.Lock()
			e.panicked = true
			e.mu.Unlock()
			return
		case <-ticker.C:
			if e.Repository.AllTerminal() {
				return
			}
		}
	}
}
