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
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ProcessSignaler is the narrow collaborator the State Machine uses to
// force-terminate a service whose process is still alive: the
// Running -> Failed row on repeated health-check failure (spec.md
// §4.3's "request termination"), and SIGKILL on the InKilling ->
// FinishedFailed row. The Process Runner (component D) implements it.
type ProcessSignaler interface {
	SendSignal(pid, signal int) error
}

// StateMachine is component C: the pure event-driven consumer that
// drives every ServiceHandle through spec.md §4.3's transition table,
// save for the two rows owned by the Scheduler (Initial -> Starting,
// component G) and the Shutdown Coordinator (* -> InKilling, component
// H). Grounded on the teacher's checkService/startRecurse control flow
// (manager.go), generalized from govisor's three-state (down/
// starting/up) model to the nine explicit states this spec requires.
type StateMachine struct {
	repo     *Repository
	bus      Publisher
	signaler ProcessSignaler
	log      *zap.Logger
}

// NewStateMachine wires a StateMachine against repo and bus. signaler
// may be nil in tests that don't exercise the health-failure or
// force-kill rows. log may be nil, in which case a no-op logger is used.
func NewStateMachine(repo *Repository, bus Publisher, signaler ProcessSignaler, log *zap.Logger) *StateMachine {
	if log == nil {
		log = zap.NewNop()
	}
	return &StateMachine{repo: repo, bus: bus, signaler: signaler, log: log}
}

// Run consumes events until ctx is cancelled or events is closed.
func (m *StateMachine) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handle(ev)
		}
	}
}

func (m *StateMachine) handle(ev Event) {
	switch ev.Kind {
	case KindProcessSpawned:
		m.onProcessSpawned(ev)
	case KindSpawnFailed:
		m.onSpawnFailed(ev)
	case KindProcessExited:
		m.onProcessExited(ev)
	case KindHealthCheckResult:
		m.onHealthCheckResult(ev)
	case KindForceKillDue:
		m.onForceKillDue(ev)
	}
}

// onProcessSpawned: Starting -> Started, record pid. When no health
// probe is configured, readiness is declared immediately (spec.md
// §4.3's readiness policy), so the handle advances straight through to
// Running in the same mutation.
func (m *StateMachine) onProcessSpawned(ev Event) {
	m.repo.WithHandle(ev.ServiceName, func(h *ServiceHandle) bool {
		if h.status == InKilling {
			// Shutdown raced the spawn: the kill signal that already
			// fired missed this pid entirely. Record it so the
			// ForceKillDue row has something to SIGKILL.
			h.pid = ev.Pid
			return false
		}
		if h.status != Starting {
			return false
		}
		h.pid = ev.Pid
		h.status = Started
		h.lastStateChange = ev.At
		if h.Spec.Healthiness == nil {
			h.status = Running
			h.startAttempts = 0
			h.reachedRunning = true
		}
		return true
	})
}

// onSpawnFailed: Starting -> Failed, then apply the restart-policy
// decision. start_attempts was already bumped by the Scheduler when it
// issued this attempt's SpawnRequest (Initial -> Starting); this row
// does not increment it again.
func (m *StateMachine) onSpawnFailed(ev Event) {
	applies := false
	m.repo.WithHandle(ev.ServiceName, func(h *ServiceHandle) bool {
		if h.status != Starting {
			return false
		}
		h.status = Failed
		h.lastStateChange = ev.At
		applies = true
		return true
	})
	if applies {
		m.settleTerminal(ev.ServiceName, Failed)
	}
}

// onProcessExited covers three distinct rows of the transition table,
// selected by the handle's status at the moment the process died:
// Started/Running -> Success|Failed (by exit code), or InKilling ->
// FinishedSuccess unconditionally (the process died because we asked
// it to, regardless of how it exited).
func (m *StateMachine) onProcessExited(ev Event) {
	h, err := m.repo.Get(ev.ServiceName)
	if err != nil {
		return
	}
	before := h.Snapshot().Status

	switch before {
	case InKilling:
		m.repo.WithHandle(ev.ServiceName, func(h *ServiceHandle) bool {
			if h.status != InKilling {
				return false
			}
			h.status = FinishedSuccess
			h.lastStateChange = ev.At
			return true
		})

	case Started, Running:
		ended := Failed
		if h.Spec.Failure.IsSuccessfulExit(ev.ExitStatus) {
			ended = Success
		}
		settled := false
		m.repo.WithHandle(ev.ServiceName, func(h *ServiceHandle) bool {
			if h.status != before {
				return false
			}
			h.status = ended
			h.lastStateChange = ev.At
			settled = true
			return true
		})
		if settled {
			m.settleTerminal(ev.ServiceName, ended)
		}
	}
}

// onHealthCheckResult implements the readiness-on-first-Healthy rule
// (Started -> Running) and the consecutive-failure rule (Running ->
// Failed, "request termination" once consecutive_unhealthy reaches
// max_failed).
func (m *StateMachine) onHealthCheckResult(ev Event) {
	if ev.Healthy {
		m.repo.WithHandle(ev.ServiceName, func(h *ServiceHandle) bool {
			h.consecutiveUnhealthy = 0
			if h.status != Started {
				return false
			}
			h.status = Running
			h.startAttempts = 0
			h.reachedRunning = true
			h.lastStateChange = ev.At
			return true
		})
		return
	}

	var pid int
	failedNow := false
	m.repo.WithHandle(ev.ServiceName, func(h *ServiceHandle) bool {
		if h.status != Running {
			return false
		}
		h.consecutiveUnhealthy++
		maxFailed := 3
		if h.Spec.Healthiness != nil && h.Spec.Healthiness.MaxFailed > 0 {
			maxFailed = h.Spec.Healthiness.MaxFailed
		}
		if h.consecutiveUnhealthy < maxFailed {
			return false
		}
		pid = h.pid
		h.status = Failed
		h.lastStateChange = ev.At
		failedNow = true
		return true
	})
	if !failedNow {
		return
	}
	if m.signaler != nil && pid > 0 {
		if spec, err := m.repo.Get(ev.ServiceName); err == nil {
			sig := spec.Spec.Termination.Signal
			if sig == 0 {
				sig = int(syscall.SIGTERM)
			}
			if err := m.signaler.SendSignal(pid, spec.Spec.rewriteSignal(sig)); err != nil {
				m.log.Warn("signal delivery failed", zap.String("service", ev.ServiceName), zap.Error(err))
			}
		}
	}
	m.settleTerminal(ev.ServiceName, Failed)
}

// onForceKillDue: InKilling -> FinishedFailed, send SIGKILL. Unlike the
// Success/Failed rows, this one never restarts and never runs
// failure-strategy propagation -- the handle is already being torn
// down by an explicit shutdown, not a failure.
func (m *StateMachine) onForceKillDue(ev Event) {
	var pid int
	fire := false
	m.repo.WithHandle(ev.ServiceName, func(h *ServiceHandle) bool {
		if h.status != InKilling {
			return false
		}
		pid = h.pid
		h.status = FinishedFailed
		h.lastStateChange = ev.At
		fire = true
		return true
	})
	if fire && m.signaler != nil && pid > 0 {
		if err := m.signaler.SendSignal(pid, int(syscall.SIGKILL)); err != nil {
			m.log.Warn("signal delivery failed", zap.String("service", ev.ServiceName), zap.Error(err))
		}
	}
}

// settleTerminal runs spec.md §4.3's restart-policy decision
// immediately after a handle reaches Success or Failed: re-arm to
// Initial with the backoff timer armed, or finalize to
// FinishedSuccess/FinishedFailed. Finalizing to FinishedFailed
// additionally triggers failure-strategy propagation and
// die_if_failed propagation.
func (m *StateMachine) settleTerminal(name string, ended State) {
	restart := false
	finalized := ended
	m.repo.WithHandle(name, func(h *ServiceHandle) bool {
		if h.status != ended {
			return false
		}
		restart = shouldRestart(h.Spec, h, ended)
		switch {
		case restart:
			h.status = Initial
			h.readyAt = time.Now().Add(restartDelay(h.Spec, h.startAttempts))
			h.reachedRunning = false
		case ended == Success:
			h.status = FinishedSuccess
		default:
			h.status = FinishedFailed
		}
		finalized = h.status
		return true
	})
	if !restart && finalized == FinishedFailed {
		m.propagateFailure(name)
	}
}

// propagateFailure implements the Ignore/KillDependents/Shutdown
// failure-strategy rows plus die_if_failed, each expressed as further
// ShutdownInitiated events for the Shutdown Coordinator to act on.
func (m *StateMachine) propagateFailure(name string) {
	h, err := m.repo.Get(name)
	if err != nil {
		return
	}
	switch h.Spec.Failure.Strategy {
	case FailureKillDependents:
		for _, dep := range m.repo.Dependents(name) {
			m.bus.Publish(ShutdownInitiated(ReasonFailurePolicy, dep))
		}
	case FailureShutdown:
		m.bus.Publish(ShutdownInitiated(ReasonFailurePolicy, ""))
	}
	for _, dep := range m.repo.DieIfFailedDependents(name) {
		m.bus.Publish(ShutdownInitiated(ReasonFailurePolicy, dep))
	}
}
