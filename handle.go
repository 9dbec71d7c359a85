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
	"sync"
	"time"
)

// State is one of the nine service states of spec.md §4.3.
type State int

const (
	Initial State = iota
	Starting
	Started
	Running
	Success
	Failed
	InKilling
	FinishedSuccess
	FinishedFailed
)

func (s State) String() string {
	switch s {
	case Initial:
		return "Initial"
	case Starting:
		return "Starting"
	case Started:
		return "Started"
	case Running:
		return "Running"
	case Success:
		return "Success"
	case Failed:
		return "Failed"
	case InKilling:
		return "InKilling"
	case FinishedSuccess:
		return "FinishedSuccess"
	case FinishedFailed:
		return "FinishedFailed"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether s is FinishedSuccess or FinishedFailed --
// spec.md §3 invariant 4: a terminal handle never re-enters a
// non-terminal status except via an explicit operator restart.
func (s State) IsTerminal() bool {
	return s == FinishedSuccess || s == FinishedFailed
}

// ServiceHandle is the mutable runtime record pairing a ServiceSpec with
// its current status (spec.md §3). The Repository is its sole owner;
// every mutation happens with handle.mu held, matching spec §4.2's
// "fine-grained lock per handle".
type ServiceHandle struct {
	mu sync.Mutex

	Spec *ServiceSpec

	status             State
	pid                int
	startAttempts      int
	lastStateChange    time.Time
	consecutiveUnhealthy int
	childrenReapCount  int

	// reachedRunning remembers whether this run of the service ever
	// made it to Running, for the Never-strategy "failing too quickly"
	// exception (SPEC_FULL.md Open Question decision).
	reachedRunning bool

	// killDeadline is set by the Shutdown Coordinator when entering
	// InKilling. Nothing reads it: the SIGKILL escalation is driven by the
	// coordinator's own ForceKillDue timer (shutdown.go).
	killDeadline time.Time

	// readyAt is when this Initial-state handle becomes eligible to
	// start: creation time + start_delay on the first run, or
	// restartDelay(spec, startAttempts) past the restart decision on
	// every subsequent re-arm (spec.md §4.3's backoff formula).
	readyAt time.Time
}

// NewServiceHandle allocates a handle in the Initial state, ready to
// start after spec.StartDelay.
func NewServiceHandle(spec *ServiceSpec) *ServiceHandle {
	now := time.Now()
	return &ServiceHandle{
		Spec:            spec,
		status:          Initial,
		lastStateChange: now,
		readyAt:         now.Add(spec.StartDelay),
	}
}

// ReadyAt reports when this handle becomes eligible to start, per
// start_delay on the first run or restartDelay on a re-arm.
func (h *ServiceHandle) ReadyAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readyAt
}

// HandleSnapshot is a point-in-time, lock-free copy safe to hand to callers
// outside the Repository (e.g. the control channel, the HTTP status
// surface).
type HandleSnapshot struct {
	Name                 string
	Status               State
	Pid                  int
	StartAttempts        int
	LastStateChange      time.Time
	ConsecutiveUnhealthy int
	ChildrenReapCount    int
}

func (h *ServiceHandle) snapshotLocked() HandleSnapshot {
	return HandleSnapshot{
		Name:                 h.Spec.Name,
		Status:               h.status,
		Pid:                  h.pid,
		StartAttempts:        h.startAttempts,
		LastStateChange:      h.lastStateChange,
		ConsecutiveUnhealthy: h.consecutiveUnhealthy,
		ChildrenReapCount:    h.childrenReapCount,
	}
}

// Snapshot returns a consistent, detached copy of the handle's state.
func (h *ServiceHandle) Snapshot() HandleSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

// shouldRestart decides, per spec.md §4.3's "Restart policy decision",
// whether a service that just reached Success or Failed should be
// re-armed to Initial. ended is Success or Failed.
func shouldRestart(spec *ServiceSpec, h *ServiceHandle, ended State) bool {
	p := spec.Restart
	switch p.Strategy {
	case RestartAlways:
		if p.MaxAttempts == 0 {
			return true // 0 means unlimited under Always.
		}
		return h.startAttempts < p.MaxAttempts
	case RestartOnFailure:
		if ended != Failed {
			return false
		}
		if p.MaxAttempts == 0 {
			return false // 0 means "no retries" for a failure-driven strategy.
		}
		return h.startAttempts < p.MaxAttempts
	case RestartNever:
		// "Failing too quickly" exception: only if this run never
		// reached Running, and attempts remain.
		if ended == Failed && !h.reachedRunning && p.MaxAttempts > 0 && h.startAttempts < p.MaxAttempts {
			return true
		}
		return false
	default:
		return false
	}
}

// restartDelay implements spec.md §4.3: backoff * start_attempts + start_delay.
func restartDelay(spec *ServiceSpec, startAttempts int) time.Duration {
	return spec.Restart.Backoff*time.Duration(startAttempts) + spec.StartDelay
}
