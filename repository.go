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

// Repository is the authoritative, mutable map of ServiceHandle records
// (spec.md §4.2). It owns every ServiceHandle exclusively: every other
// component reads a Snapshot or mutates through WithHandle.
//
// Concurrency, per spec §4.2: a repository-wide RWMutex guards the
// structural map of handles (addition; iteration for Snapshot/
// ListReadyToStart), while each ServiceHandle carries its own mutex for
// field mutation -- a "fine-grained lock per handle" on top of the
// structural lock, grounded on the teacher's manager.go (one mutex
// serializing all service mutation) but split in two so independent
// services' status updates don't serialize against one another.
type Repository struct {
	mu      sync.RWMutex
	handles map[string]*ServiceHandle
	bus     Publisher
}

// NewRepository allocates an empty Repository publishing state changes
// on bus.
func NewRepository(bus Publisher) *Repository {
	return &Repository{handles: make(map[string]*ServiceHandle), bus: bus}
}

// Add registers a new handle for spec. Specs must already have passed
// ValidateSet; Add itself only defends invariant #1 (unique names).
func (r *Repository) Add(spec *ServiceSpec) (*ServiceHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handles[spec.Name]; dup {
		return nil, ErrAlreadyExists
	}
	h := NewServiceHandle(spec)
	r.handles[spec.Name] = h
	return h, nil
}

// Get returns the named handle, or ErrNoSuchService.
func (r *Repository) Get(name string) (*ServiceHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[name]
	if !ok {
		return nil, ErrNoSuchService
	}
	return h, nil
}

// Snapshot returns a consistent read of every handle (component B's
// "snapshot()" operation).
func (r *Repository) Snapshot() []HandleSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HandleSnapshot, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h.Snapshot())
	}
	return out
}

// Names returns every registered service name.
func (r *Repository) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handles))
	for n := range r.handles {
		out = append(out, n)
	}
	return out
}

// WithHandle serializes f against the named handle's own lock, then
// publishes ServiceStateChanged before releasing it -- spec §4.2:
// "Any handle mutation MUST be followed by emitting a
// ServiceStateChanged event before the lock is released." f reports
// whether it changed the handle's status; when it did, the new status
// is published.
func (r *Repository) WithHandle(name string, f func(h *ServiceHandle) (changed bool)) error {
	h, err := r.Get(name)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if f(h) {
		r.bus.Publish(ServiceStateChanged(name, h.status))
	}
	return nil
}

// dependenciesSatisfied reports whether every name in deps is, per
// spec.md §4.7, "Running or FinishedSuccess". Caller must hold r.mu for
// reading (via ListReadyToStart) or accept the same-instant race every
// other such check in this design accepts (resolved by the next bus
// event driving a re-evaluation).
func (r *Repository) dependenciesSatisfied(deps []string) bool {
	for _, d := range deps {
		h, ok := r.handles[d]
		if !ok {
			return false
		}
		st := h.Snapshot().Status
		if st != Running && st != FinishedSuccess {
			return false
		}
	}
	return true
}

// ListReadyToStart returns the names of every handle in Initial whose
// start_after dependencies are satisfied and whose start_delay/backoff
// timer (ServiceHandle.readyAt) has elapsed -- spec.md §4.2's
// "list_ready_to_start()". The Scheduler (component G) still owns
// deciding whether remaining attempts allow a Starting transition at
// all; that decision lives in shouldRestart, evaluated when the handle
// was re-armed, not here.
func (r *Repository) ListReadyToStart() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()
	var ready []string
	for name, h := range r.handles {
		snap := h.Snapshot()
		if snap.Status != Initial {
			continue
		}
		if h.ReadyAt().After(now) {
			continue
		}
		if r.dependenciesSatisfied(h.Spec.StartAfter) {
			ready = append(ready, name)
		}
	}
	return ready
}

// AllTerminal reports whether every handle has reached a terminal
// state -- the engine's exit condition (spec.md §4.3: "The engine exits
// when every handle is terminal.").
func (r *Repository) AllTerminal() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handles {
		if !h.Snapshot().Status.IsTerminal() {
			return false
		}
	}
	return true
}

// AnyFailed reports whether any handle ended in FinishedFailed, for the
// engine's exit-code computation (spec.md §6: exit code 1).
func (r *Repository) AnyFailed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handles {
		if h.Snapshot().Status == FinishedFailed {
			return true
		}
	}
	return false
}

// Dependents returns every service whose transitive start_after chain
// includes name -- used by the KillDependents failure strategy
// (spec.md §4.3).
func (r *Repository) Dependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dependsOn := make(map[string][]string, len(r.handles))
	for n, h := range r.handles {
		dependsOn[n] = h.Spec.StartAfter
	}

	var out []string
	var reaches func(n string, target string, seen map[string]bool) bool
	reaches = func(n, target string, seen map[string]bool) bool {
		if seen[n] {
			return false
		}
		seen[n] = true
		for _, d := range dependsOn[n] {
			if d == target || reaches(d, target, seen) {
				return true
			}
		}
		return false
	}
	for n := range r.handles {
		if n == name {
			continue
		}
		if reaches(n, name, map[string]bool{}) {
			out = append(out, n)
		}
	}
	return out
}

// FindByPid returns the name of the tracked handle currently recording
// pid, for the reaper (component E) to turn a raw waitpid result into a
// ProcessExited(name, ...) rather than an OrphanReaped.
func (r *Repository) FindByPid(pid int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, h := range r.handles {
		snap := h.Snapshot()
		if snap.Pid == pid && !snap.Status.IsTerminal() {
			return name, true
		}
	}
	return "", false
}

// RestartService re-arms a terminal handle back to Initial for an
// operator-triggered restart (spec.md §3 invariant 4's one exception to
// "a terminal handle never re-enters a non-terminal status"). It is a
// no-op error, not a state transition, when the named handle is not
// currently terminal -- the control channel's "start" action is only
// meaningful against a service that has already finished.
func (r *Repository) RestartService(name string) error {
	h, err := r.Get(name)
	if err != nil {
		return err
	}
	if !h.Snapshot().Status.IsTerminal() {
		return ErrNotInitial
	}
	return r.WithHandle(name, func(h *ServiceHandle) bool {
		if !h.status.IsTerminal() {
			return false
		}
		h.status = Initial
		h.startAttempts = 0
		h.consecutiveUnhealthy = 0
		h.reachedRunning = false
		h.pid = 0
		h.lastStateChange = time.Now()
		h.readyAt = time.Now().Add(h.Spec.StartDelay)
		return true
	})
}

// DieIfFailedDependents returns every service that names `name` in its
// own termination.die_if_failed list (spec.md §4.3's die_if_failed
// propagation, which is direct, not transitive, unlike KillDependents).
func (r *Repository) DieIfFailedDependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for n, h := range r.handles {
		for _, dep := range h.Spec.Termination.DieIfFailed {
			if dep == name {
				out = append(out, n)
				break
			}
		}
	}
	return out
}
