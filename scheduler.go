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
	"time"
)

// schedulerPollInterval bounds how long a handle can wait for its
// start_delay/backoff timer to elapse with no bus traffic to wake the
// Scheduler -- e.g. a service with a long start_delay and no
// dependents publishing events in the meantime.
const schedulerPollInterval = 200 * time.Millisecond

// Scheduler is component G: it watches every event and, after each one,
// recomputes which Initial-state services have their start_after
// dependencies satisfied and their start_delay/backoff timer elapsed,
// issuing SpawnRequest for each. Grounded on the teacher's
// checkDepends/startRecurse traversal (manager.go), generalized from
// govisor's on-demand recursive dependency walk to spec's "recompute
// after every event, cooperative and idempotent" design.
type Scheduler struct {
	repo *Repository
	bus  Publisher
}

// NewScheduler wires a Scheduler against repo and bus.
func NewScheduler(repo *Repository, bus Publisher) *Scheduler {
	return &Scheduler{repo: repo, bus: bus}
}

// Run re-evaluates readiness on every event and on a coarse poll tick
// (for timers elapsing with no event traffic), until ctx is cancelled
// or events closes.
func (s *Scheduler) Run(ctx context.Context, events <-chan Event) {
	s.evaluate()
	ticker := time.NewTicker(schedulerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			s.evaluate()
		case <-ticker.C:
			s.evaluate()
		}
	}
}

// evaluate transitions every ready-to-start handle from Initial to
// Starting and emits its SpawnRequest. It is idempotent: a handle that
// has already advanced past Initial is simply absent from
// ListReadyToStart on the next call.
//
// This is also where spec.md §4.3's "start_attempts increments on each
// spawn attempt" happens: Initial -> Starting is the one transition
// every attempt passes through, whether it goes on to spawn
// successfully, fail to exec, or run and later exit non-zero -- a
// single counter bump here, rather than one in each of those outcomes,
// is what keeps the backoff formula and the attempt cap counting the
// same thing.
func (s *Scheduler) evaluate() {
	for _, name := range s.repo.ListReadyToStart() {
		advanced := false
		s.repo.WithHandle(name, func(h *ServiceHandle) bool {
			if h.status != Initial {
				return false
			}
			h.startAttempts++
			h.status = Starting
			h.lastStateChange = time.Now()
			advanced = true
			return true
		})
		if advanced {
			s.bus.Publish(SpawnRequest(name))
		}
	}
}
