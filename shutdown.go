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
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ShutdownCoordinator is component H: triggered by ShutdownInitiated,
// it sends every non-terminal handle in scope its configured
// termination signal and arms a ForceKillDue timer, or -- for a handle
// that never got as far as Starting -- finalizes it to FinishedSuccess
// immediately (spec.md §4.8). An empty ServiceName on the triggering
// event means engine-wide; otherwise the coordinator acts on that one
// service only (die_if_failed, KillDependents).
type ShutdownCoordinator struct {
	repo     *Repository
	bus      Publisher
	signaler ProcessSignaler
	log      *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewShutdownCoordinator wires a ShutdownCoordinator against repo, bus,
// and the ProcessSignaler used to deliver termination signals. log may
// be nil, in which case a no-op logger is used.
func NewShutdownCoordinator(repo *Repository, bus Publisher, signaler ProcessSignaler, log *zap.Logger) *ShutdownCoordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &ShutdownCoordinator{repo: repo, bus: bus, signaler: signaler, log: log, timers: make(map[string]*time.Timer)}
}

// Run consumes ShutdownInitiated events until ctx is cancelled or
// events closes, stopping every outstanding ForceKillDue timer on exit.
func (c *ShutdownCoordinator) Run(ctx context.Context, events <-chan Event) {
	defer c.stopAllTimers()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != KindShutdownInitiated {
				continue
			}
			for _, name := range c.scopeNames(ev.ServiceName) {
				c.killOne(name)
			}
		}
	}
}

// scopeNames resolves a ShutdownInitiated event's scope to the set of
// service names it applies to.
func (c *ShutdownCoordinator) scopeNames(scope string) []string {
	if scope != "" {
		return []string{scope}
	}
	return c.repo.Names()
}

func (c *ShutdownCoordinator) killOne(name string) {
	h, err := c.repo.Get(name)
	if err != nil {
		return
	}
	switch h.Snapshot().Status {
	case Initial:
		c.repo.WithHandle(name, func(h *ServiceHandle) bool {
			if h.status != Initial {
				return false
			}
			h.status = FinishedSuccess
			h.lastStateChange = time.Now()
			return true
		})

	case Starting, Started, Running:
		before := h.Snapshot().Status
		var pid int
		transitioned := false
		c.repo.WithHandle(name, func(h *ServiceHandle) bool {
			if h.status != before {
				return false
			}
			pid = h.pid
			h.status = InKilling
			h.killDeadline = time.Now().Add(h.Spec.Termination.Wait)
			h.lastStateChange = time.Now()
			transitioned = true
			return true
		})
		if !transitioned {
			return
		}
		if c.signaler != nil && pid > 0 {
			sig := h.Spec.Termination.Signal
			if sig == 0 {
				sig = int(syscall.SIGTERM)
			}
			if err := c.signaler.SendSignal(pid, h.Spec.rewriteSignal(sig)); err != nil {
				c.log.Warn("signal delivery failed", zap.String("service", name), zap.Error(err))
			}
		}
		c.armForceKill(name, h.Spec.Termination.Wait)
	}
}

// armForceKill schedules ForceKillDue(name) after wait, replacing any
// timer already armed for this handle (a repeated ShutdownInitiated for
// the same scope, e.g. a second operator signal, must not multiply
// timers).
func (c *ShutdownCoordinator) armForceKill(name string, wait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[name]; ok {
		t.Stop()
	}
	c.timers[name] = time.AfterFunc(wait, func() {
		c.bus.Publish(ForceKillDue(name))
	})
}

func (c *ShutdownCoordinator) stopAllTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		t.Stop()
	}
}
