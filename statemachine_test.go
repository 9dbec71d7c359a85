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
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

type fakeSignaler struct {
	mu      sync.Mutex
	signals []int
}

func (f *fakeSignaler) SendSignal(pid, signal int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, signal)
	return nil
}

func newTestEngine(spec *ServiceSpec) (*Repository, *StateMachine, *fakeSignaler, <-chan Event) {
	bus := NewBus()
	repo := NewRepository(bus)
	repo.Add(spec)
	sig := &fakeSignaler{}
	sm := NewStateMachine(repo, bus, sig, nil)
	ch := bus.Subscribe()
	return repo, sm, sig, ch
}

func TestStateMachineSpawnWithoutHealthiness(t *testing.T) {
	Convey("A service with no healthiness goes straight to Running on spawn", t, func() {
		repo, sm, _, _ := newTestEngine(&ServiceSpec{Name: "svc", Command: "x"})
		repo.WithHandle("svc", func(h *ServiceHandle) bool { h.status = Starting; return true })

		sm.handle(ProcessSpawned("svc", 4242))

		snap, _ := repo.Get("svc")
		s := snap.Snapshot()
		So(s.Status, ShouldEqual, Running)
		So(s.Pid, ShouldEqual, 4242)
	})
}

func TestStateMachineHealthCheckFailureEscalatesToSignal(t *testing.T) {
	Convey("Consecutive unhealthy results past max_failed terminate the process", t, func() {
		spec := &ServiceSpec{
			Name:        "svc",
			Command:     "x",
			Healthiness: &HealthinessSpec{HTTPEndpoint: "http://x", MaxFailed: 2},
			Restart:     RestartPolicy{Strategy: RestartNever},
		}
		repo, sm, sig, _ := newTestEngine(spec)
		repo.WithHandle("svc", func(h *ServiceHandle) bool {
			h.status = Running
			h.pid = 99
			h.reachedRunning = true
			return true
		})

		sm.handle(HealthCheckResult("svc", false))
		snap, _ := repo.Get("svc")
		So(snap.Snapshot().Status, ShouldEqual, Running)

		sm.handle(HealthCheckResult("svc", false))
		snap, _ = repo.Get("svc")
		So(snap.Snapshot().Status, ShouldEqual, FinishedFailed)
		So(sig.signals, ShouldNotBeEmpty)
	})
}

func TestStateMachineProcessSpawnedDuringInKilling(t *testing.T) {
	Convey("A spawn that completes after shutdown has begun just records the pid", t, func() {
		repo, sm, _, _ := newTestEngine(&ServiceSpec{Name: "svc", Command: "x"})
		repo.WithHandle("svc", func(h *ServiceHandle) bool { h.status = InKilling; return true })

		sm.handle(ProcessSpawned("svc", 555))

		snap, _ := repo.Get("svc")
		s := snap.Snapshot()
		So(s.Status, ShouldEqual, InKilling)
		So(s.Pid, ShouldEqual, 555)
	})
}

func TestStateMachineRestartReArmsToInitial(t *testing.T) {
	Convey("A Failed service under RestartAlways re-arms to Initial", t, func() {
		spec := &ServiceSpec{
			Name:    "svc",
			Command: "x",
			Restart: RestartPolicy{Strategy: RestartAlways, MaxAttempts: 0},
		}
		repo, sm, _, _ := newTestEngine(spec)
		// The Scheduler bumps start_attempts on Initial -> Starting
		// before issuing SpawnRequest; simulate that here.
		repo.WithHandle("svc", func(h *ServiceHandle) bool {
			h.status = Starting
			h.startAttempts = 1
			return true
		})

		sm.handle(SpawnFailed("svc", nil))

		snap, _ := repo.Get("svc")
		s := snap.Snapshot()
		So(s.Status, ShouldEqual, Initial)
		So(s.StartAttempts, ShouldEqual, 1)
	})
}

func TestStateMachinePropagatesKillDependents(t *testing.T) {
	Convey("A FinishedFailed service under KillDependents shuts down its dependents", t, func() {
		bus := NewBus()
		repo := NewRepository(bus)
		repo.Add(&ServiceSpec{Name: "db", Command: "x", Restart: RestartPolicy{Strategy: RestartNever}, Failure: FailureSpec{Strategy: FailureKillDependents}})
		repo.Add(&ServiceSpec{Name: "web", Command: "x", StartAfter: []string{"db"}})
		sm := NewStateMachine(repo, bus, &fakeSignaler{}, nil)
		ch := bus.Subscribe()

		repo.WithHandle("db", func(h *ServiceHandle) bool {
			h.status = Started
			h.reachedRunning = false
			return true
		})

		sm.handle(ProcessExited("db", 1, 1))

		sawShutdown := false
		for i := 0; i < 8; i++ {
			ev := recvWithin(t, ch)
			if ev.Kind == KindShutdownInitiated && ev.ServiceName == "web" {
				sawShutdown = true
				break
			}
		}
		So(sawShutdown, ShouldBeTrue)
	})
}
