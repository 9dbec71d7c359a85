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
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestSchedulerGatesOnDependency(t *testing.T) {
	Convey("A service does not spawn before its start_after dependency is Running", t, func() {
		bus := NewBus()
		repo := NewRepository(bus)
		repo.Add(&ServiceSpec{Name: "db", Command: "x"})
		repo.Add(&ServiceSpec{Name: "web", Command: "x", StartAfter: []string{"db"}})

		sched := NewScheduler(repo, bus)
		events := bus.Subscribe()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go sched.Run(ctx, bus.Subscribe())

		// db has no dependency: it should receive a SpawnRequest quickly.
		sawDbSpawn := false
		for i := 0; i < 20 && !sawDbSpawn; i++ {
			select {
			case ev := <-events:
				if ev.Kind == KindSpawnRequest && ev.ServiceName == "db" {
					sawDbSpawn = true
				}
			case <-time.After(50 * time.Millisecond):
			}
		}
		So(sawDbSpawn, ShouldBeTrue)

		// web stays in Initial: its dependency never reached Running.
		time.Sleep(50 * time.Millisecond)
		h, err := repo.Get("web")
		So(err, ShouldBeNil)
		So(h.Snapshot().Status, ShouldEqual, Initial)

		repo.WithHandle("db", func(h *ServiceHandle) bool {
			h.status = Running
			return true
		})

		sawWebSpawn := false
		for i := 0; i < 20 && !sawWebSpawn; i++ {
			select {
			case ev := <-events:
				if ev.Kind == KindSpawnRequest && ev.ServiceName == "web" {
					sawWebSpawn = true
				}
			case <-time.After(50 * time.Millisecond):
			}
		}
		So(sawWebSpawn, ShouldBeTrue)
	})
}

func TestSchedulerIsIdempotent(t *testing.T) {
	Convey("Re-evaluating after a SpawnRequest has already been issued is a no-op", t, func() {
		bus := NewBus()
		repo := NewRepository(bus)
		repo.Add(&ServiceSpec{Name: "svc", Command: "x"})
		sched := NewScheduler(repo, bus)

		sched.evaluate()
		h, _ := repo.Get("svc")
		So(h.Snapshot().Status, ShouldEqual, Starting)

		sched.evaluate()
		So(h.Snapshot().Status, ShouldEqual, Starting)
	})
}
