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
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestRepositoryAddAndGet(t *testing.T) {
	Convey("Add registers a handle, rejecting a duplicate name", t, func() {
		bus := NewBus()
		defer bus.Close()
		repo := NewRepository(bus)

		_, err := repo.Add(&ServiceSpec{Name: "web", Command: "/bin/web"})
		So(err, ShouldBeNil)

		_, err = repo.Add(&ServiceSpec{Name: "web", Command: "/bin/other"})
		So(err, ShouldEqual, ErrAlreadyExists)

		h, err := repo.Get("web")
		So(err, ShouldBeNil)
		So(h.Snapshot().Status, ShouldEqual, Initial)

		_, err = repo.Get("nope")
		So(err, ShouldEqual, ErrNoSuchService)
	})
}

func TestListReadyToStart(t *testing.T) {
	Convey("Only Initial handles with satisfied dependencies and elapsed timers are ready", t, func() {
		bus := NewBus()
		defer bus.Close()
		repo := NewRepository(bus)

		repo.Add(&ServiceSpec{Name: "db", Command: "/bin/db"})
		repo.Add(&ServiceSpec{Name: "web", Command: "/bin/web", StartAfter: []string{"db"}})
		repo.Add(&ServiceSpec{Name: "slow", Command: "/bin/slow", StartDelay: time.Hour})

		ready := repo.ListReadyToStart()
		So(ready, ShouldContain, "db")
		So(ready, ShouldNotContain, "web")
		So(ready, ShouldNotContain, "slow")

		repo.WithHandle("db", func(h *ServiceHandle) bool {
			h.status = Running
			return true
		})

		ready = repo.ListReadyToStart()
		So(ready, ShouldContain, "web")
	})
}

func TestDependentsAndDieIfFailed(t *testing.T) {
	Convey("Dependents returns the transitive start_after chain", t, func() {
		bus := NewBus()
		defer bus.Close()
		repo := NewRepository(bus)

		repo.Add(&ServiceSpec{Name: "db", Command: "x"})
		repo.Add(&ServiceSpec{Name: "cache", Command: "x", StartAfter: []string{"db"}})
		repo.Add(&ServiceSpec{Name: "web", Command: "x", StartAfter: []string{"cache"}})

		deps := repo.Dependents("db")
		So(deps, ShouldContain, "cache")
		So(deps, ShouldContain, "web")
	})

	Convey("DieIfFailedDependents is direct, not transitive", t, func() {
		bus := NewBus()
		defer bus.Close()
		repo := NewRepository(bus)

		repo.Add(&ServiceSpec{Name: "db", Command: "x"})
		repo.Add(&ServiceSpec{Name: "web", Command: "x", Termination: TerminationSpec{DieIfFailed: []string{"db"}}})

		So(repo.DieIfFailedDependents("db"), ShouldResemble, []string{"web"})
	})
}

func TestRestartService(t *testing.T) {
	Convey("RestartService re-arms a terminal handle to Initial", t, func() {
		bus := NewBus()
		defer bus.Close()
		repo := NewRepository(bus)
		repo.Add(&ServiceSpec{Name: "job", Command: "x"})

		So(repo.RestartService("job"), ShouldEqual, ErrNotInitial)

		repo.WithHandle("job", func(h *ServiceHandle) bool {
			h.status = FinishedFailed
			h.startAttempts = 4
			return true
		})

		So(repo.RestartService("job"), ShouldBeNil)
		snap, _ := repo.Get("job")
		So(snap.Snapshot().Status, ShouldEqual, Initial)
		So(snap.Snapshot().StartAttempts, ShouldEqual, 0)
	})
}

func TestAllTerminalAndAnyFailed(t *testing.T) {
	Convey("AllTerminal and AnyFailed reflect every handle's status", t, func() {
		bus := NewBus()
		defer bus.Close()
		repo := NewRepository(bus)
		repo.Add(&ServiceSpec{Name: "a", Command: "x"})
		repo.Add(&ServiceSpec{Name: "b", Command: "x"})

		So(repo.AllTerminal(), ShouldBeFalse)

		repo.WithHandle("a", func(h *ServiceHandle) bool { h.status = FinishedSuccess; return true })
		So(repo.AllTerminal(), ShouldBeFalse)
		So(repo.AnyFailed(), ShouldBeFalse)

		repo.WithHandle("b", func(h *ServiceHandle) bool { h.status = FinishedFailed; return true })
		So(repo.AllTerminal(), ShouldBeTrue)
		So(repo.AnyFailed(), ShouldBeTrue)
	})
}
