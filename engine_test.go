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

// TestEngineSingleServiceSuccess exercises spec.md §8 scenario 1: a
// service that exits 0 under restart=never ends FinishedSuccess and the
// engine exits 0.
func TestEngineSingleServiceSuccess(t *testing.T) {
	Convey("A /bin/true service with restart=never ends FinishedSuccess, exit code 0", t, func() {
		spec := &ServiceSpec{
			Name:    "a",
			Command: "/bin/true",
			Restart: RestartPolicy{Strategy: RestartNever},
			Failure: FailureSpec{Strategy: FailureIgnore},
			Termination: TerminationSpec{
				Wait: time.Second,
			},
		}
		engine, err := NewEngine([]*ServiceSpec{spec}, nil, nil)
		So(err, ShouldBeNil)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		code := engine.Run(ctx)

		So(code, ShouldEqual, 0)
		h, err := engine.Repository.Get("a")
		So(err, ShouldBeNil)
		So(h.Snapshot().Status, ShouldEqual, FinishedSuccess)
	})
}

// TestEngineDependencyOrdering runs spec.md §8 scenario 2's setup (B
// with start_after A) to completion and checks that both services end
// FinishedSuccess with exit code 0. It does not observe the order in
// which A and B were spawned.
func TestEngineDependencyOrdering(t *testing.T) {
	Convey("A and B (start_after A) both end FinishedSuccess, exit code 0", t, func() {
		a := &ServiceSpec{
			Name:    "a",
			Command: "/bin/true",
			Restart: RestartPolicy{Strategy: RestartNever},
		}
		b := &ServiceSpec{
			Name:       "b",
			Command:    "/bin/true",
			StartAfter: []string{"a"},
			Restart:    RestartPolicy{Strategy: RestartNever},
		}
		engine, err := NewEngine([]*ServiceSpec{a, b}, nil, nil)
		So(err, ShouldBeNil)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		code := engine.Run(ctx)

		So(code, ShouldEqual, 0)
		ha, _ := engine.Repository.Get("a")
		hb, _ := engine.Repository.Get("b")
		So(ha.Snapshot().Status, ShouldEqual, FinishedSuccess)
		So(hb.Snapshot().Status, ShouldEqual, FinishedSuccess)
	})
}

// TestEngineFailureAttemptCap exercises spec.md §8 scenario 3: a failing
// command under OnFailure with a finite attempt cap ends FinishedFailed
// after exactly max_attempts spawns, and exit code 1.
func TestEngineFailureAttemptCap(t *testing.T) {
	Convey("A service that always fails exhausts its attempt cap and the engine exits 1", t, func() {
		spec := &ServiceSpec{
			Name:    "flaky",
			Command: "/bin/false",
			Restart: RestartPolicy{Strategy: RestartOnFailure, Backoff: 10 * time.Millisecond, MaxAttempts: 3},
			Failure: FailureSpec{Strategy: FailureIgnore},
		}
		engine, err := NewEngine([]*ServiceSpec{spec}, nil, nil)
		So(err, ShouldBeNil)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		code := engine.Run(ctx)

		So(code, ShouldEqual, 1)
		h, _ := engine.Repository.Get("flaky")
		snap := h.Snapshot()
		So(snap.Status, ShouldEqual, FinishedFailed)
		So(snap.StartAttempts, ShouldEqual, 3)
	})
}

// TestEnginePanicInWorker exercises spec.md §7's PanicInWorker: a
// recovered worker panic latches Engine.didPanic and publishes an
// engine-wide ShutdownInitiated(InternalError), rather than propagating
// past recover and crashing the process.
func TestEnginePanicInWorker(t *testing.T) {
	Convey("A recovered worker panic latches didPanic and announces an internal-error shutdown", t, func() {
		spec := &ServiceSpec{
			Name:    "a",
			Command: "/bin/true",
			Restart: RestartPolicy{Strategy: RestartNever},
		}
		engine, err := NewEngine([]*ServiceSpec{spec}, nil, nil)
		So(err, ShouldBeNil)

		events := engine.Bus.Subscribe()
		So(engine.didPanic(), ShouldBeFalse)

		func() {
			defer engine.recoverWorker()
			panic("simulated worker panic")
		}()

		So(engine.didPanic(), ShouldBeTrue)

		ev := recvWithin(t, events)
		So(ev.Kind, ShouldEqual, KindShutdownInitiated)
		So(ev.Reason, ShouldEqual, ReasonInternalError)
	})
}

// TestBusSaturationPanicsDispatch exercises spec.md §7's BusSaturation:
// a subscriber that never drains its queue makes dispatch panic past
// busSaturationTimeout, observable via Bus.Saturated() rather than a
// process crash.
func TestBusSaturationPanicsDispatch(t *testing.T) {
	Convey("A wedged subscriber trips Bus.Saturated instead of hanging dispatch forever", t, func() {
		prev := busSaturationTimeout
		busSaturationTimeout = 50 * time.Millisecond
		defer func() { busSaturationTimeout = prev }()

		b := &Bus{in: make(chan Event, busQueueDepth), saturated: make(chan struct{})}
		go b.dispatch()
		defer b.Close()

		// A zero-capacity, never-read subscriber queue is wedged from
		// its very first delivery.
		b.mu.Lock()
		b.subscribers = append(b.subscribers, make(chan Event))
		b.mu.Unlock()

		done := make(chan struct{})
		go func() {
			close(done)
			b.Publish(SpawnRequest("x"))
		}()
		<-done

		select {
		case <-b.Saturated():
		case <-time.After(2 * time.Second):
			t.Fatal("Bus.Saturated never closed")
		}
	})
}
