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

func TestShouldRestart(t *testing.T) {
	Convey("RestartAlways retries unless max_attempts is reached", t, func() {
		spec := &ServiceSpec{Restart: RestartPolicy{Strategy: RestartAlways, MaxAttempts: 3}}
		h := &ServiceHandle{startAttempts: 2}
		So(shouldRestart(spec, h, Success), ShouldBeTrue)
		h.startAttempts = 3
		So(shouldRestart(spec, h, Success), ShouldBeFalse)
	})

	Convey("RestartAlways with max_attempts 0 means unlimited", t, func() {
		spec := &ServiceSpec{Restart: RestartPolicy{Strategy: RestartAlways, MaxAttempts: 0}}
		h := &ServiceHandle{startAttempts: 1000}
		So(shouldRestart(spec, h, Failed), ShouldBeTrue)
	})

	Convey("RestartOnFailure never restarts after a clean Success", t, func() {
		spec := &ServiceSpec{Restart: RestartPolicy{Strategy: RestartOnFailure, MaxAttempts: 5}}
		h := &ServiceHandle{startAttempts: 0}
		So(shouldRestart(spec, h, Success), ShouldBeFalse)
	})

	Convey("RestartOnFailure with max_attempts 0 never restarts", t, func() {
		spec := &ServiceSpec{Restart: RestartPolicy{Strategy: RestartOnFailure, MaxAttempts: 0}}
		h := &ServiceHandle{startAttempts: 0}
		So(shouldRestart(spec, h, Failed), ShouldBeFalse)
	})

	Convey("RestartNever only retries a failure that never reached Running", t, func() {
		spec := &ServiceSpec{Restart: RestartPolicy{Strategy: RestartNever, MaxAttempts: 2}}
		h := &ServiceHandle{startAttempts: 0, reachedRunning: false}
		So(shouldRestart(spec, h, Failed), ShouldBeTrue)

		h.reachedRunning = true
		So(shouldRestart(spec, h, Failed), ShouldBeFalse)

		h.reachedRunning = false
		h.startAttempts = 2
		So(shouldRestart(spec, h, Failed), ShouldBeFalse)
	})

	Convey("RestartNever never restarts after Success", t, func() {
		spec := &ServiceSpec{Restart: RestartPolicy{Strategy: RestartNever, MaxAttempts: 5}}
		h := &ServiceHandle{}
		So(shouldRestart(spec, h, Success), ShouldBeFalse)
	})
}

func TestRestartDelay(t *testing.T) {
	Convey("restartDelay is backoff*attempts + start_delay", t, func() {
		spec := &ServiceSpec{
			StartDelay: 2 * time.Second,
			Restart:    RestartPolicy{Backoff: 500 * time.Millisecond},
		}
		So(restartDelay(spec, 0), ShouldEqual, 2*time.Second)
		So(restartDelay(spec, 3), ShouldEqual, 2*time.Second+1500*time.Millisecond)
	})
}

func TestServiceHandleReadyAt(t *testing.T) {
	Convey("NewServiceHandle sets readyAt to now + start_delay", t, func() {
		before := time.Now()
		spec := &ServiceSpec{Name: "svc", StartDelay: 50 * time.Millisecond}
		h := NewServiceHandle(spec)
		So(h.ReadyAt().After(before), ShouldBeTrue)
		So(h.ReadyAt().Before(before.Add(time.Second)), ShouldBeTrue)
	})
}
