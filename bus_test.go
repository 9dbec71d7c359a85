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

func TestBusFanOut(t *testing.T) {
	Convey("A Bus delivers every event to every subscriber in order", t, func() {
		b := NewBus()
		defer b.Close()

		c1 := b.Subscribe()
		c2 := b.Subscribe()

		b.Publish(SpawnRequest("one"))
		b.Publish(SpawnRequest("two"))

		for _, ch := range []<-chan Event{c1, c2} {
			ev := recvWithin(t, ch)
			So(ev.ServiceName, ShouldEqual, "one")
			ev = recvWithin(t, ch)
			So(ev.ServiceName, ShouldEqual, "two")
		}
	})

	Convey("A subscriber registered after Publish never sees past events", t, func() {
		b := NewBus()
		defer b.Close()

		b.Publish(SpawnRequest("before"))
		ch := b.Subscribe()
		b.Publish(SpawnRequest("after"))

		ev := recvWithin(t, ch)
		So(ev.ServiceName, ShouldEqual, "after")
	})
}

func recvWithin(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}
