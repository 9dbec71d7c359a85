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

// busQueueDepth bounds each subscriber's queue. Publish blocks once a
// subscriber's queue is full -- this is spec'd backpressure, not a bug:
// "the bus never silently drops." A full queue for an unreasonably long
// time is BusSaturation (spec.md §7), detected below by dispatch itself.
const busQueueDepth = 256

// busSaturationTimeout bounds how long dispatch will wait for one
// subscriber to drain a single event. A subscriber still not keeping up
// after this long is a stuck consumer, not ordinary backpressure --
// spec.md §7's BusSaturation, "treated as fatal": dispatch panics,
// recovers that panic itself and closes Saturated, which the Engine
// (engine.go) watches so the run ends rather than hanging silently.
var busSaturationTimeout = 30 * time.Second

// Publisher is the narrow interface components use to emit events. It
// mirrors the teacher's preference (doc.go / design notes) for small,
// single-purpose interfaces over one large "bus" God-object.
type Publisher interface {
	Publish(Event)
}

// Bus is a typed, multi-producer, multi-consumer fan-out: every
// subscriber sees every published event, in publication order, with no
// coalescing. Grounded on original_source's src/horust/bus.rs (one
// input channel, N output channels, a single dispatch loop copying every
// message to every live sender) combined with the teacher's
// manager.go-style "bump a counter and notify watchers" idiom.
type Bus struct {
	mu          sync.Mutex
	subscribers []chan Event
	in          chan Event
	closed      bool

	// saturated is closed once, by dispatch's own recover, if a
	// subscriber never drains within busSaturationTimeout. dispatch
	// runs on its own goroutine outside any Engine worker, so it cannot
	// rely on Engine.recoverWorker: Saturated lets the Engine notice the
	// panic instead of the whole process dying from an unrecovered
	// panic in a detached goroutine.
	saturated chan struct{}
}

// NewBus allocates a Bus and starts its dispatch loop.
func NewBus() *Bus {
	b := &Bus{in: make(chan Event, busQueueDepth), saturated: make(chan struct{})}
	go b.dispatch()
	return b
}

// Saturated is closed if dispatch ever panics with ErrBusSaturation.
// The Engine selects on it alongside the normal terminal-state wait so
// a wedged consumer ends the run instead of hanging it forever.
func (b *Bus) Saturated() <-chan struct{} {
	return b.saturated
}

// Subscribe registers a new consumer and returns its delivery channel.
// Every event published after Subscribe returns is delivered to this
// channel; events published before are not replayed.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, busQueueDepth)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Publish enqueues ev for delivery to every current subscriber. It
// blocks if the bus's own intake queue is full, which only happens when
// the dispatch loop itself is wedged -- a fatal condition the engine
// treats as BusSaturation.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	b.in <- ev
}

// dispatch is the sole reader of the intake channel. It copies every
// event to every subscriber channel, blocking on a full subscriber
// (spec's bounded-queue backpressure) rather than dropping, up to
// busSaturationTimeout -- past that it panics with ErrBusSaturation
// rather than hang the whole bus on one wedged consumer forever.
func (b *Bus) dispatch() {
	defer func() {
		if recover() != nil {
			close(b.saturated)
		}
	}()
	for ev := range b.in {
		b.mu.Lock()
		subs := make([]chan Event, len(b.subscribers))
		copy(subs, b.subscribers)
		b.mu.Unlock()
		for _, ch := range subs {
			select {
			case ch <- ev:
			case <-time.After(busSaturationTimeout):
				panic(ErrBusSaturation)
			}
		}
	}
	b.mu.Lock()
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.mu.Unlock()
}

// Close stops accepting new publications and, once the intake queue
// drains, closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.in)
}
