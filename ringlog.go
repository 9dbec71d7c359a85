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

	"go.uber.org/zap/zapcore"
)

const maxLogRecords = 1000

// LogRecord is one retained line of a service's recent log history
// (SPEC_FULL.md §4.10).
type LogRecord struct {
	ID      int64     `json:"id,string"`
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// serviceRing is a fixed-capacity circular buffer of LogRecord plus the
// watchers blocked on its next write -- ported directly from the
// teacher's Log type (log.go: records/numRecords/id/cvs), generalized
// from one log shared engine-wide to one ring per service name.
type serviceRing struct {
	mu      sync.Mutex
	records []LogRecord
	count   int
	id      int64
	cvs     map[*sync.Cond]bool
}

func newServiceRing() *serviceRing {
	return &serviceRing{
		records: make([]LogRecord, maxLogRecords),
		id:      time.Now().UnixNano(),
		cvs:     make(map[*sync.Cond]bool),
	}
}

func (r *serviceRing) append(rec LogRecord) {
	r.mu.Lock()
	idx := r.count % maxLogRecords
	r.id++
	rec.ID = r.id
	r.records[idx] = rec
	r.count++
	for cv := range r.cvs {
		cv.Broadcast()
	}
	r.mu.Unlock()
}

// Recent returns up to maxLogRecords records in write order, plus the
// serial to pass as `since` on the next call. (nil, since) means
// nothing new has been written.
func (r *serviceRing) Recent(since int64) ([]LogRecord, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id == since {
		return nil, since
	}
	n := r.count
	if n > maxLogRecords {
		n = maxLogRecords
	}
	out := make([]LogRecord, 0, n)
	start := r.count - n
	for i := 0; i < n; i++ {
		out = append(out, r.records[(start+i)%maxLogRecords])
	}
	return out, r.id
}

// Watch blocks until the ring's serial advances past since, or expire
// elapses, returning the serial observed when it woke.
func (r *serviceRing) Watch(since int64, expire time.Duration) int64 {
	cv := sync.NewCond(&r.mu)
	expired := expire <= 0
	var timer *time.Timer
	if !expired {
		timer = time.AfterFunc(expire, func() {
			r.mu.Lock()
			expired = true
			cv.Broadcast()
			r.mu.Unlock()
		})
	}
	r.mu.Lock()
	r.cvs[cv] = true
	for r.id == since && !expired {
		cv.Wait()
	}
	delete(r.cvs, cv)
	latest := r.id
	r.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	return latest
}

// RingLog fans structured log entries tagged with a "service" field out
// into per-service ring buffers. It implements zapcore.Core so it tees
// alongside the engine's normal sinks (see NewLogger).
type RingLog struct {
	mu    sync.Mutex
	rings map[string]*serviceRing
}

// NewRingLog allocates an empty RingLog; per-service rings are created
// lazily on first write.
func NewRingLog() *RingLog {
	return &RingLog{rings: make(map[string]*serviceRing)}
}

func (rl *RingLog) ringFor(name string) *serviceRing {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	r, ok := rl.rings[name]
	if !ok {
		r = newServiceRing()
		rl.rings[name] = r
	}
	return r
}

// Recent returns name's recent log records, or (nil, 0) if nothing has
// ever been logged for it.
func (rl *RingLog) Recent(name string, since int64) ([]LogRecord, int64) {
	rl.mu.Lock()
	r, ok := rl.rings[name]
	rl.mu.Unlock()
	if !ok {
		return nil, 0
	}
	return r.Recent(since)
}

// Core returns a zapcore.Core view of this RingLog for NewLogger's Tee.
func (rl *RingLog) Core() zapcore.Core {
	return &ringCore{ring: rl}
}

type ringCore struct {
	ring   *RingLog
	fields []zapcore.Field
}

func (c *ringCore) Enabled(zapcore.Level) bool { return true }

func (c *ringCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &ringCore{ring: c.ring, fields: merged}
}

func (c *ringCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	return ce.AddCore(ent, c)
}

func (c *ringCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	service := ""
	for _, f := range c.fields {
		if f.Key == "service" && f.Type == zapcore.StringType {
			service = f.String
		}
	}
	for _, f := range fields {
		if f.Key == "service" && f.Type == zapcore.StringType {
			service = f.String
		}
	}
	if service == "" {
		return nil
	}
	c.ring.ringFor(service).append(LogRecord{
		Time:    ent.Time,
		Level:   ent.Level.String(),
		Message: ent.Message,
	})
	return nil
}

func (c *ringCore) Sync() error { return nil }
