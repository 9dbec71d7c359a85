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
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Reaper is component E: the Signal & Reaper Loop. It owns the one
// signal.Notify registration for the whole process (Go multiplexes
// SIGCHLD/SIGTERM/SIGINT/SIGQUIT onto a single buffered channel rather
// than the self-pipe spec.md §4.5 describes, which is the same
// mechanism under the hood -- os/signal already guarantees no signal is
// lost to handler re-entrancy, satisfying the "reliably received"
// requirement without hand-rolling one).
type Reaper struct {
	repo Pidder
	bus  Publisher
	isPid1 bool
}

// Pidder is the slice of Repository the reaper needs: mapping a reaped
// pid back to the service that owns it.
type Pidder interface {
	FindByPid(pid int) (string, bool)
}

// NewReaper wires a Reaper against repo and bus. isPid1 enables the
// final orphan-flushing sweep spec.md §4.5 describes for when this
// process itself is PID 1.
func NewReaper(repo Pidder, bus Publisher, isPid1 bool) *Reaper {
	return &Reaper{repo: repo, bus: bus, isPid1: isPid1}
}

// Run registers for SIGCHLD/SIGTERM/SIGINT/SIGQUIT and services them
// until ctx is cancelled. On SIGTERM/SIGINT/SIGQUIT it publishes
// ShutdownInitiated; on SIGCHLD it reaps every exited child with
// waitpid(-1, WNOHANG), publishing ProcessExited for tracked services
// and OrphanReaped for everything else.
func (r *Reaper) Run(ctx context.Context) {
	sigCh := make(chan os.Signal, 32)
	signal.Notify(sigCh, syscall.SIGCHLD, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGCHLD:
				r.reapAll()
			case syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT:
				r.bus.Publish(ShutdownInitiated(ReasonOperatorSignal, ""))
			}
		}
	}
}

// reapAll drains every exited child in a tight waitpid(-1, WNOHANG)
// loop, per original_source's runtime/reaper.rs.
func (r *Reaper) reapAll() {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		exitStatus := exitStatusOf(status)
		if name, ok := r.repo.FindByPid(pid); ok {
			r.bus.Publish(ProcessExited(name, pid, exitStatus))
		} else {
			r.bus.Publish(OrphanReaped(pid, exitStatus))
		}
	}
}

// exitStatusOf extracts a shell-style exit status from a wait4 result:
// the exit code when the child exited normally, 128+signal when it was
// killed by a signal.
func exitStatusOf(status syscall.WaitStatus) int {
	switch {
	case status.Exited():
		return status.ExitStatus()
	case status.Signaled():
		return 128 + int(status.Signal())
	default:
		return -1
	}
}

// FinalSweep implements the PID-1 end-of-life flush spec.md §4.5
// describes: once every handle is terminal, ask the whole remaining
// process-group-of-process-groups to go away before the supervisor
// itself exits, catching any double-forked descendant that slipped
// past its own service's process group.
func (r *Reaper) FinalSweep() {
	if !r.isPid1 {
		return
	}
	_ = syscall.Kill(-1, syscall.SIGTERM)
	time.Sleep(time.Second)
	_ = syscall.Kill(-1, syscall.SIGKILL)
}
