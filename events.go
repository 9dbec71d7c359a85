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

import "time"

// Kind identifies the payload carried by an Event.
type Kind int

const (
	KindSpawnRequest Kind = iota
	KindProcessSpawned
	KindSpawnFailed
	KindProcessExited
	KindOrphanReaped
	KindHealthCheckResult
	KindShutdownInitiated
	KindForceKillDue
	KindServiceStateChanged
	KindControlQuery
	KindControlResponse
)

func (k Kind) String() string {
	switch k {
	case KindSpawnRequest:
		return "SpawnRequest"
	case KindProcessSpawned:
		return "ProcessSpawned"
	case KindSpawnFailed:
		return "SpawnFailed"
	case KindProcessExited:
		return "ProcessExited"
	case KindOrphanReaped:
		return "OrphanReaped"
	case KindHealthCheckResult:
		return "HealthCheckResult"
	case KindShutdownInitiated:
		return "ShutdownInitiated"
	case KindForceKillDue:
		return "ForceKillDue"
	case KindServiceStateChanged:
		return "ServiceStateChanged"
	case KindControlQuery:
		return "ControlQuery"
	case KindControlResponse:
		return "ControlResponse"
	default:
		return "Unknown"
	}
}

// ShutdownReason explains why ShutdownInitiated was published.
type ShutdownReason int

const (
	ReasonOperatorSignal ShutdownReason = iota
	ReasonFailurePolicy
	ReasonInternalError
	ReasonOperatorCommand
)

func (r ShutdownReason) String() string {
	switch r {
	case ReasonOperatorSignal:
		return "operator-signal"
	case ReasonFailurePolicy:
		return "failure-policy"
	case ReasonInternalError:
		return "internal-error"
	case ReasonOperatorCommand:
		return "operator-command"
	default:
		return "unknown"
	}
}

// Event is the immutable value published on the Bus. Exactly one of the
// typed fields below is meaningful, selected by Kind. This mirrors
// original_source's single Event enum (src/horust/formats/mod.rs), kept
// as a flat struct since Go has no sum types.
type Event struct {
	Kind Kind
	At   time.Time

	// ServiceName is set for every per-service event kind.
	ServiceName string

	// ProcessSpawned / ProcessExited
	Pid        int
	ExitStatus int
	ExitedOk   bool

	// HealthCheckResult
	Healthy bool

	// ShutdownInitiated
	Reason ShutdownReason

	// ServiceStateChanged
	NewState State

	// ControlQuery / ControlResponse
	RequestID string
	Payload   []byte

	// SpawnFailed
	Err error
}

func newEvent(k Kind) Event {
	return Event{Kind: k, At: time.Now()}
}

// SpawnRequest asks the Process Runner to start name.
func SpawnRequest(name string) Event {
	e := newEvent(KindSpawnRequest)
	e.ServiceName = name
	return e
}

// ProcessSpawned announces that name is now running as pid.
func ProcessSpawned(name string, pid int) Event {
	e := newEvent(KindProcessSpawned)
	e.ServiceName = name
	e.Pid = pid
	return e
}

// SpawnFailed announces that the Process Runner could not fork/exec
// name at all (missing binary, permission, chdir, setuid -- see
// SpawnError). This is distinct from ProcessExited: the child never
// ran.
func SpawnFailed(name string, err error) Event {
	e := newEvent(KindSpawnFailed)
	e.ServiceName = name
	e.Err = err
	return e
}

// ProcessExited announces that pid exited with the given wait status.
// ServiceName is filled in by the reaper when the pid is tracked; it is
// left empty for orphans, which are published as OrphanReaped instead.
func ProcessExited(name string, pid, exitStatus int) Event {
	e := newEvent(KindProcessExited)
	e.ServiceName = name
	e.Pid = pid
	e.ExitStatus = exitStatus
	return e
}

// OrphanReaped is observable-only: a pid not owned by any tracked
// service was reaped by the PID-1 waitpid(-1) loop.
func OrphanReaped(pid, exitStatus int) Event {
	e := newEvent(KindOrphanReaped)
	e.Pid = pid
	e.ExitStatus = exitStatus
	return e
}

// HealthCheckResult reports the outcome of one AND'd probe round.
func HealthCheckResult(name string, healthy bool) Event {
	e := newEvent(KindHealthCheckResult)
	e.ServiceName = name
	e.Healthy = healthy
	return e
}

// ShutdownInitiated begins an orderly (or scoped) shutdown. When
// ServiceName is empty the shutdown is engine-wide; otherwise it is
// scoped to that one service (KillDependents / die_if_failed).
func ShutdownInitiated(reason ShutdownReason, scope string) Event {
	e := newEvent(KindShutdownInitiated)
	e.Reason = reason
	e.ServiceName = scope
	return e
}

// ForceKillDue tells the Process Runner a termination timer expired.
func ForceKillDue(name string) Event {
	e := newEvent(KindForceKillDue)
	e.ServiceName = name
	return e
}

// ServiceStateChanged is emitted by the Repository immediately after
// every handle mutation, before its lock is released.
func ServiceStateChanged(name string, s State) Event {
	e := newEvent(KindServiceStateChanged)
	e.ServiceName = name
	e.NewState = s
	return e
}
