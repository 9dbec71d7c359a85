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

// Package horust implements a process supervisor meant to run as PID 1
// inside a container, though it works outside of one too. It loads a set
// of declarative service definitions, starts each service's process in
// dependency order, monitors health, restarts failed services per policy,
// reaps orphaned descendants, and drives an orderly shutdown on
// termination signals.
//
// The package is built around eight small, cooperating components:
//
//	Bus           - fan-out, in-order event delivery (bus.go)
//	Repository    - the authoritative map of ServiceHandle records (repository.go)
//	state machine - per-service transitions driven by events (statemachine.go)
//	ProcessRunner - fork/exec, stdio, env, process groups (process.go)
//	reaper        - signal intake and waitpid(-1) loop (reaper.go)
//	HealthCoordinator - scheduled readiness/health probes (health.go)
//	Scheduler     - decides what is startable, applies backoff (scheduler.go)
//	ShutdownCoordinator - orderly termination with SIGKILL escalation (shutdown.go)
//
// An Engine (engine.go) owns one instance of each and runs them as
// goroutines around the Bus. Applications embed an Engine; they do not
// reimplement any of this.
package horust
