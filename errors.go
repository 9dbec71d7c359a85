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

import "errors"

// Sentinel errors returned by the Repository and state machine. Spawn,
// probe, and signal-delivery failures are not sentinel errors: they carry
// the underlying OS error and are wrapped in SpawnError / ProbeError.
var (
	ErrNoSuchService  = errors.New("horust: no such service")
	ErrAlreadyExists  = errors.New("horust: service already defined")
	ErrCyclicDepends  = errors.New("horust: cyclic start_after dependency")
	ErrUnknownDepends = errors.New("horust: start_after references an unknown service")
	ErrNotInitial     = errors.New("horust: operator restart requires a terminal service")

	// ErrBusSaturation is the panic value a wedged bus consumer produces
	// (bus.go's dispatch, past busSaturationTimeout). It is deliberately
	// never returned as an ordinary error: spec.md §7 treats
	// BusSaturation as fatal, so it only ever travels as a panic, which
	// dispatch recovers itself by closing Bus.Saturated (bus.go).
	ErrBusSaturation = errors.New("horust: bus consumer did not keep up")
)

// ConfigError is returned by the loader for any problem detected before
// the engine starts: invalid fields, cyclic start_after, unresolved
// start_after, a missing command. It is always fatal at load time.
type ConfigError struct {
	Service string
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.Service == "" {
		return "config error: " + e.Reason
	}
	return "config error in service " + e.Service + ": " + e.Reason
}

// SpawnError wraps a fork/exec failure (missing binary, permission,
// chdir, setuid). The state machine treats it as an immediate Failed
// transition and counts it against start_attempts.
type SpawnError struct {
	Service string
	Err     error
}

func (e *SpawnError) Error() string {
	return "spawn " + e.Service + ": " + e.Err.Error()
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ProbeError wraps a health-probe I/O failure or timeout. It counts as
// one unhealthy sample; it is not fatal on its own.
type ProbeError struct {
	Service string
	Variant string
	Err     error
}

func (e *ProbeError) Error() string {
	return "probe " + e.Variant + " for " + e.Service + ": " + e.Err.Error()
}

func (e *ProbeError) Unwrap() error { return e.Err }

// SignalDeliveryError wraps a failure to deliver a signal to a process
// group. ESRCH (process already dead) is swallowed by callers before
// this type is ever constructed; every other errno is wrapped here and
// logged by the caller, and the handle proceeds towards a force-kill.
type SignalDeliveryError struct {
	Service string
	Signal  int
	Err     error
}

func (e *SignalDeliveryError) Error() string {
	return "signal delivery to " + e.Service + ": " + e.Err.Error()
}

func (e *SignalDeliveryError) Unwrap() error { return e.Err }
