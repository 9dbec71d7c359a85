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
	"fmt"
	"time"
)

// SinkKind selects where a service's stdout/stderr go.
type SinkKind int

const (
	SinkInherit SinkKind = iota
	SinkFile
)

// Sink describes one stdout/stderr destination.
type Sink struct {
	Kind       SinkKind
	Path       string // file path, when Kind == SinkFile
	RotateSize int64  // bytes; 0 disables rotation
	Timestamp  bool   // suffix the filename with a timestamp on rotation
}

// RestartStrategy is a ServiceSpec's restart policy, spec.md §3/§4.3.
type RestartStrategy int

const (
	RestartAlways RestartStrategy = iota
	RestartOnFailure
	RestartNever
)

func (s RestartStrategy) String() string {
	switch s {
	case RestartAlways:
		return "always"
	case RestartOnFailure:
		return "on-failure"
	case RestartNever:
		return "never"
	default:
		return "unknown"
	}
}

// RestartPolicy bundles a service's restart strategy with its backoff
// and attempt cap (spec.md §3, §4.3).
type RestartPolicy struct {
	Strategy    RestartStrategy
	Backoff     time.Duration
	MaxAttempts int // 0 means "unlimited" under Always, "never" otherwise; see SPEC_FULL.md Open Questions.
}

// FailureStrategy governs what happens engine-wide when a service ends
// in FinishedFailed (spec.md §4.3 "Failure-strategy propagation").
type FailureStrategy int

const (
	FailureIgnore FailureStrategy = iota
	FailureKillDependents
	FailureShutdown
)

// FailureSpec pairs the set of exit codes considered successful with
// the propagation strategy to apply on terminal failure.
type FailureSpec struct {
	SuccessfulExitCodes map[int]bool
	Strategy            FailureStrategy
}

// IsSuccessfulExit reports whether code counts as success for this
// service. An empty SuccessfulExitCodes set defaults to "0 only".
func (f FailureSpec) IsSuccessfulExit(code int) bool {
	if len(f.SuccessfulExitCodes) == 0 {
		return code == 0
	}
	return f.SuccessfulExitCodes[code]
}

// TerminationSpec governs how a service is asked, then forced, to stop.
type TerminationSpec struct {
	Signal       int // syscall.SIGTERM etc; 0 means SIGTERM
	Wait         time.Duration
	DieIfFailed  []string // service names whose FinishedFailed triggers our own shutdown
}

// EnvironmentPolicy governs the child's environment composition
// (spec.md §3, §4.4). Precedence, low to high: baseline keys, keep_env,
// re_export, additional -- matching original_source's
// Environment.get_environment in src/horust/formats/service.rs.
type EnvironmentPolicy struct {
	KeepEnv   bool
	ReExport  []string
	Additional map[string]string
}

// HealthinessSpec configures the optional health probe. Any subset of
// HTTPEndpoint / FilePath / Command may be set; all configured variants
// must report healthy for one HealthCheckResult(Healthy) -- spec.md §4.6
// and the pinned Open Question decision in SPEC_FULL.md.
type HealthinessSpec struct {
	HTTPEndpoint string
	FilePath     string
	Command      string
	MaxFailed    int // default 3, applied by ServiceSpec.Validate if unset
}

// ResourceLimits is the cgroup-like limit bundle passed to a
// LimitApplier immediately after spawn (spec.md §1, §5; SPEC_FULL.md §4.9).
type ResourceLimits struct {
	CPUFraction float64 // 0 < f <= number of cores; 0 means unset
	MemoryBytes uint64
	PidCount    uint64
}

// ServiceSpec is immutable once loaded (spec.md §3). The loader package
// is responsible for producing validated values; Validate and
// ValidateSet below exist so the core can also construct and check specs
// directly (notably for the CLI's ad-hoc "-- command args..." mode and
// for tests).
type ServiceSpec struct {
	Name             string
	Command          string
	WorkingDirectory string
	User             string
	StartDelay       time.Duration
	StartAfter       []string
	StdoutSink       Sink
	StderrSink       Sink
	Environment      EnvironmentPolicy
	Restart          RestartPolicy
	Healthiness      *HealthinessSpec
	Failure          FailureSpec
	Termination      TerminationSpec
	SignalRewrite    map[int]int
	ResourceLimits   *ResourceLimits
}

// rewriteSignal applies SignalRewrite, returning sig unchanged if no
// rewrite is configured for it.
func (s *ServiceSpec) rewriteSignal(sig int) int {
	if s.SignalRewrite == nil {
		return sig
	}
	if r, ok := s.SignalRewrite[sig]; ok {
		return r
	}
	return sig
}

// Validate checks the per-service invariants spec.md §3 assigns to load
// time: a non-empty name and command, and (via ValidateSet below) unique
// names and acyclic, resolvable start_after.
func (s *ServiceSpec) Validate() error {
	if s.Name == "" {
		return &ConfigError{Reason: "service name must not be empty"}
	}
	if s.Command == "" {
		return &ConfigError{Service: s.Name, Reason: "command must not be empty"}
	}
	if s.Restart.MaxAttempts < 0 {
		return &ConfigError{Service: s.Name, Reason: "restart.attempts must be >= 0"}
	}
	if h := s.Healthiness; h != nil {
		if h.HTTPEndpoint == "" && h.FilePath == "" && h.Command == "" {
			return &ConfigError{Service: s.Name, Reason: "healthiness section present but no variant configured"}
		}
		if h.MaxFailed <= 0 {
			h.MaxFailed = 3
		}
	}
	return nil
}

// ValidateSet checks the cross-service invariants: unique names (#1),
// and that start_after is acyclic and resolves to loaded services (#2).
// This is the engine's one defense against a misbehaving loader -- spec
// §3 invariant 2 says the engine "MUST detect and refuse on insert".
func ValidateSet(specs []*ServiceSpec) error {
	byName := make(map[string]*ServiceSpec, len(specs))
	for _, s := range specs {
		if _, dup := byName[s.Name]; dup {
			return &ConfigError{Service: s.Name, Reason: "duplicate service name"}
		}
		byName[s.Name] = s
	}
	for _, s := range specs {
		for _, dep := range s.StartAfter {
			if _, ok := byName[dep]; !ok {
				return &ConfigError{Service: s.Name, Reason: fmt.Sprintf("start_after references unknown service %q", dep)}
			}
		}
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(specs))
	var visit func(name string, stack []string) error
	visit = func(name string, stack []string) error {
		switch color[name] {
		case black:
			return nil
		case grey:
			return &ConfigError{Service: name, Reason: fmt.Sprintf("cyclic start_after: %v", append(stack, name))}
		}
		color[name] = grey
		for _, dep := range byName[name].StartAfter {
			if err := visit(dep, append(stack, name)); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for _, s := range specs {
		if color[s.Name] == white {
			if err := visit(s.Name, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
