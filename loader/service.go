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

// Package loader turns on-disk TOML service files and a YAML engine
// configuration into validated horust.ServiceSpec / EngineConfig
// values, applying ${VAR}/$VAR template expansion first.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	horust "github.com/FedericoPonzi/Horust"
)

// tomlService mirrors the on-disk service file schema (spec.md §6),
// grounded on original_source's Service/Restart/Healthiness/Failure/
// Environment/Termination structs (src/horust/formats/service.rs),
// kebab-case field names preserved via BurntSushi/toml struct tags.
type tomlService struct {
	Command          string              `toml:"command"`
	User             string              `toml:"user"`
	WorkingDirectory string              `toml:"working-directory"`
	StartDelay       string              `toml:"start-delay"`
	StartAfter       []string            `toml:"start-after"`
	SignalRewrite    map[string]string   `toml:"signal-rewrite"`
	Stdout           string              `toml:"stdout"`
	Stderr           string              `toml:"stderr"`
	StdoutRotateSize int64               `toml:"stdout-rotate-size"`
	StderrRotateSize int64               `toml:"stderr-rotate-size"`
	TimestampAppend  bool                `toml:"timestamp-append"`
	Restart          tomlRestart         `toml:"restart"`
	Healthiness      tomlHealthiness     `toml:"healthiness"`
	Failure          tomlFailure         `toml:"failure"`
	Environment      tomlEnvironment     `toml:"environment"`
	Termination      tomlTermination     `toml:"termination"`
	ResourceLimits   *tomlResourceLimits `toml:"resource-limits"`
}

type tomlRestart struct {
	Strategy string `toml:"strategy"`
	Backoff  string `toml:"backoff"`
	Attempts int    `toml:"attempts"`
}

type tomlHealthiness struct {
	HTTPEndpoint string `toml:"http-endpoint"`
	FilePath     string `toml:"file-path"`
	Command      string `toml:"command"`
	MaxFailed    int    `toml:"max-failed"`
}

type tomlFailure struct {
	SuccessfulExitCode []int  `toml:"successful-exit-code"`
	Strategy           string `toml:"strategy"`
}

type tomlEnvironment struct {
	KeepEnv    bool              `toml:"keep-env"`
	ReExport   []string          `toml:"re-export"`
	Additional map[string]string `toml:"additional"`
}

type tomlTermination struct {
	Signal      string   `toml:"signal"`
	Wait        string   `toml:"wait"`
	DieIfFailed []string `toml:"die-if-failed"`
}

type tomlResourceLimits struct {
	CPUFraction float64 `toml:"cpu-fraction"`
	MemoryBytes uint64  `toml:"memory-bytes"`
	PidCount    uint64  `toml:"pid-count"`
}

// defaultTerminationWait is used when a service file omits
// termination.wait and LoadServiceFile/LoadServicesDir was not given an
// engine-level default via the *WithDefaultWait variants.
const defaultTerminationWait = 10 * time.Second

// LoadServiceFile reads, template-expands, and parses one service file.
// The service's name defaults to the file name minus its extension.
// Unknown fields are a load-time error (spec.md §6).
func LoadServiceFile(path string) (*horust.ServiceSpec, error) {
	return LoadServiceFileWithDefaultWait(path, defaultTerminationWait)
}

// LoadServiceFileWithDefaultWait is LoadServiceFile, but a service file
// omitting termination.wait gets defaultWait (the engine's
// timeout-before-sigkill) rather than the package's own fallback.
func LoadServiceFileWithDefaultWait(path string, defaultWait time.Duration) (*horust.ServiceSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded, err := expandTemplate(string(raw))
	if err != nil {
		return nil, &horust.ConfigError{Service: path, Reason: err.Error()}
	}

	var t tomlService
	meta, err := toml.Decode(expanded, &t)
	if err != nil {
		return nil, &horust.ConfigError{Service: path, Reason: err.Error()}
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, &horust.ConfigError{Service: path, Reason: "unknown field(s): " + strings.Join(keys, ", ")}
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return toSpec(name, t, defaultWait)
}

// LoadServicesDir loads every *.toml file across the given directories
// (or individual file paths) with the package's default
// termination-wait fallback. Directories are merged; files are
// processed in a stable, sorted order so repeated loads are
// deterministic.
func LoadServicesDir(paths []string) ([]*horust.ServiceSpec, error) {
	return LoadServicesDirWithDefaultWait(paths, defaultTerminationWait)
}

// LoadServicesDirWithDefaultWait is LoadServicesDir, but every loaded
// service file omitting termination.wait gets defaultWait.
func LoadServicesDirWithDefaultWait(paths []string, defaultWait time.Duration) ([]*horust.ServiceSpec, error) {
	var files []string
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !fi.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".toml" {
				continue
			}
			files = append(files, filepath.Join(p, e.Name()))
		}
	}
	sort.Strings(files)

	specs := make([]*horust.ServiceSpec, 0, len(files))
	for _, f := range files {
		spec, err := LoadServiceFileWithDefaultWait(f, defaultWait)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// FromCommand builds an ad-hoc ServiceSpec for the CLI's positional
// "-- command args..." override (spec.md §6), bypassing file loading
// entirely.
func FromCommand(command string) *horust.ServiceSpec {
	return &horust.ServiceSpec{
		Name:             command,
		Command:          command,
		WorkingDirectory: "/",
		Restart:          horust.RestartPolicy{Strategy: horust.RestartNever},
		Failure:          horust.FailureSpec{Strategy: horust.FailureIgnore},
	}
}

func toSpec(name string, t tomlService, defaultWait time.Duration) (*horust.ServiceSpec, error) {
	startDelay, err := parseDuration(t.StartDelay)
	if err != nil {
		return nil, &horust.ConfigError{Service: name, Reason: "start-delay: " + err.Error()}
	}
	backoff, err := parseDuration(t.Restart.Backoff)
	if err != nil {
		return nil, &horust.ConfigError{Service: name, Reason: "restart.backoff: " + err.Error()}
	}
	wait, err := parseDuration(t.Termination.Wait)
	if err != nil {
		return nil, &horust.ConfigError{Service: name, Reason: "termination.wait: " + err.Error()}
	}
	if wait == 0 {
		wait = defaultWait
	}

	strategy, err := restartStrategyByName(t.Restart.Strategy)
	if err != nil {
		return nil, &horust.ConfigError{Service: name, Reason: err.Error()}
	}
	failureStrategy, err := failureStrategyByName(t.Failure.Strategy)
	if err != nil {
		return nil, &horust.ConfigError{Service: name, Reason: err.Error()}
	}

	signal := 0
	if t.Termination.Signal != "" {
		signal, err = signalByName(t.Termination.Signal)
		if err != nil {
			return nil, &horust.ConfigError{Service: name, Reason: err.Error()}
		}
	}

	rewrite := map[int]int{}
	for from, to := range t.SignalRewrite {
		fsig, err := signalByName(from)
		if err != nil {
			return nil, &horust.ConfigError{Service: name, Reason: err.Error()}
		}
		tsig, err := signalByName(to)
		if err != nil {
			return nil, &horust.ConfigError{Service: name, Reason: err.Error()}
		}
		rewrite[fsig] = tsig
	}

	successCodes := map[int]bool{}
	for _, c := range t.Failure.SuccessfulExitCode {
		successCodes[c] = true
	}

	var healthiness *horust.HealthinessSpec
	if t.Healthiness.HTTPEndpoint != "" || t.Healthiness.FilePath != "" || t.Healthiness.Command != "" {
		healthiness = &horust.HealthinessSpec{
			HTTPEndpoint: t.Healthiness.HTTPEndpoint,
			FilePath:     t.Healthiness.FilePath,
			Command:      t.Healthiness.Command,
			MaxFailed:    t.Healthiness.MaxFailed,
		}
	}

	var limits *horust.ResourceLimits
	if t.ResourceLimits != nil {
		limits = &horust.ResourceLimits{
			CPUFraction: t.ResourceLimits.CPUFraction,
			MemoryBytes: t.ResourceLimits.MemoryBytes,
			PidCount:    t.ResourceLimits.PidCount,
		}
	}

	spec := &horust.ServiceSpec{
		Name:             name,
		Command:          t.Command,
		User:             t.User,
		WorkingDirectory: t.WorkingDirectory,
		StartDelay:       startDelay,
		StartAfter:       t.StartAfter,
		StdoutSink:       sinkFrom(t.Stdout, t.StdoutRotateSize, t.TimestampAppend),
		StderrSink:       sinkFrom(t.Stderr, t.StderrRotateSize, t.TimestampAppend),
		Environment: horust.EnvironmentPolicy{
			KeepEnv:    t.Environment.KeepEnv,
			ReExport:   t.Environment.ReExport,
			Additional: t.Environment.Additional,
		},
		Restart: horust.RestartPolicy{
			Strategy:    strategy,
			Backoff:     backoff,
			MaxAttempts: t.Restart.Attempts,
		},
		Healthiness: healthiness,
		Failure: horust.FailureSpec{
			SuccessfulExitCodes: successCodes,
			Strategy:            failureStrategy,
		},
		Termination: horust.TerminationSpec{
			Signal:      signal,
			Wait:        wait,
			DieIfFailed: t.Termination.DieIfFailed,
		},
		SignalRewrite:  rewrite,
		ResourceLimits: limits,
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func sinkFrom(path string, rotateSize int64, timestamp bool) horust.Sink {
	if path == "" || path == "STDOUT" || path == "STDERR" {
		return horust.Sink{Kind: horust.SinkInherit}
	}
	return horust.Sink{Kind: horust.SinkFile, Path: path, RotateSize: rotateSize, Timestamp: timestamp}
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func restartStrategyByName(s string) (horust.RestartStrategy, error) {
	switch strings.ToLower(s) {
	case "", "never":
		return horust.RestartNever, nil
	case "always":
		return horust.RestartAlways, nil
	case "on-failure", "onfailure":
		return horust.RestartOnFailure, nil
	default:
		return 0, fmt.Errorf("unknown restart strategy %q", s)
	}
}

func failureStrategyByName(s string) (horust.FailureStrategy, error) {
	switch strings.ToLower(s) {
	case "", "ignore":
		return horust.FailureIgnore, nil
	case "kill-dependents", "killdependents":
		return horust.FailureKillDependents, nil
	case "shutdown":
		return horust.FailureShutdown, nil
	default:
		return 0, fmt.Errorf("unknown failure strategy %q", s)
	}
}

var signalNames = map[string]int{
	"HUP": 1, "INT": 2, "QUIT": 3, "KILL": 9,
	"USR1": 10, "USR2": 12, "TERM": 15,
}

func signalByName(s string) (int, error) {
	s = strings.ToUpper(strings.TrimPrefix(s, "SIG"))
	if n, ok := signalNames[s]; ok {
		return n, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	return 0, fmt.Errorf("unknown signal %q", s)
}

// SampleService returns the text of a sample service file, for the
// CLI's --sample-service flag (spec.md §6).
func SampleService() string {
	return `command = "/bin/bash -c 'echo hello world'"
working-directory = "/tmp/"
start-delay = "2s"
start-after = ["another.toml", "second.toml"]
user = "root"

[restart]
strategy = "never"
backoff = "0s"
attempts = 0

[healthiness]
http-endpoint = "http://localhost:8080/healthcheck"
file-path = "/var/myservice/up"

[failure]
successful-exit-code = [0, 1, 255]
strategy = "ignore"

[environment]
keep-env = false
re-export = ["PATH", "DB_PASS"]
additional = { key = "value" }

[termination]
signal = "TERM"
wait = "10s"
die-if-failed = ["db"]
`
}
