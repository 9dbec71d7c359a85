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
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// LimitApplier is the external collaborator the Process Runner calls
// immediately after spawn, while the caller still holds the only
// reference to the freshly minted pid (SPEC_FULL.md §4.9). Only root or
// an authorized user can actually install a limit; a failure here is
// logged, not fatal.
type LimitApplier interface {
	Apply(pid int, limits ResourceLimits) error
}

// NullLimitApplier is the default LimitApplier: no cgroup/rlimit backend
// configured, so every ResourceLimits is silently ignored.
type NullLimitApplier struct{}

// Apply implements LimitApplier.
func (NullLimitApplier) Apply(pid int, limits ResourceLimits) error { return nil }

// ProcessRunner is component D: it owns every fork/exec, env
// composition, stdio redirection, and group-wide signal delivery.
// Grounded on the teacher's process.go (Process.Start/shutdown/kill),
// generalized from a single long-lived *exec.Cmd with its own doWait
// goroutine to spec's design where a dedicated reaper (component E)
// reaps every child via waitpid(-1), so the runner never calls
// cmd.Wait itself.
type ProcessRunner struct {
	bus    Publisher
	repo   *Repository
	limits LimitApplier
	log    *zap.Logger

	mu  sync.Mutex
	gen map[string]*int64 // sink path -> rotation generation counter
}

// NewProcessRunner wires a ProcessRunner against repo (to resolve specs
// by name) and bus (to publish ProcessSpawned/SpawnFailed). limits may
// be nil, in which case NullLimitApplier is used. log may be nil, in
// which case a no-op logger is used.
func NewProcessRunner(repo *Repository, bus Publisher, limits LimitApplier, log *zap.Logger) *ProcessRunner {
	if limits == nil {
		limits = NullLimitApplier{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ProcessRunner{bus: bus, repo: repo, limits: limits, log: log, gen: make(map[string]*int64)}
}

// Run consumes SpawnRequest events -- emitted by the Scheduler once a
// handle's dependencies and timers are satisfied -- and spawns the
// named service, publishing ProcessSpawned or SpawnFailed.
func (p *ProcessRunner) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != KindSpawnRequest {
				continue
			}
			p.handleSpawnRequest(ev.ServiceName)
		}
	}
}

func (p *ProcessRunner) handleSpawnRequest(name string) {
	h, err := p.repo.Get(name)
	if err != nil {
		return
	}
	pid, err := p.spawn(h.Spec)
	if err != nil {
		spawnErr := &SpawnError{Service: name, Err: err}
		p.log.Warn("spawn failed", zap.String("service", name), zap.Error(spawnErr))
		p.bus.Publish(SpawnFailed(name, spawnErr))
		return
	}
	if h.Spec.ResourceLimits != nil {
		// A failed limit application is not fatal: the process is
		// already running, just left unconfined. Only root or an
		// authorized user can apply cgroup/rlimit settings anyway.
		if err := p.limits.Apply(pid, *h.Spec.ResourceLimits); err != nil {
			p.log.Warn("resource limits not applied", zap.String("service", name), zap.Error(err))
		}
	}
	p.bus.Publish(ProcessSpawned(name, pid))
}

// spawn performs spec.md §4.4's spawn operation: argv/env composition
// before fork, working directory and uid set pre-exec, a new process
// group so group-wide signals reach the whole tree, and stdio
// redirected per Sink.
func (p *ProcessRunner) spawn(spec *ServiceSpec) (int, error) {
	args, err := splitCommand(spec.Command)
	if err != nil {
		return 0, fmt.Errorf("invalid command %q: %w", spec.Command, err)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = composeEnvironment(spec.Environment)
	if spec.WorkingDirectory != "" {
		cmd.Dir = spec.WorkingDirectory
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if spec.User != "" {
		cred, err := credentialFor(spec.User)
		if err != nil {
			return 0, err
		}
		cmd.SysProcAttr.Credential = cred
	}

	stdout, err := p.openSink(spec.StdoutSink, os.Stdout)
	if err != nil {
		return 0, fmt.Errorf("stdout sink: %w", err)
	}
	cmd.Stdout = stdout

	stderr, err := p.openSink(spec.StderrSink, os.Stderr)
	if err != nil {
		return 0, fmt.Errorf("stderr sink: %w", err)
	}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	if spec.Healthiness != nil && spec.Healthiness.FilePath != "" {
		// The File probe variant watches for the service to recreate
		// this path; stale content from a prior run would otherwise
		// read as healthy immediately.
		_ = os.Remove(spec.Healthiness.FilePath)
	}

	return cmd.Process.Pid, nil
}

// openSink resolves a Sink to the io.Writer its stream should go to.
// SinkInherit passes the supervisor's own fd through; SinkFile opens the
// target path in append mode and, when RotateSize > 0, wraps it in a
// rotatingWriter so a single long-running child still gets rotated
// mid-run rather than only between restarts.
func (p *ProcessRunner) openSink(sink Sink, inherited *os.File) (io.Writer, error) {
	if sink.Kind == SinkInherit {
		return inherited, nil
	}
	path := sink.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if sink.RotateSize <= 0 {
		return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	}
	p.mu.Lock()
	gen, ok := p.gen[path]
	if !ok {
		gen = new(int64)
		p.gen[path] = gen
	}
	p.mu.Unlock()
	return newRotatingWriter(path, sink.RotateSize, sink.Timestamp, gen)
}

// rotatingWriter streams a child's stdout/stderr to path, rotating to a
// numbered (or, with Timestamp, timestamped) sibling file once the
// current file reaches rotateSize -- continuously, for as long as the
// child stays alive, rather than only checked once at spawn time.
// Grounded on original_source's process_spawner.rs splitter, which pipes
// a running child's output through chunked writes and rotates mid-stream.
type rotatingWriter struct {
	mu         sync.Mutex
	path       string
	rotateSize int64
	timestamp  bool
	gen        *int64

	f    *os.File
	size int64
}

func newRotatingWriter(path string, rotateSize int64, timestamp bool, gen *int64) (*rotatingWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &rotatingWriter{path: path, rotateSize: rotateSize, timestamp: timestamp, gen: gen, f: f, size: fi.Size()}, nil
}

// Write implements io.Writer. A write that would not fit is preceded by
// a rotation, so every individual write lands entirely in one file.
func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.size >= w.rotateSize || (w.size > 0 && w.size+int64(len(p)) > w.rotateSize) {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) rotate() error {
	if err := w.f.Close(); err != nil {
		return err
	}
	*w.gen++
	var rotated string
	if w.timestamp {
		rotated = fmt.Sprintf("%s.%d.%d", w.path, time.Now().Unix(), *w.gen)
	} else {
		rotated = fmt.Sprintf("%s.%d", w.path, *w.gen)
	}
	if err := os.Rename(w.path, rotated); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.size = 0
	return nil
}

// SendSignal implements ProcessSignaler: every signal is delivered to
// the whole process group (spec.md §4.4), never to the single pid,
// since the group is what setpgid at spawn time created. ESRCH (the
// process already exited) is not an error worth reporting.
func (p *ProcessRunner) SendSignal(pid, signal int) error {
	if err := syscall.Kill(-pid, syscall.Signal(signal)); err != nil && err != syscall.ESRCH {
		return &SignalDeliveryError{Signal: signal, Err: err}
	}
	return nil
}

// composeEnvironment implements spec.md §4.4's precedence, low to high:
// baseline keys (USER, HOSTNAME, HOME, PATH, always defined/updated),
// keep_env (the rest of the supervisor's own environment), re_export
// (pulled back in from the supervisor's environment by name), additional
// (literal overrides, highest precedence). Grounded on
// original_source's Environment::get_environment
// (src/horust/formats/service.rs).
func composeEnvironment(policy EnvironmentPolicy) []string {
	current := os.Environ()
	currentByKey := make(map[string]string, len(current))
	for _, kv := range current {
		if i := indexByte(kv, '='); i >= 0 {
			currentByKey[kv[:i]] = kv[i+1:]
		}
	}

	out := map[string]string{}
	for _, key := range []string{"USER", "HOSTNAME", "HOME", "PATH"} {
		if v, ok := currentByKey[key]; ok {
			out[key] = v
		}
	}
	if policy.KeepEnv {
		for k, v := range currentByKey {
			out[k] = v
		}
	}
	for _, key := range policy.ReExport {
		if v, ok := currentByKey[key]; ok {
			out[key] = v
		}
	}
	for k, v := range policy.Additional {
		out[k] = v
	}

	env := make([]string, 0, len(out))
	for k, v := range out {
		env = append(env, k+"="+v)
	}
	return env
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// credentialFor resolves a user spec to a syscall.Credential, for
// services that request running as a specific user. spec.md §3 allows
// either a numeric uid or a name (original_source's User enum,
// Uid(u32) | Name(String)): a string that parses as an integer is
// looked up by id, everything else by name.
func credentialFor(username string) (*syscall.Credential, error) {
	var u *user.User
	var err error
	if _, cerr := strconv.ParseUint(username, 10, 32); cerr == nil {
		u, err = user.LookupId(username)
	} else {
		u, err = user.Lookup(username)
	}
	if err != nil {
		return nil, fmt.Errorf("user lookup %q: %w", username, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, err
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

// splitCommand splits a command line into argv, honoring single- and
// double-quoted chunks (so paths and arguments containing spaces can be
// quoted) without pulling in a shell-words dependency absent from the
// example pack.
func splitCommand(command string) ([]string, error) {
	var args []string
	var cur []byte
	var quote byte
	inArg := false
	flush := func() {
		if inArg {
			args = append(args, string(cur))
			cur = cur[:0]
			inArg = false
		}
	}
	for i := 0; i < len(command); i++ {
		c := command[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur = append(cur, c)
			}
		case c == '\'' || c == '"':
			quote = c
			inArg = true
		case c == ' ' || c == '\t':
			flush()
		default:
			cur = append(cur, c)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	flush()
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return args, nil
}
