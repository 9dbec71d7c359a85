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
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultProbeInterval = time.Second
	defaultProbeTimeout  = 2 * time.Second
	defaultWorkerPool    = 8
)

// HealthCoordinator is component F: it schedules probes at a fixed
// cadence for every Started/Running handle that configures a
// HealthinessSpec, serializing each service's own probes while letting
// different services' probes run concurrently on a shared worker pool.
// Grounded on the teacher's Provider.Check() error idiom (service.go,
// provider.go), generalized from a single check variant to spec's
// AND'd HTTP/File/Command trio.
type HealthCoordinator struct {
	repo     *Repository
	bus      Publisher
	interval time.Duration
	client   *http.Client
	sem      chan struct{}
	log      *zap.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewHealthCoordinator wires a HealthCoordinator against repo and bus,
// probing every eligible service once per second on up to
// defaultWorkerPool probes at a time. log may be nil, in which case a
// no-op logger is used.
func NewHealthCoordinator(repo *Repository, bus Publisher, log *zap.Logger) *HealthCoordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &HealthCoordinator{
		repo:     repo,
		bus:      bus,
		interval: defaultProbeInterval,
		client:   &http.Client{Timeout: defaultProbeTimeout},
		sem:      make(chan struct{}, defaultWorkerPool),
		log:      log,
		inFlight: make(map[string]bool),
	}
}

// Run ticks every c.interval, launching one probe goroutine per
// eligible service that doesn't already have a probe in flight.
func (c *HealthCoordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *HealthCoordinator) tick() {
	for _, snap := range c.repo.Snapshot() {
		if snap.Status != Started && snap.Status != Running {
			continue
		}
		h, err := c.repo.Get(snap.Name)
		if err != nil || h.Spec.Healthiness == nil {
			continue
		}

		c.mu.Lock()
		busy := c.inFlight[snap.Name]
		if !busy {
			c.inFlight[snap.Name] = true
		}
		c.mu.Unlock()
		if busy {
			continue
		}

		name, spec := snap.Name, h.Spec
		go func() {
			c.sem <- struct{}{}
			healthy := c.probe(name, spec)
			<-c.sem
			c.bus.Publish(HealthCheckResult(name, healthy))
			c.mu.Lock()
			delete(c.inFlight, name)
			c.mu.Unlock()
		}()
	}
}

// probe runs every configured variant in order, short-circuiting on the
// first unhealthy result -- spec.md §4.6: a probe is Healthy iff *all*
// configured variants report healthy. A variant's I/O failure (as
// opposed to it simply reporting unhealthy) is wrapped in a ProbeError
// and logged (spec.md §7: "not fatal on its own") rather than swallowed.
func (c *HealthCoordinator) probe(name string, spec *ServiceSpec) bool {
	hc := spec.Healthiness
	if hc == nil {
		return true
	}
	if hc.HTTPEndpoint != "" {
		healthy, err := c.probeHTTP(hc.HTTPEndpoint)
		if err != nil {
			c.log.Warn("probe failed", zap.String("service", name), zap.Error(&ProbeError{Service: name, Variant: "http", Err: err}))
		}
		if !healthy {
			return false
		}
	}
	if hc.FilePath != "" && !probeFile(hc.FilePath) {
		return false
	}
	if hc.Command != "" {
		healthy, err := probeCommand(hc.Command)
		if err != nil {
			c.log.Warn("probe failed", zap.String("service", name), zap.Error(&ProbeError{Service: name, Variant: "command", Err: err}))
		}
		if !healthy {
			return false
		}
	}
	return true
}

// probeHTTP issues a HEAD request; any 2xx response is healthy. A
// non-nil error means the request itself could not be made or completed
// (DNS, connection refused, malformed endpoint) -- distinct from an
// ordinary non-2xx response, which is simply unhealthy.
func (c *HealthCoordinator) probeHTTP(endpoint string) (bool, error) {
	req, err := http.NewRequest(http.MethodHead, endpoint, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// probeFile reports whether path exists. The Process Runner unlinks it
// at spawn time, so the service must recreate it to be seen as healthy.
// A missing file is the expected not-yet-healthy case, not an error
// worth wrapping in ProbeError.
func probeFile(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// probeCommand runs command to completion under a bounded timeout; exit
// code 0 is healthy. A non-nil error means the command could not even be
// parsed or started -- an ordinary non-zero exit is simply unhealthy,
// not an error.
func probeCommand(command string) (bool, error) {
	args, err := splitCommand(command)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultProbeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	err = cmd.Run()
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		return false, nil
	}
	return false, err
}
