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
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestHealthProbeANDsVariants(t *testing.T) {
	Convey("A probe is healthy only when every configured variant reports healthy", t, func() {
		okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer okSrv.Close()
		badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer badSrv.Close()

		dir := t.TempDir()
		readyFile := filepath.Join(dir, "ready")
		So(os.WriteFile(readyFile, []byte("1"), 0o644), ShouldBeNil)

		coord := NewHealthCoordinator(NewRepository(NewBus()), NewBus(), nil)

		So(coord.probe("svc", &ServiceSpec{Healthiness: &HealthinessSpec{HTTPEndpoint: okSrv.URL, FilePath: readyFile}}), ShouldBeTrue)
		So(coord.probe("svc", &ServiceSpec{Healthiness: &HealthinessSpec{HTTPEndpoint: badSrv.URL, FilePath: readyFile}}), ShouldBeFalse)

		missing := filepath.Join(dir, "missing")
		So(coord.probe("svc", &ServiceSpec{Healthiness: &HealthinessSpec{HTTPEndpoint: okSrv.URL, FilePath: missing}}), ShouldBeFalse)

		So(coord.probe("svc", &ServiceSpec{}), ShouldBeTrue)
	})
}

func TestHealthCoordinatorEmitsResultForEligibleService(t *testing.T) {
	Convey("tick probes every Started/Running service with a configured probe", t, func() {
		okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer okSrv.Close()

		bus := NewBus()
		repo := NewRepository(bus)
		repo.Add(&ServiceSpec{Name: "svc", Command: "x", Healthiness: &HealthinessSpec{HTTPEndpoint: okSrv.URL, MaxFailed: 3}})
		repo.WithHandle("svc", func(h *ServiceHandle) bool { h.status = Running; return true })

		coord := NewHealthCoordinator(repo, bus, nil)
		events := bus.Subscribe()

		coord.tick()

		var result Event
		for i := 0; i < 8; i++ {
			ev := recvWithin(t, events)
			if ev.Kind == KindHealthCheckResult {
				result = ev
				break
			}
		}
		So(result.ServiceName, ShouldEqual, "svc")
		So(result.Healthy, ShouldBeTrue)
	})
}

// TestHealthProbeLogsIOFailure exercises spec.md §7's ProbeError: an
// HTTP probe that can't even complete the request (as opposed to
// reporting a non-2xx response) is wrapped and logged, not swallowed.
func TestHealthProbeLogsIOFailure(t *testing.T) {
	Convey("An HTTP probe I/O failure is logged as a ProbeError", t, func() {
		core, logs := observer.New(zap.WarnLevel)
		coord := NewHealthCoordinator(NewRepository(NewBus()), NewBus(), zap.New(core))

		healthy := coord.probe("svc", &ServiceSpec{Healthiness: &HealthinessSpec{HTTPEndpoint: "http://127.0.0.1:1"}})

		So(healthy, ShouldBeFalse)
		entries := logs.All()
		So(len(entries), ShouldBeGreaterThan, 0)
		So(entries[0].Message, ShouldEqual, "probe failed")
	})
}
