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

// Package httpstatus is the supervisor's read-only HTTP surface
// (SPEC_FULL.md §6): service listing, per-service status, recent log
// tail, and a websocket feed of every bus event. It never mutates
// anything -- start/stop belongs to the control package's UNIX socket,
// not this surface. Grounded on the teacher's restapi/ package (the
// same "wrap a *govisor.Manager in a read-mostly JSON API" shape),
// rebuilt on gorilla/mux and gorilla/websocket since that's the rest of
// the pack's HTTP stack rather than the teacher's hand-rolled router.
package httpstatus

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	horust "github.com/FedericoPonzi/Horust"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Repository is the narrow slice of *horust.Repository this surface
// reads.
type Repository interface {
	Names() []string
	Get(name string) (*horust.ServiceHandle, error)
	Snapshot() []horust.HandleSnapshot
}

// RingLog is the narrow slice of *horust.RingLog the log-tail endpoint
// reads.
type RingLog interface {
	Recent(name string, since int64) ([]horust.LogRecord, int64)
}

// Server is the HTTP status surface: GET /services, GET
// /services/{name}, GET /services/{name}/log, GET /events.
type Server struct {
	repo Repository
	ring RingLog
	bus  *horust.Bus
	log  *zap.Logger

	router   *mux.Router
	upgrader websocket.Upgrader
}

// NewServer builds the mux.Router for repo/ring/bus. The returned
// Server implements http.Handler.
func NewServer(repo Repository, ring RingLog, bus *horust.Bus, log *zap.Logger) *Server {
	s := &Server{repo: repo, ring: ring, bus: bus, log: log}
	r := mux.NewRouter()
	r.HandleFunc("/services", s.listServices).Methods(http.MethodGet)
	r.HandleFunc("/services/{name}", s.serviceStatus).Methods(http.MethodGet)
	r.HandleFunc("/services/{name}/log", s.serviceLog).Methods(http.MethodGet)
	r.HandleFunc("/events", s.events).Methods(http.MethodGet)
	s.router = r
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.repo.Snapshot())
}

func (s *Server) serviceStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	h, err := s.repo.Get(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, h.Snapshot())
}

func (s *Server) serviceLog(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, _ = strconv.ParseInt(raw, 10, 64)
	}
	records, latest := s.ring.Recent(name, since)
	writeJSON(w, struct {
		Records []horust.LogRecord `json:"records"`
		Since   int64              `json:"since,string"`
	}{records, latest})
}

// events upgrades the connection to a websocket and streams every bus
// event as a JSON object until the client disconnects or ctx is done.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.log != nil {
			s.log.Warn("httpstatus: websocket upgrade failed", zap.Error(err))
		}
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// A reader goroutine exists solely to notice the peer closing the
	// connection -- this endpoint never accepts client messages.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(toWireEvent(ev)); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wireEvent is the JSON-friendly projection of horust.Event sent over
// the websocket feed.
type wireEvent struct {
	Kind        string    `json:"kind"`
	At          time.Time `json:"at"`
	ServiceName string    `json:"service_name,omitempty"`
	Pid         int       `json:"pid,omitempty"`
	ExitStatus  int       `json:"exit_status,omitempty"`
	Healthy     bool      `json:"healthy,omitempty"`
	NewState    string    `json:"new_state,omitempty"`
}

func toWireEvent(ev horust.Event) wireEvent {
	w := wireEvent{
		Kind:        ev.Kind.String(),
		At:          ev.At,
		ServiceName: ev.ServiceName,
		Pid:         ev.Pid,
		ExitStatus:  ev.ExitStatus,
		Healthy:     ev.Healthy,
	}
	if ev.Kind == horust.KindServiceStateChanged {
		w.NewState = ev.NewState.String()
	}
	return w
}
