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

package control

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	horust "github.com/FedericoPonzi/Horust"
	"go.uber.org/zap"
)

// Repository is the narrow slice of *horust.Repository the control
// server needs -- named so server.go can be tested against a fake.
type Repository interface {
	Names() []string
	Get(name string) (*horust.ServiceHandle, error)
	RestartService(name string) error
}

// SocketPath returns the per-process socket path under udsFolderPath,
// "horust-<pid>.sock" (spec.md §6).
func SocketPath(udsFolderPath string) string {
	return filepath.Join(udsFolderPath, fmt.Sprintf("horust-%d.sock", os.Getpid()))
}

// Server listens on a UNIX domain socket and answers status/change
// requests against a Repository and Bus, grounded on
// original_source's UdsConnectionHandler (commands/src/lib.rs): one
// goroutine accepting, one per connection, length-prefixed JSON frames.
type Server struct {
	repo Repository
	bus  horust.Publisher
	log  *zap.Logger

	path string
	ln   net.Listener

	wg sync.WaitGroup
}

// NewServer wires a Server against repo and bus. Listen must be called
// before it accepts connections.
func NewServer(repo Repository, bus horust.Publisher, log *zap.Logger) *Server {
	return &Server{repo: repo, bus: bus, log: log}
}

// Listen creates the socket at SocketPath(udsFolderPath), removing any
// stale socket file left behind by a prior, uncleanly-terminated run.
func (s *Server) Listen(udsFolderPath string) error {
	if err := os.MkdirAll(udsFolderPath, 0o755); err != nil {
		return err
	}
	path := SocketPath(udsFolderPath)
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.path = path
	s.ln = ln
	return nil
}

// Path returns the socket path Listen bound to.
func (s *Server) Path() string { return s.path }

// Serve accepts connections until ctx is cancelled or the listener is
// closed, handling each on its own goroutine. It blocks until every
// in-flight connection handler returns.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close removes the socket file after the listener itself has closed.
func (s *Server) Close() error {
	if s.path != "" {
		_ = os.Remove(s.path)
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		var req Request
		if err := readFrame(conn, &req); err != nil {
			return
		}
		resp := s.dispatch(req)
		if err := writeFrame(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Op {
	case OpStatus:
		return s.handleStatus(req)
	case OpChange:
		return s.handleChange(req)
	default:
		return Response{ID: req.ID, Error: fmt.Sprintf("unknown operation %q", req.Op)}
	}
}

func (s *Server) handleStatus(req Request) Response {
	names := []string{req.Service}
	if req.Service == "" {
		names = s.repo.Names()
	}
	statuses := make([]ServiceStatus, 0, len(names))
	for _, name := range names {
		h, err := s.repo.Get(name)
		if err != nil {
			if s.log != nil {
				s.log.Warn("control: status request for unknown service", zap.String("service", name))
			}
			continue
		}
		snap := h.Snapshot()
		statuses = append(statuses, ServiceStatus{
			Name:                 snap.Name,
			Status:               snap.Status.String(),
			Pid:                  snap.Pid,
			StartAttempts:        snap.StartAttempts,
			ConsecutiveUnhealthy: snap.ConsecutiveUnhealthy,
		})
	}
	return Response{ID: req.ID, Statuses: statuses}
}

func (s *Server) handleChange(req Request) Response {
	if req.Service == "" {
		return Response{ID: req.ID, Error: "change requires a service name"}
	}
	switch req.Action {
	case ActionStop:
		s.bus.Publish(horust.ShutdownInitiated(horust.ReasonOperatorCommand, req.Service))
		return Response{ID: req.ID}
	case ActionStart:
		if err := s.repo.RestartService(req.Service); err != nil {
			return Response{ID: req.ID, Error: err.Error()}
		}
		return Response{ID: req.ID}
	default:
		return Response{ID: req.ID, Error: fmt.Sprintf("unknown action %q", req.Action)}
	}
}
