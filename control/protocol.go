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

// Package control implements the supervisor's UNIX domain socket
// control endpoint (spec.md §6): a length-prefixed, JSON-bodied framing
// over "<uds-folder>/horust-<pid>.sock". The wire schema is this
// package's own invention -- spec.md explicitly leaves it external to
// the core -- built around uuid request IDs, echoed on every response so
// the client can check that a reply answers the request it just sent
// (one request per round trip on a connection).
package control

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// maxFrameSize guards against a malformed or hostile peer claiming an
// enormous body length.
const maxFrameSize = 16 << 20

// Op identifies a control-channel operation.
type Op string

const (
	OpStatus Op = "status"
	OpChange Op = "change"
)

// ChangeAction is the action half of a `change service <action>`
// request.
type ChangeAction string

const (
	ActionStart ChangeAction = "start"
	ActionStop  ChangeAction = "stop"
)

// Request is one control-channel call.
type Request struct {
	ID      string       `json:"id"`
	Op      Op           `json:"op"`
	Service string       `json:"service,omitempty"` // empty under status means "every service"
	Action  ChangeAction `json:"action,omitempty"`
}

// NewRequest stamps a fresh request ID.
func NewRequest(op Op, service string, action ChangeAction) Request {
	return Request{ID: uuid.NewString(), Op: op, Service: service, Action: action}
}

// ServiceStatus is one service's point-in-time status, as reported by
// the status operation.
type ServiceStatus struct {
	Name                 string `json:"name"`
	Status               string `json:"status"`
	Pid                  int    `json:"pid"`
	StartAttempts        int    `json:"start_attempts"`
	ConsecutiveUnhealthy int    `json:"consecutive_unhealthy"`
}

// Response answers a Request with the same ID.
type Response struct {
	ID       string          `json:"id"`
	Error    string          `json:"error,omitempty"`
	Statuses []ServiceStatus `json:"statuses,omitempty"`
}

// writeFrame writes a 4-byte big-endian length prefix followed by v's
// JSON encoding.
func writeFrame(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("control: frame too large: %d bytes", len(body))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrame reads one length-prefixed JSON frame into v.
func readFrame(r io.Reader, v interface{}) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameSize {
		return fmt.Errorf("control: frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}
