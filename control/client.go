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
	"errors"
	"fmt"
	"net"
	"time"
)

// Client is a connection to one supervisor's control socket, used by
// horustctl and horust-top.
type Client struct {
	conn net.Conn
}

// Dial connects to the control socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call sends req and waits for the response carrying the same ID,
// failing if a mismatched reply somehow arrives first -- a single
// request-per-round-trip protocol never should, but this is the
// defensive check that catches it rather than silently returning the
// wrong answer.
func (c *Client) call(req Request) (Response, error) {
	if err := writeFrame(c.conn, req); err != nil {
		return Response{}, err
	}
	var resp Response
	if err := readFrame(c.conn, &resp); err != nil {
		return Response{}, err
	}
	if resp.ID != req.ID {
		return Response{}, fmt.Errorf("control: response id %q does not match request id %q", resp.ID, req.ID)
	}
	if resp.Error != "" {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}

// Status requests the status of one service, or every service when
// name is empty.
func (c *Client) Status(name string) ([]ServiceStatus, error) {
	resp, err := c.call(NewRequest(OpStatus, name, ""))
	if err != nil {
		return nil, err
	}
	return resp.Statuses, nil
}

// Start issues an operator restart of a terminal service.
func (c *Client) Start(name string) error {
	_, err := c.call(NewRequest(OpChange, name, ActionStart))
	return err
}

// Stop issues a scoped shutdown of one service.
func (c *Client) Stop(name string) error {
	_, err := c.call(NewRequest(OpChange, name, ActionStop))
	return err
}
