// Copyright 2024 The ss-local Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tunnel

import (
	"net"
	"time"
)

// idleConn refreshes a read deadline on the wrapped connection before
// every Read, turning a fixed per-tunnel timeout into a rolling idle
// deadline: any single byte resets the clock.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func withIdleTimeout(c net.Conn, timeout time.Duration) *idleConn {
	return &idleConn{Conn: c, timeout: timeout}
}

func (c *idleConn) Read(p []byte) (int, error) {
	c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(p)
}

// halfCloser is implemented by net.TCPConn and similar connections that
// support shutting down only the write half.
type halfCloser interface {
	CloseWrite() error
}

// CloseWrite forwards to the wrapped connection when it supports
// half-close, so wrapping a *net.TCPConn in idleConn doesn't hide that
// capability from closeWrite's type assertion.
func (c *idleConn) CloseWrite() error {
	if hc, ok := c.Conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}

func closeWrite(c net.Conn) {
	if hc, ok := c.(halfCloser); ok {
		hc.CloseWrite()
	}
}
