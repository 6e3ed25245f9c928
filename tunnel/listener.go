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
	"errors"
	"fmt"
	"net"
)

// Listener binds the loopback SOCKS5 front end and spawns one
// Supervisor.Handle goroutine per accepted connection.
type Listener struct {
	ln         net.Listener
	supervisor *Supervisor
}

// Listen binds 127.0.0.1:port. A bind failure is fatal; the caller is
// expected to exit on a non-nil error.
func Listen(port int, supervisor *Supervisor) (*Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("tunnel: failed to bind 127.0.0.1:%d: %w", port, err)
	}
	return &Listener{ln: ln, supervisor: supervisor}, nil
}

// Addr returns the bound address, useful in tests that bind port 0.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts indefinitely until Close is called. Accept errors are
// logged and the loop continues; only a closed listener ends Serve.
func (l *Listener) Serve() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Errorf("accept failed: %v", err)
			continue
		}
		go l.supervisor.Handle(conn)
	}
}

// Close stops accepting new connections. Tunnels already in flight are
// unaffected and run to their own completion.
func (l *Listener) Close() error {
	return l.ln.Close()
}
