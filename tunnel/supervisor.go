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

// Package tunnel implements the per-connection tunnel lifecycle and
// the accept loop that feeds it.
package tunnel

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/shadowsocks-go/ss-local/config"
	"github.com/shadowsocks-go/ss-local/geoip"
	"github.com/shadowsocks-go/ss-local/internal/logging"
	"github.com/shadowsocks-go/ss-local/metrics"
	"github.com/shadowsocks-go/ss-local/shadowsocks"
	"github.com/shadowsocks-go/ss-local/socks5"
)

var log = logging.Get("tunnel")

// Supervisor drives the tunnel lifecycle for each accepted local
// connection. It is safe for concurrent use: the only shared
// state is the immutable Config and the thread-safe Metrics/GeoIP sinks.
type Supervisor struct {
	cfg    *config.Config
	metric *metrics.Metrics
	geo    *geoip.Annotator
}

// New constructs a Supervisor. metric and geo may be nil; a nil geo
// simply omits country annotation, a nil metric simply skips reporting.
func New(cfg *config.Config, metric *metrics.Metrics, geo *geoip.Annotator) *Supervisor {
	return &Supervisor{cfg: cfg, metric: metric, geo: geo}
}

// Handle runs one connection's full lifecycle to completion: SOCKS5
// negotiation, remote dial, AEAD setup, and bidirectional relay. It
// never panics out to the caller; all failure modes are contained to
// this one tunnel.
func (s *Supervisor) Handle(client net.Conn) {
	defer client.Close()
	start := time.Now()

	record, err := socks5.Negotiate(client, s.cfg.ForwardIPv6)
	if err != nil {
		log.Debugf("socks5 negotiation with %v failed: %v", client.RemoteAddr(), err)
		s.finish(metrics.StatusSocksError, 0, 0, start)
		return
	}

	dialer := net.Dialer{Timeout: time.Duration(s.cfg.Timeout) * time.Second}
	remote, err := dialer.Dial("tcp", s.cfg.RemoteAddr())
	if err != nil {
		log.Errorf("dial remote %s failed: %v", s.cfg.RemoteAddr(), err)
		client.Write([]byte{socks5.Version, socks5.ReplyGeneralFailure, 0, socks5.AddrTypeIPv4, 0, 0, 0, 0, 0, 0})
		s.finish(metrics.StatusDialError, 0, 0, start)
		return
	}
	defer remote.Close()

	if s.metric != nil {
		s.metric.TunnelOpened()
	}

	ks := shadowsocks.NewKeyScheduler(s.cfg.Suite, s.cfg.Password)
	defer ks.Close()

	timeout := time.Duration(s.cfg.Timeout) * time.Second
	remoteIdle := withIdleTimeout(remote, timeout)
	clientIdle := withIdleTimeout(client, timeout)

	enc := shadowsocks.NewEncryptor(remoteIdle, ks)
	if _, err := enc.Write(record); err != nil {
		log.Errorf("failed to send target address to %s: %v", s.cfg.RemoteAddr(), err)
		s.finishTunnel(metrics.StatusTransportError, 0, 0, start)
		return
	}

	if country, ok := s.geo.Country(remoteHostIP(remote)); ok {
		log.Infof("tunnel established target=%s remote=%s country=%s", socks5.TargetAddressString(record), remote.RemoteAddr(), country)
	} else {
		log.Infof("tunnel established target=%s remote=%s", socks5.TargetAddressString(record), remote.RemoteAddr())
	}
	if _, err := client.Write(socks5.SuccessReply); err != nil {
		s.finishTunnel(metrics.StatusTransportError, 0, 0, start)
		return
	}

	dec := shadowsocks.NewDecryptor(remoteIdle, ks)

	status, c2r, r2c := s.relay(clientIdle, remoteIdle, enc, dec)
	s.finishTunnel(status, c2r, r2c, start)
}

// relay glues the two directions together: client -> Encryptor ->
// remote and remote -> Decryptor -> client, running concurrently. A
// direction that ends cleanly (EOF) only half-closes its peer, so the
// other direction can keep draining; a direction that ends with a
// fatal error pokes an immediate read deadline on its peer so the
// other goroutine unblocks and the whole tunnel tears down at once.
func (s *Supervisor) relay(client, remote net.Conn, enc *shadowsocks.Encryptor, dec *shadowsocks.Decryptor) (status string, clientToRemote, remoteToClient int64) {
	done := make(chan struct{}, 2)
	var c2rErr, r2cErr error

	go func() {
		n, err := io.Copy(enc, client)
		clientToRemote = n
		c2rErr = err
		if err == nil {
			closeWrite(remote)
		} else {
			forceUnblock(remote)
		}
		done <- struct{}{}
	}()

	go func() {
		n, err := io.Copy(client, dec)
		remoteToClient = n
		r2cErr = err
		if err == nil {
			closeWrite(client)
		} else {
			forceUnblock(client)
		}
		done <- struct{}{}
	}()

	<-done
	<-done

	return classify(c2rErr, r2cErr), clientToRemote, remoteToClient
}

// forceUnblock pokes c's read deadline into the past so a goroutine
// blocked reading it returns immediately with a timeout error, instead
// of waiting out the idle deadline. This is the deadline-poking relay
// idiom for terminating both tunnel directions the moment either one
// fails fatally (an AEAD failure is a possible active attacker; the
// socket pair must close at once, not after Timeout seconds of the
// other direction sitting half-closed).
func forceUnblock(c net.Conn) {
	c.SetReadDeadline(time.Now())
}

func classify(c2rErr, r2cErr error) string {
	for _, err := range []error{c2rErr, r2cErr} {
		if err == nil {
			continue
		}
		if errors.Is(err, shadowsocks.ErrAEADAuth) || errors.Is(err, shadowsocks.ErrChunkSize) {
			log.Errorf("AEAD failure, terminating tunnel: %v", err)
			return metrics.StatusAEADError
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			log.Debugf("idle timeout: %v", err)
			return metrics.StatusIdleTimeout
		}
	}
	if c2rErr != nil || r2cErr != nil {
		log.Debugf("transport error: c2r=%v r2c=%v", c2rErr, r2cErr)
		return metrics.StatusTransportError
	}
	return metrics.StatusOK
}

// finish reports a tunnel that never made it past negotiation/dial, so
// it was never counted as "opened".
func (s *Supervisor) finish(status string, c2r, r2c int64, start time.Time) {
	if s.metric == nil {
		return
	}
	s.metric.TunnelOpened()
	s.metric.TunnelClosed(status, c2r, r2c, time.Since(start))
}

func (s *Supervisor) finishTunnel(status string, c2r, r2c int64, start time.Time) {
	if s.metric == nil {
		return
	}
	s.metric.TunnelClosed(status, c2r, r2c, time.Since(start))
}

func remoteHostIP(conn net.Conn) net.IP {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil
	}
	return addr.IP
}
