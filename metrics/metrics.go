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

// Package metrics exposes Prometheus counters/gauges for the tunnel
// supervisor. It is a purely additive diagnostics surface: it can
// never gate or alter a tunnel's outcome.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status labels used on the tunnels_total counter.
const (
	StatusOK             = "ok"
	StatusDialError      = "dial_error"
	StatusSocksError     = "socks_error"
	StatusAEADError      = "aead_error"
	StatusIdleTimeout    = "idle_timeout"
	StatusTransportError = "transport_error"
)

const (
	directionClientToRemote = "client_to_remote"
	directionRemoteToClient = "remote_to_client"
)

// Metrics is the sink TunnelSupervisor reports into. NewMetrics(nil)
// registers on prometheus.DefaultRegisterer, which is what Serve's
// promhttp.Handler() exposes.
type Metrics struct {
	tunnelsActive prometheus.Gauge
	tunnelsTotal  *prometheus.CounterVec
	bytesTotal    *prometheus.CounterVec
	duration      prometheus.Histogram
}

// NewMetrics creates and registers the tunnel metric series on reg. If
// reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sslocal_tunnels_active",
			Help: "Number of tunnels currently relaying traffic.",
		}),
		tunnelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sslocal_tunnels_total",
			Help: "Tunnels terminated, by terminal status.",
		}, []string{"status"}),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sslocal_bytes_total",
			Help: "Bytes relayed, by direction.",
		}, []string{"direction"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sslocal_tunnel_duration_seconds",
			Help:    "Tunnel lifetime from accept to teardown.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.tunnelsActive, m.tunnelsTotal, m.bytesTotal, m.duration)
	return m
}

// TunnelOpened marks one tunnel as active.
func (m *Metrics) TunnelOpened() { m.tunnelsActive.Inc() }

// TunnelClosed marks a tunnel terminated with status, recording its
// duration and byte counts. Safe to call exactly once per tunnel.
func (m *Metrics) TunnelClosed(status string, clientToRemote, remoteToClient int64, dur time.Duration) {
	m.tunnelsActive.Dec()
	m.tunnelsTotal.WithLabelValues(status).Inc()
	m.bytesTotal.WithLabelValues(directionClientToRemote).Add(float64(clientToRemote))
	m.bytesTotal.WithLabelValues(directionRemoteToClient).Add(float64(remoteToClient))
	m.duration.Observe(dur.Seconds())
}

// Serve starts the Prometheus exposition HTTP server on addr. It blocks
// until the listener fails; callers run it in its own goroutine, the
// same shape as the reference server's promhttp.Handler() wiring.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
