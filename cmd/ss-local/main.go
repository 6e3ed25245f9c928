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

// Package main is the ss-local CLI entry point.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shadowsocks-go/ss-local/config"
	"github.com/shadowsocks-go/ss-local/geoip"
	"github.com/shadowsocks-go/ss-local/internal/logging"
	"github.com/shadowsocks-go/ss-local/metrics"
	"github.com/shadowsocks-go/ss-local/tunnel"
	"github.com/spf13/cobra"
)

var log = logging.Get("main")

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath  string
		server      string
		serverPort  int
		password    string
		method      string
		localPort   int
		timeout     int
		logLevel    string
		metricsAddr string
		geoipDB     string
		forwardIPv6 bool
	)

	cmd := &cobra.Command{
		Use:   "ss-local",
		Short: "Shadowsocks AEAD SOCKS5 local proxy",
		Long: `ss-local runs a loopback SOCKS5 front end that tunnels CONNECT
requests to a single Shadowsocks AEAD relay, encrypting traffic with
AES-128-GCM, AES-256-GCM, or ChaCha20-IETF-Poly1305.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var ipv6Override *bool
			if cmd.Flags().Changed("forward-ipv6") {
				ipv6Override = &forwardIPv6
			}

			cfg, err := config.Load(configPath, config.Overrides{
				Server:      server,
				ServerPort:  serverPort,
				Password:    password,
				Method:      method,
				LocalPort:   localPort,
				Timeout:     timeout,
				LogLevel:    logLevel,
				MetricsAddr: metricsAddr,
				GeoIPDBPath: geoipDB,
				ForwardIPv6: ipv6Override,
			})
			if err != nil {
				return err
			}

			if err := logging.Setup(cfg.LogLevel); err != nil {
				return err
			}

			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	flags.StringVarP(&server, "server", "s", "", "Shadowsocks relay host")
	flags.IntVarP(&serverPort, "server-port", "p", 0, "Shadowsocks relay port")
	flags.StringVarP(&password, "password", "k", "", "Shadowsocks relay password")
	flags.StringVarP(&method, "method", "m", "", "AEAD cipher: aes-128-gcm, aes-256-gcm, chacha20-ietf-poly1305")
	flags.IntVarP(&localPort, "local-port", "b", 0, "local SOCKS5 listen port")
	flags.IntVarP(&timeout, "timeout", "t", 0, "connect and idle timeout in seconds")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warning, or error")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "Prometheus exposition address, e.g. 127.0.0.1:9090")
	flags.StringVar(&geoipDB, "geoip-db", "", "path to a MaxMind GeoLite2-Country database")
	flags.BoolVar(&forwardIPv6, "forward-ipv6", false, "allow CONNECT requests to IPv6 targets")

	return cmd
}

func run(cfg *config.Config) error {
	geo, err := geoip.Open(cfg.GeoIPDBPath)
	if err != nil {
		log.Warningf("geoip: failed to open %s, continuing without country annotation: %v", cfg.GeoIPDBPath, err)
		geo = nil
	}
	defer geo.Close()

	var metric *metrics.Metrics
	if cfg.MetricsAddr != "" {
		metric = metrics.NewMetrics(nil)
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				log.Errorf("metrics server stopped: %v", err)
			}
		}()
		log.Infof("metrics exposed at http://%s/metrics", cfg.MetricsAddr)
	}

	supervisor := tunnel.New(cfg, metric, geo)
	ln, err := tunnel.Listen(cfg.LocalPort, supervisor)
	if err != nil {
		return err
	}

	log.Infof("ss-local listening on 127.0.0.1:%d, relaying to %s", cfg.LocalPort, cfg.RemoteAddr())
	go ln.Serve()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("received signal %v, shutting down", sig)

	return ln.Close()
}
