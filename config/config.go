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

// Package config loads and validates the ss-local configuration
// record, merging an optional YAML file with CLI overrides.
package config

import (
	"fmt"
	"net"
	"os"

	"github.com/shadowsocks-go/ss-local/shadowsocks"
	"gopkg.in/yaml.v2"
)

// ConfigError reports a fatal configuration problem detected before
// any listener binds.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return "config: " + e.msg }

func configErrorf(format string, args ...interface{}) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// file is the on-disk YAML shape, matching the reference Shadowsocks
// server's plain-struct config file.
type file struct {
	Server       string `yaml:"server"`
	ServerPort   int    `yaml:"server_port"`
	Password     string `yaml:"password"`
	Method       string `yaml:"method"`
	LocalPort    int    `yaml:"local_port"`
	Timeout      int    `yaml:"timeout"`
	LogLevel     string `yaml:"log_level"`
	MetricsAddr  string `yaml:"metrics_addr"`
	GeoIPDBPath  string `yaml:"geoip_db_path"`
	ForwardIPv6  bool   `yaml:"forward_ipv6"`
}

// Config is the immutable, validated Configuration record used by the
// rest of the program.
type Config struct {
	ServerAddr string
	ServerPort int
	Password   []byte
	Suite      shadowsocks.CipherSuite

	LocalPort int
	Timeout   int // seconds; governs both remote-connect and idle deadlines

	LogLevel    string
	MetricsAddr string
	GeoIPDBPath string
	ForwardIPv6 bool
}

// RemoteAddr is the "host:port" form of the configured Shadowsocks relay.
func (c *Config) RemoteAddr() string {
	return net.JoinHostPort(c.ServerAddr, fmt.Sprintf("%d", c.ServerPort))
}

// Defaults applied when the YAML file and CLI flags both leave a field
// unset.
const (
	DefaultLocalPort = 1080
	DefaultTimeout   = 60
	DefaultLogLevel  = "info"
)

// Overrides carries CLI-flag values that win over the YAML file when
// non-zero / non-empty. Every field mirrors a Config field.
type Overrides struct {
	Server      string
	ServerPort  int
	Password    string
	Method      string
	LocalPort   int
	Timeout     int
	LogLevel    string
	MetricsAddr string
	GeoIPDBPath string
	ForwardIPv6 *bool
}

// Load reads path (if non-empty) as YAML, applies CLI overrides on top,
// fills in defaults, and validates the result.
func Load(path string, ov Overrides) (*Config, error) {
	var f file
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, configErrorf("failed to read config file %s: %v", path, err)
		}
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, configErrorf("failed to parse config file %s: %v", path, err)
		}
	}

	applyOverrides(&f, ov)

	if f.LocalPort == 0 {
		f.LocalPort = DefaultLocalPort
	}
	if f.Timeout == 0 {
		f.Timeout = DefaultTimeout
	}
	if f.LogLevel == "" {
		f.LogLevel = DefaultLogLevel
	}

	return validate(&f)
}

func applyOverrides(f *file, ov Overrides) {
	if ov.Server != "" {
		f.Server = ov.Server
	}
	if ov.ServerPort != 0 {
		f.ServerPort = ov.ServerPort
	}
	if ov.Password != "" {
		f.Password = ov.Password
	}
	if ov.Method != "" {
		f.Method = ov.Method
	}
	if ov.LocalPort != 0 {
		f.LocalPort = ov.LocalPort
	}
	if ov.Timeout != 0 {
		f.Timeout = ov.Timeout
	}
	if ov.LogLevel != "" {
		f.LogLevel = ov.LogLevel
	}
	if ov.MetricsAddr != "" {
		f.MetricsAddr = ov.MetricsAddr
	}
	if ov.GeoIPDBPath != "" {
		f.GeoIPDBPath = ov.GeoIPDBPath
	}
	if ov.ForwardIPv6 != nil {
		f.ForwardIPv6 = *ov.ForwardIPv6
	}
}

func validate(f *file) (*Config, error) {
	if f.Server == "" {
		return nil, configErrorf("server address is required")
	}
	if f.ServerPort <= 0 || f.ServerPort > 65535 {
		return nil, configErrorf("server_port %d out of range", f.ServerPort)
	}
	if f.Password == "" {
		return nil, configErrorf("password is required")
	}
	if f.LocalPort <= 0 || f.LocalPort > 65535 {
		return nil, configErrorf("local_port %d out of range", f.LocalPort)
	}
	switch f.LogLevel {
	case "debug", "info", "warning", "error":
	default:
		return nil, configErrorf("invalid log_level %q", f.LogLevel)
	}
	if f.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(f.MetricsAddr); err != nil {
			return nil, configErrorf("invalid metrics_addr %q: %v", f.MetricsAddr, err)
		}
	}

	suite, err := shadowsocks.SuiteByName(f.Method)
	if err != nil {
		return nil, configErrorf("%v", err)
	}

	return &Config{
		ServerAddr:  f.Server,
		ServerPort:  f.ServerPort,
		Password:    []byte(f.Password),
		Suite:       suite,
		LocalPort:   f.LocalPort,
		Timeout:     f.Timeout,
		LogLevel:    f.LogLevel,
		MetricsAddr: f.MetricsAddr,
		GeoIPDBPath: f.GeoIPDBPath,
		ForwardIPv6: f.ForwardIPv6,
	}, nil
}
