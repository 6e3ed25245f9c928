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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
server: example.com
server_port: 8388
password: hunter2
method: aes-256-gcm
`)
	cfg, err := Load(path, Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LocalPort != DefaultLocalPort {
		t.Errorf("LocalPort = %d, want %d", cfg.LocalPort, DefaultLocalPort)
	}
	if cfg.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %d, want %d", cfg.Timeout, DefaultTimeout)
	}
	if cfg.RemoteAddr() != "example.com:8388" {
		t.Errorf("RemoteAddr = %q", cfg.RemoteAddr())
	}
}

// An unknown cipher name must fail to load.
func TestLoadRejectsUnknownCipher(t *testing.T) {
	path := writeTempConfig(t, `
server: example.com
server_port: 8388
password: hunter2
method: rot13
`)
	_, err := Load(path, Overrides{})
	if err == nil {
		t.Fatal("expected ConfigError for unknown cipher")
	}
	if _, ok := err.(*ConfigError); !ok {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
}

func TestOverridesWinOverFile(t *testing.T) {
	path := writeTempConfig(t, `
server: example.com
server_port: 8388
password: hunter2
method: aes-256-gcm
local_port: 1090
`)
	cfg, err := Load(path, Overrides{LocalPort: 2000})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LocalPort != 2000 {
		t.Errorf("LocalPort = %d, want 2000 (override)", cfg.LocalPort)
	}
}

func TestLoadRejectsMissingServer(t *testing.T) {
	path := writeTempConfig(t, `
server_port: 8388
password: hunter2
method: aes-256-gcm
`)
	_, err := Load(path, Overrides{})
	if err == nil {
		t.Fatal("expected ConfigError for missing server")
	}
}
