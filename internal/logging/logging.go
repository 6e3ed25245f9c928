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

// Package logging configures the single op/go-logging backend this
// client writes through. It is set up exactly once at startup from
// the resolved configuration and never changed again.
package logging

import (
	"fmt"
	"os"
	"strings"

	logging "github.com/op/go-logging"
)

var format = logging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} %{level:.4s} %{module}%{color:reset} %{message}`,
)

// Setup installs a stderr backend at the given level ("debug", "info",
// "warning", or "error", case-insensitive). Returns an error for an
// unrecognized level so callers can surface it as a ConfigError.
func Setup(level string) error {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, format)
	logging.SetBackend(formatted)

	lvl, err := logging.LogLevel(strings.ToUpper(level))
	if err != nil {
		return fmt.Errorf("logging: unrecognized level %q: %w", level, err)
	}
	logging.SetLevel(lvl, "")
	return nil
}

// Get returns a named logger, matching the reference server's
// per-package logging.MustGetLogger convention.
func Get(module string) *logging.Logger {
	return logging.MustGetLogger(module)
}
