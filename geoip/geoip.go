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

// Package geoip provides an optional, best-effort country annotation
// for the configured remote Shadowsocks relay. It never gates a
// tunnel: any lookup failure just means the log line omits the
// country field.
package geoip

import (
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Annotator looks up the ISO country code for an IP using a MaxMind
// GeoLite2-Country database. A nil *Annotator is valid and always
// reports ok=false, so callers don't need to special-case "disabled".
type Annotator struct {
	db *geoip2.Reader
}

// Open loads the database at path. Returns an error only so the caller
// can log a startup warning; a failed Open should not prevent the
// client from running without GeoIP annotation.
func Open(path string) (*Annotator, error) {
	if path == "" {
		return nil, nil
	}
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &Annotator{db: db}, nil
}

// Close releases the underlying database file, if one is open.
func (a *Annotator) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Country returns the ISO country code for ip and true, or ("", false)
// if annotation is disabled or the lookup fails.
func (a *Annotator) Country(ip net.IP) (string, bool) {
	if a == nil || a.db == nil || ip == nil {
		return "", false
	}
	record, err := a.db.Country(ip)
	if err != nil || record.Country.IsoCode == "" {
		return "", false
	}
	return record.Country.IsoCode, true
}
