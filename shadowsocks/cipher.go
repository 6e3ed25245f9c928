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

package shadowsocks

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/sha1"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// subkeyInfo is the fixed HKDF info string required by the Shadowsocks
// AEAD construction (https://shadowsocks.org/en/spec/AEAD-Ciphers.html).
var subkeyInfo = []byte("ss-subkey")

// nonceSize is fixed at 12 bytes for every supported AEAD in this package.
const nonceSize = 12

// CipherSuite identifies one of the closed set of AEAD ciphers this
// client supports. The zero value is not a valid suite.
type CipherSuite struct {
	name        string
	keySize     int
	saltSize    int
	newInstance func(key []byte) (cipher.AEAD, error)
}

func (s CipherSuite) String() string { return s.name }

// KeySize returns the subkey length in bytes this suite requires.
func (s CipherSuite) KeySize() int { return s.keySize }

// SaltSize returns the per-direction salt length in bytes.
func (s CipherSuite) SaltSize() int { return s.saltSize }

// TagSize returns the AEAD authentication tag length in bytes.
func (s CipherSuite) TagSize() int {
	return s.newAEADForTagSize().Overhead()
}

func (s CipherSuite) newAEADForTagSize() cipher.AEAD {
	a, err := s.newInstance(make([]byte, s.keySize))
	if err != nil {
		panic(fmt.Sprintf("shadowsocks: failed to size AEAD %v: %v", s.name, err))
	}
	return a
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Supported cipher suites: the AEAD subset of the Shadowsocks protocol
// this client implements. Stream ciphers and pre-AEAD methods are out
// of scope.
var (
	CipherAES128GCM = CipherSuite{name: "aes-128-gcm", keySize: 16, saltSize: 16, newInstance: newAESGCM}
	CipherAES256GCM = CipherSuite{name: "aes-256-gcm", keySize: 32, saltSize: 32, newInstance: newAESGCM}
	CipherChacha20IETFPoly1305 = CipherSuite{
		name: "chacha20-ietf-poly1305", keySize: chacha20poly1305.KeySize, saltSize: 32,
		newInstance: chacha20poly1305.New,
	}
)

var supportedSuites = []CipherSuite{CipherAES128GCM, CipherAES256GCM, CipherChacha20IETFPoly1305}

// SuiteByName resolves a cipher suite by its canonical Shadowsocks name.
// Returns ConfigError-eligible error for unknown names.
func SuiteByName(name string) (CipherSuite, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, s := range supportedSuites {
		if s.name == name {
			return s, nil
		}
	}
	return CipherSuite{}, fmt.Errorf("shadowsocks: unsupported cipher %q", name)
}

// deriveMasterKey implements the OpenSSL EVP_BytesToKey-equivalent legacy
// password stretch Shadowsocks uses for the master key: salt is always
// empty, and MD5 digests are chained until keyLen bytes are produced.
// This is retained only for interop with the Shadowsocks wire protocol;
// it is cryptographically weak and must never be reused elsewhere.
func deriveMasterKey(password []byte, keyLen int) []byte {
	var derived, prev []byte
	h := md5.New()
	for len(derived) < keyLen {
		h.Reset()
		h.Write(prev)
		h.Write(password)
		derived = h.Sum(derived)
		prev = derived[len(derived)-h.Size():]
	}
	return derived[:keyLen]
}

// deriveSubkey is the pure master-to-subkey step: HKDF-SHA1 over the
// master key, keyed by the per-session salt, with the fixed
// "ss-subkey" info string mandated by the Shadowsocks AEAD spec.
func deriveSubkey(masterKey, salt []byte, keyLen int) ([]byte, error) {
	subkey := make([]byte, keyLen)
	r := hkdf.New(sha1.New, masterKey, salt, subkeyInfo)
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, fmt.Errorf("shadowsocks: hkdf derivation failed: %w", err)
	}
	return subkey, nil
}

// KeyScheduler derives per-tunnel AEAD instances from a fixed password
// and a suite, reusing the (weak, legacy) master key across tunnels
// while deriving a fresh subkey per salt. It keeps only the stretched
// master key, not the password itself.
type KeyScheduler struct {
	suite     CipherSuite
	masterKey []byte
}

// NewKeyScheduler stretches password into a master key for suite. Pure
// apart from this one-time stretch; deriveSubkey below is pure.
func NewKeyScheduler(suite CipherSuite, password []byte) *KeyScheduler {
	return &KeyScheduler{
		suite:     suite,
		masterKey: deriveMasterKey(password, suite.keySize),
	}
}

// NewAEAD derives the subkey for salt and constructs the suite's AEAD
// instance over it. Called once per direction per tunnel.
func (k *KeyScheduler) NewAEAD(salt []byte) (cipher.AEAD, error) {
	subkey, err := deriveSubkey(k.masterKey, salt, k.suite.keySize)
	if err != nil {
		return nil, err
	}
	defer zero(subkey)
	return k.suite.newInstance(subkey)
}

// Close zeroizes the master key. Best-effort: Go cannot guarantee
// memory is not copied elsewhere by the runtime or GC, but this removes
// the one long-lived copy this package holds.
func (k *KeyScheduler) Close() {
	zero(k.masterKey)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// increment treats b as a 12-byte little-endian unsigned counter and
// increments it by one, wrapping on overflow. Only the low bytes ever
// vary in practice since 2^(8*len(b)) operations is unreachable.
func increment(b []byte) {
	for i := range b {
		b[i]++
		if b[i] != 0 {
			return
		}
	}
}
