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
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// payloadSizeMask is the largest payload a single chunk may carry, per
// the Shadowsocks AEAD spec.
const payloadSizeMask = 0x3FFF

// ErrAEADAuth is returned, wrapped with context, whenever an AEAD open
// fails. The caller must treat this as fatal for the whole tunnel: no
// partial plaintext from the affected chunk is ever returned alongside
// this error.
var ErrAEADAuth = errors.New("shadowsocks: AEAD authentication failed")

// ErrChunkSize is returned when a decrypted length field falls outside
// [1, payloadSizeMask].
var ErrChunkSize = errors.New("shadowsocks: invalid chunk length")

// Encryptor is the Writer half of the AEAD framer. It turns a
// plaintext byte stream into a Shadowsocks AEAD chunk stream: a random
// salt followed by a sequence of length+payload chunks, each sealed as
// two independent AEAD operations under consecutive nonces.
//
// The first Write (or ReadFrom) generates the salt and emits it before
// any chunk. Encryptor is not safe for concurrent use; it is meant to be
// driven by exactly one goroutine, matching the single writer side of a
// tunnel.
type Encryptor struct {
	dst io.Writer
	ks  *KeyScheduler

	aead     cipher.AEAD
	nonce    []byte
	saltLen  int
	saltSent bool

	// buf holds salt (first message only) + sealed length + sealed payload.
	buf []byte

	byteWrapper bytes.Reader
}

// NewEncryptor constructs an Encryptor that writes AEAD chunks to dst
// using the given key scheduler. dst is typically the remote socket.
func NewEncryptor(dst io.Writer, ks *KeyScheduler) *Encryptor {
	return &Encryptor{dst: dst, ks: ks, saltLen: ks.suite.SaltSize()}
}

// init is the NeedsSalt -> Streaming transition: generate the salt,
// derive the subkey, zero the nonce, and remember the salt needs to be
// prefixed on the very next wire write.
func (e *Encryptor) init() error {
	if e.aead != nil {
		return nil
	}
	salt := make([]byte, e.saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("shadowsocks: failed to generate salt: %w", err)
	}
	aead, err := e.ks.NewAEAD(salt)
	if err != nil {
		return err
	}
	e.aead = aead
	e.nonce = make([]byte, aead.NonceSize())

	overhead := aead.Overhead()
	sizeChunk := 2 + overhead
	maxPayloadChunk := payloadSizeMask + overhead
	e.buf = make([]byte, e.saltLen+sizeChunk+maxPayloadChunk)
	copy(e.buf, salt)
	return nil
}

// sealInPlace AEAD-seals plaintext in place (the slice must have spare
// capacity for the tag) and increments the nonce. Returns the sealed
// length.
func (e *Encryptor) sealInPlace(plaintext []byte) int {
	out := e.aead.Seal(plaintext[:0], e.nonce, plaintext, nil)
	increment(e.nonce)
	return len(out)
}

// Write encrypts and flushes p as one or more chunks, splitting at
// payloadSizeMask boundaries in order.
func (e *Encryptor) Write(p []byte) (int, error) {
	e.byteWrapper.Reset(p)
	n, err := e.ReadFrom(&e.byteWrapper)
	return int(n), err
}

// ReadFrom streams r's bytes through the framer without an intermediate
// copy, the same shape the reference Shadowsocks writer uses so that
// io.Copy(encryptor, clientConn) avoids a buffer round-trip.
func (e *Encryptor) ReadFrom(r io.Reader) (int64, error) {
	if err := e.init(); err != nil {
		return 0, err
	}

	overhead := e.aead.Overhead()
	sizeChunk := e.buf[e.saltLen : e.saltLen+2+overhead]
	payloadChunk := e.buf[e.saltLen+len(sizeChunk):]

	var written int64
	for {
		n, err := r.Read(payloadChunk[:payloadSizeMask])
		if n > 0 {
			written += int64(n)
			binary.BigEndian.PutUint16(sizeChunk, uint16(n))
			e.sealInPlace(sizeChunk[:2])
			payloadLen := e.sealInPlace(payloadChunk[:n])

			start := e.saltLen
			if !e.saltSent {
				// The salt rides along with the first chunk: one fewer
				// packet during TCP slow start, and no distinctive
				// first-packet size on the wire.
				start = 0
				e.saltSent = true
			}
			if _, werr := e.dst.Write(e.buf[start : e.saltLen+len(sizeChunk)+payloadLen]); werr != nil {
				return written, werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, fmt.Errorf("shadowsocks: read for encryption failed: %w", err)
		}
	}
}

// Decryptor is the Reader half of the AEAD framer. It consumes a salt
// followed by a chunk stream and exposes the decrypted payloads as a
// plain io.Reader / io.WriterTo, buffering only what a single chunk
// requires. Any AEAD authentication failure or out-of-range length is
// fatal and permanently poisons the Decryptor: no further bytes are
// emitted after a failing chunk.
type Decryptor struct {
	src io.Reader
	ks  *KeyScheduler

	aead  cipher.AEAD
	nonce []byte

	buf      []byte
	leftover []byte
	err      error
}

// NewDecryptor constructs a Decryptor reading AEAD chunks from src.
func NewDecryptor(src io.Reader, ks *KeyScheduler) *Decryptor {
	return &Decryptor{src: src, ks: ks}
}

// init is the NeedsSalt -> NeedsLength transition.
func (d *Decryptor) init() error {
	if d.aead != nil {
		return nil
	}
	salt := make([]byte, d.ks.suite.SaltSize())
	if _, err := io.ReadFull(d.src, salt); err != nil {
		if err != io.EOF && err != io.ErrUnexpectedEOF {
			err = fmt.Errorf("shadowsocks: failed to read salt: %w", err)
		}
		return err
	}
	aead, err := d.ks.NewAEAD(salt)
	if err != nil {
		return err
	}
	d.aead = aead
	d.nonce = make([]byte, aead.NonceSize())
	d.buf = make([]byte, payloadSizeMask+aead.Overhead())
	return nil
}

// openMessage reads exactly len(buf) ciphertext bytes, opens them in
// place, and increments the nonce. Returns an error only if the bytes
// could not be read or authentication failed.
func (d *Decryptor) openMessage(buf []byte) error {
	if _, err := io.ReadFull(d.src, buf); err != nil {
		return err
	}
	_, err := d.aead.Open(buf[:0], d.nonce, buf, nil)
	increment(d.nonce)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAEADAuth, err)
	}
	return nil
}

// readChunk drives NeedsLength -> NeedsPayload -> NeedsLength once,
// returning the decrypted payload. io.EOF signals a clean end between
// chunks; io.ErrUnexpectedEOF signals EOF mid-chunk.
func (d *Decryptor) readChunk() ([]byte, error) {
	if err := d.init(); err != nil {
		return nil, err
	}

	sizeBuf := d.buf[:2+d.aead.Overhead()]
	if err := d.openMessage(sizeBuf); err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint16(sizeBuf))
	if size == 0 || size > payloadSizeMask {
		return nil, fmt.Errorf("%w: %d", ErrChunkSize, size)
	}

	payloadBuf := d.buf[:size+d.aead.Overhead()]
	if err := d.openMessage(payloadBuf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payloadBuf[:size], nil
}

func (d *Decryptor) ensureLeftover() error {
	if len(d.leftover) > 0 {
		return nil
	}
	if d.err != nil {
		return d.err
	}
	payload, err := d.readChunk()
	if err != nil {
		// Poison the Decryptor: once a chunk fails authentication or
		// size validation, no further plaintext is ever emitted, even
		// if a caller keeps calling Read/WriteTo.
		d.err = err
		return err
	}
	d.leftover = payload
	return nil
}

// Read implements io.Reader.
func (d *Decryptor) Read(p []byte) (int, error) {
	if err := d.ensureLeftover(); err != nil {
		return 0, err
	}
	n := copy(p, d.leftover)
	d.leftover = d.leftover[n:]
	return n, nil
}

// WriteTo implements io.WriterTo, mirroring the reference decoder so
// io.Copy(remoteOut, decryptor) avoids an extra buffer hop.
func (d *Decryptor) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for {
		if err := d.ensureLeftover(); err != nil {
			if err == io.EOF {
				err = nil
			}
			return written, err
		}
		n, err := w.Write(d.leftover)
		written += int64(n)
		d.leftover = d.leftover[n:]
		if err != nil {
			return written, err
		}
	}
}
