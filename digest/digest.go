// Copyright 2025 The Neve Authors
// SPDX-License-Identifier: MIT

// Package digest implements the single, repo-wide cryptographic hash used as
// the content-address primitive for the store: a streaming BLAKE3 hasher
// producing a fixed-width 32-byte digest.
package digest

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// Size is the length in bytes of a [Hash].
const Size = 32

// ShortSize is the number of bytes used when a [Hash] is displayed in
// truncated form. Short hex is for display only: see [Hash.Base16Short].
const ShortSize = 16

// Hash is a fixed-width content digest.
// The zero Hash (all 32 bytes zero) is the "null hash": a sentinel distinct
// from any value hash with overwhelming probability, used to represent "no
// hash" rather than the digest of some actual input.
type Hash struct {
	b [Size]byte
}

// Null is the sentinel null hash, equal to the zero value of Hash.
var Null = Hash{}

// Of returns the digest of b, equivalent to writing b to a fresh [Hasher]
// and finalizing it.
func Of(b []byte) Hash {
	h := New()
	h.Write(b)
	return h.Sum()
}

// IsNull reports whether h is the [Null] sentinel.
func (h Hash) IsNull() bool {
	return h == Null
}

// IsZero reports whether h is the [Null] sentinel. It exists so that
// encoders which special-case a type's zero value (for example the
// "omitzero" JSON struct tag) treat an unset Hash field as absent.
func (h Hash) IsZero() bool {
	return h.IsNull()
}

// Equal reports whether h and other represent the same digest.
func (h Hash) Equal(other Hash) bool {
	return h.b == other.b
}

// Bytes returns the raw bytes of the digest.
func (h Hash) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, h.b[:])
	return b
}

// Base16 returns the full lowercase hexadecimal encoding of the digest.
func (h Hash) Base16() string {
	return hex.EncodeToString(h.b[:])
}

// Base16Short returns the first [ShortSize] bytes of the digest, hex-encoded.
// It is for display purposes only and MUST NOT be used for verification:
// two distinct hashes can share the same short prefix.
func (h Hash) Base16Short() string {
	return hex.EncodeToString(h.b[:ShortSize])
}

// FromHex decodes a full hexadecimal digest previously produced by
// [Hash.Base16]. It is the inverse of Base16:
// FromHex(h.Base16()) == h for all h.
func FromHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("parse hash %q: %v", s, err)
	}
	if len(b) != Size {
		return Hash{}, fmt.Errorf("parse hash %q: want %d bytes, got %d", s, Size, len(b))
	}
	var h Hash
	copy(h.b[:], b)
	return h, nil
}

// String implements [fmt.Stringer] by returning the full hex encoding.
func (h Hash) String() string {
	return h.Base16()
}

// MarshalText implements [encoding.TextMarshaler].
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Base16()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (h *Hash) UnmarshalText(data []byte) error {
	parsed, err := FromHex(string(data))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Hasher is a streaming BLAKE3 hash accumulator.
// The zero value is not valid; use [New].
type Hasher struct {
	h *blake3.Hasher
}

// New returns a fresh [Hasher] with no input yet written.
func New() *Hasher {
	return &Hasher{h: blake3.New()}
}

// Write implements [io.Writer]. It never returns an error.
func (h *Hasher) Write(p []byte) (n int, err error) {
	return h.h.Write(p)
}

// WriteString writes s to the hasher, equivalent to Write([]byte(s))
// but without the intermediate allocation.
func (h *Hasher) WriteString(s string) (n int, err error) {
	return io.WriteString(h.h, s)
}

// Sum finalizes the hash and returns the digest.
// The Hasher may continue to be used afterward; finalization does not
// consume the accumulated state (matching [hash.Hash] semantics).
func (h *Hasher) Sum() Hash {
	var out Hash
	digest := h.h.Sum(nil)
	copy(out.b[:], digest)
	return out
}

// Reset clears the hasher's accumulated state so it can be reused.
func (h *Hasher) Reset() {
	h.h.Reset()
}

var _ io.Writer = (*Hasher)(nil)
