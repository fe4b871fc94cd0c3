// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package codec implements the reversible byte-wise transform applied to
// token issuance responses.
//
// Each input byte is XORed with the key byte at the same position (the key
// repeats cyclically), rotated right by three bits inside the byte, XORed with
// a fixed salt and written as two uppercase hex digits. Output length is always
// twice the input length. There is no padding, IV or authentication: this is
// obfuscation for clients that expect it, not encryption.
package codec

import (
	"encoding/hex"
	"math/bits"
	"strings"

	"github.com/pkg/errors"
)

// Salt is XORed into every output byte after rotation.
const Salt byte = 37

const rotation = 3

var (
	ErrMissingKey = errors.New("encryption key is not configured")
	ErrDecode     = errors.New("invalid ciphertext")
)

// Encode obfuscates plaintext with key and returns the uppercase hex form.
func Encode(plaintext []byte, key string) (string, error) {
	if key == "" {
		return "", ErrMissingKey
	}

	out := make([]byte, len(plaintext))
	for i, b := range plaintext {
		x := b ^ keyByte(key, i)
		x = bits.RotateLeft8(x, -rotation)
		out[i] = x ^ Salt
	}

	return strings.ToUpper(hex.EncodeToString(out)), nil
}

// EncodeString is Encode for string input.
func EncodeString(plaintext, key string) (string, error) {
	return Encode([]byte(plaintext), key)
}

// Decode reverses Encode. A trailing unpaired hex digit is ignored.
func Decode(cipherHex string, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrMissingKey
	}

	n := len(cipherHex) / 2
	out := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		pair := cipherHex[i*2 : i*2+2]

		var buf [1]byte
		if _, err := hex.Decode(buf[:], []byte(pair)); err != nil {
			return nil, errors.Wrapf(ErrDecode, "byte %d: %q", i, pair)
		}

		x := buf[0] ^ Salt
		x = bits.RotateLeft8(x, rotation)
		out = append(out, x^keyByte(key, len(out)))
	}

	return out, nil
}

// DecodeString is Decode returning a string.
func DecodeString(cipherHex, key string) (string, error) {
	b, err := Decode(cipherHex, key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func keyByte(key string, i int) byte {
	return key[i%len(key)]
}
