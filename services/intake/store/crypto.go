// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Algorithm tags recorded on each artifact. Both forms authenticate
// the ciphertext; decryption verifies before returning plaintext.
const (
	// AlgorithmAESGCM is the preferred AEAD: AES-256-GCM with a random
	// 12-byte nonce prepended to the sealed bytes.
	AlgorithmAESGCM = "aes256gcm"

	// AlgorithmXORStream is the fallback: a SHA-256 counter keystream
	// XOR, with an HMAC-SHA256 over the ciphertext appended.
	AlgorithmXORStream = "xorstream"
)

const (
	gcmNonceSize = 12
	macSize      = sha256.Size
)

// encrypt seals plaintext under key with the given algorithm tag.
func encrypt(algorithm string, key, plaintext []byte) ([]byte, error) {
	switch algorithm {
	case AlgorithmAESGCM:
		return encryptGCM(key, plaintext)
	case AlgorithmXORStream:
		return encryptXOR(key, plaintext), nil
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrStorage, algorithm)
	}
}

// decrypt opens ciphertext, verifying its authentication tag first.
// A tag or MAC mismatch returns ErrIntegrity.
func decrypt(algorithm string, key, ciphertext []byte) ([]byte, error) {
	switch algorithm {
	case AlgorithmAESGCM:
		return decryptGCM(key, ciphertext)
	case AlgorithmXORStream:
		return decryptXOR(key, ciphertext)
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrStorage, algorithm)
	}
}

func encryptGCM(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrStorage, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptGCM(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < gcmNonceSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", ErrIntegrity)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	plaintext, err := gcm.Open(nil, ciphertext[:gcmNonceSize], ciphertext[gcmNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return plaintext, nil
}

// keystreamXOR XORs buf in place with SHA256(key || counter) blocks.
func keystreamXOR(key, buf []byte) {
	var counter [8]byte
	h := sha256.New()
	for off := 0; off < len(buf); off += sha256.Size {
		binary.BigEndian.PutUint64(counter[:], uint64(off/sha256.Size))
		h.Reset()
		h.Write(key)
		h.Write(counter[:])
		block := h.Sum(nil)
		for i := 0; i < len(block) && off+i < len(buf); i++ {
			buf[off+i] ^= block[i]
		}
	}
}

func encryptXOR(key, plaintext []byte) []byte {
	out := make([]byte, len(plaintext), len(plaintext)+macSize)
	copy(out, plaintext)
	keystreamXOR(key, out)

	mac := hmac.New(sha256.New, key)
	mac.Write(out)
	return mac.Sum(out)
}

func decryptXOR(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < macSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than MAC", ErrIntegrity)
	}

	body := ciphertext[:len(ciphertext)-macSize]
	tag := ciphertext[len(ciphertext)-macSize:]

	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, fmt.Errorf("%w: MAC mismatch", ErrIntegrity)
	}

	plaintext := make([]byte, len(body))
	copy(plaintext, body)
	keystreamXOR(key, plaintext)
	return plaintext, nil
}
