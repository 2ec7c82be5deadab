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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/awnumar/memguard"
)

// KeyManager owns the process-wide key material: the 256-bit artifact
// encryption key and the deletion-proof signing secret.
//
// Description:
//
//	The encryption key is derived as SHA-256 of the configured
//	passphrase, so the same passphrase always yields the same key and
//	previously stored artifacts stay readable across restarts. Both
//	the key and the proof secret live in memguard locked buffers:
//	mlock'd, guarded pages, wiped on Destroy. Neither value is ever
//	logged or serialized; only the key fingerprint (SHA-256 of the
//	key) leaves this type.
//
// Thread Safety:
//
//	Read-only after construction; safe for concurrent use until
//	Destroy is called.
type KeyManager struct {
	encKey      *memguard.LockedBuffer
	proofSecret *memguard.LockedBuffer
	fingerprint string
}

// NewKeyManager derives key material from the passphrase and proof
// secret. Empty values select fresh random material, which is fine for
// a single process lifetime but will not decrypt artifacts from a
// previous run.
func NewKeyManager(passphrase, proofSecret string) (*KeyManager, error) {
	var encKey *memguard.LockedBuffer
	if passphrase == "" {
		encKey = memguard.NewBufferRandom(32)
	} else {
		sum := sha256.Sum256([]byte(passphrase))
		encKey = memguard.NewBufferFromBytes(sum[:])
	}

	var secret *memguard.LockedBuffer
	if proofSecret == "" {
		secret = memguard.NewBufferRandom(32)
	} else {
		secret = memguard.NewBufferFromBytes([]byte(proofSecret))
	}

	if encKey == nil || secret == nil {
		return nil, fmt.Errorf("allocate locked key buffers")
	}

	keySum := sha256.Sum256(encKey.Bytes())
	return &KeyManager{
		encKey:      encKey,
		proofSecret: secret,
		fingerprint: hex.EncodeToString(keySum[:]),
	}, nil
}

// EncryptionKey exposes the raw key bytes for the cipher. The slice
// aliases locked memory; callers must not retain or copy it into
// unlocked allocations.
func (k *KeyManager) EncryptionKey() []byte {
	return k.encKey.Bytes()
}

// Fingerprint returns the hex SHA-256 of the encryption key. Safe to
// store and log; the key itself cannot be recovered from it.
func (k *KeyManager) Fingerprint() string {
	return k.fingerprint
}

// ProofDigest computes the keyed deletion-proof digest:
// SHA256(job_id || content_hash || deletion_ts_ms || secret).
//
// The secret keying makes the digest unforgeable by anyone who can
// read the deletion log but not the process memory.
func (k *KeyManager) ProofDigest(jobID, contentHash string, deletionTSMillis int64) string {
	h := sha256.New()
	h.Write([]byte(jobID))
	h.Write([]byte(contentHash))
	h.Write([]byte(strconv.FormatInt(deletionTSMillis, 10)))
	h.Write(k.proofSecret.Bytes())
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyProof recomputes the digest for a proof and compares in
// constant time.
func (k *KeyManager) VerifyProof(p *DeletionProof) bool {
	want := k.ProofDigest(p.JobID, p.ContentHash, p.DeletionTS)
	return hmac.Equal([]byte(want), []byte(p.ProofDigest))
}

// Destroy wipes the key material. The manager is unusable afterwards.
func (k *KeyManager) Destroy() {
	k.encKey.Destroy()
	k.proofSecret.Destroy()
}
