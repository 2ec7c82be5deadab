// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store implements the content-addressed encrypted object
// store: ciphertext blobs on disk, a durable metadata index in
// BadgerDB, and cryptographic deletion proofs.
//
// An artifact's identity is the SHA-256 of its plaintext. Blobs live
// under blobs/hh/rest-of-hash with owner-only permissions; writes go
// to a temporary sibling and are renamed into place, so a crash or a
// cancelled job never leaves a partial blob at a final path. Duplicate
// content is stored once and refcounted through the hash index.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/GenomeGate/pkg/logging"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound means no metadata row exists for the lookup key.
	ErrNotFound = errors.New("artifact not found")

	// ErrIntegrity means an authentication tag or MAC did not verify.
	ErrIntegrity = errors.New("artifact integrity check failed")

	// ErrStorage wraps disk and index failures.
	ErrStorage = errors.New("storage error")
)

// ArtifactRef describes one stored artifact. The plaintext hash is the
// content address; the key fingerprint identifies (but never reveals)
// the key that sealed it.
type ArtifactRef struct {
	JobID          string    `json:"job_id"`
	ContentHash    string    `json:"content_hash"`
	CiphertextPath string    `json:"ciphertext_path"`
	OriginalSize   int64     `json:"original_size"`
	StoredSize     int64     `json:"stored_size"`
	AlgorithmTag   string    `json:"algorithm_tag"`
	KeyFingerprint string    `json:"key_fingerprint"`
	CreatedAt      time.Time `json:"created_at"`
}

// DeletionProof is the evidence-of-deletion certificate. The digest is
// keyed with the server secret (see KeyManager.ProofDigest), so a
// holder can later have the server re-verify it.
type DeletionProof struct {
	JobID       string `json:"job_id"`
	ContentHash string `json:"artifact_content_hash"`

	// DeletionTS is milliseconds since the Unix epoch.
	DeletionTS int64 `json:"deletion_timestamp"`

	ProofDigest string `json:"proof_digest"`
}

// SecurityEvent is one row of the append-only security event log.
type SecurityEvent struct {
	JobID     string    `json:"job_id"`
	Layer     string    `json:"layer"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Keyspace prefixes inside the metadata index.
const (
	prefixArtifact = "artifact/"
	prefixHash     = "hash/"
	prefixDeletion = "deletion/"
	prefixSeclog   = "seclog/"
)

// Config configures the object store.
type Config struct {
	// Root is the directory holding the blobs/ tree.
	Root string

	// Algorithm selects the cipher: AlgorithmAESGCM (default) or
	// AlgorithmXORStream.
	Algorithm string
}

// Store is the content-addressed encrypted object store.
//
// Thread Safety:
//
//	Safe for concurrent use. Blob writers rely on rename atomicity;
//	concurrent puts of the same content both succeed. Index mutations
//	are single Badger transactions.
type Store struct {
	cfg    Config
	db     *badger.DB
	gc     *gcRunner
	ownsDB bool
	keys   *KeyManager
	logger *logging.Logger
}

// Open creates a Store over its own metadata index.
//
// Description:
//
//	Opens (or creates) the blobs directory under cfg.Root and the
//	BadgerDB metadata index per kvCfg, and starts the value log GC
//	runner when configured. Close releases both.
//
// Inputs:
//
//	cfg - Store configuration; Root is required.
//	kvCfg - Metadata index configuration.
//	keys - Key material; must outlive the store.
//	logger - Destination for operational logs. Must not be nil.
//
// Outputs:
//
//	*Store - Ready for Put/Get/Delete/Proof.
//	error - Non-nil when directories or the index cannot be created.
func Open(cfg Config, kvCfg KVConfig, keys *KeyManager, logger *logging.Logger) (*Store, error) {
	if cfg.Root == "" && !kvCfg.InMemory {
		return nil, fmt.Errorf("%w: blob root is required", ErrStorage)
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmAESGCM
	}
	if cfg.Algorithm != AlgorithmAESGCM && cfg.Algorithm != AlgorithmXORStream {
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrStorage, cfg.Algorithm)
	}

	if err := os.MkdirAll(filepath.Join(cfg.Root, "blobs"), 0700); err != nil {
		return nil, fmt.Errorf("%w: create blob root: %v", ErrStorage, err)
	}

	db, err := openKV(kvCfg)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:    cfg,
		db:     db,
		ownsDB: true,
		keys:   keys,
		logger: logger,
	}
	if kvCfg.GCInterval > 0 {
		s.gc = newGCRunner(db, kvCfg.GCInterval, kvCfg.GCDiscardRatio, logger.Slog())
		s.gc.start()
	}
	return s, nil
}

// Close stops GC and closes the metadata index.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
		s.gc = nil
	}
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// blobPath maps a content hash to blobs/hh/rest-of-hash.
func (s *Store) blobPath(contentHash string) string {
	return filepath.Join(s.cfg.Root, "blobs", contentHash[:2], contentHash[2:])
}

// Put encrypts and stores plaintext, returning the artifact reference.
//
// Description:
//
//	Hashes the plaintext, seals it under the store's algorithm, writes
//	the ciphertext to a temporary sibling and renames it into the
//	content-addressed path, then inserts the metadata row and hash
//	index entry in one transaction. If the transaction fails and no
//	other job references the content, the blob is removed again, so a
//	failed put leaves no trace.
//
// Inputs:
//
//	ctx - Checked before encryption, before disk I/O, and again before
//	      the metadata transaction; a cancelled context aborts with
//	      ctx.Err() and cleans up anything already written.
//	jobID - Owner of the metadata row.
//	plaintext - Bytes to store. Not retained.
//
// Outputs:
//
//	*ArtifactRef - The stored artifact's reference.
//	error - ErrStorage wrapping the cause, or ctx.Err().
func (s *Store) Put(ctx context.Context, jobID string, plaintext []byte) (*ArtifactRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(plaintext)
	contentHash := hex.EncodeToString(sum[:])

	ciphertext, err := encrypt(s.cfg.Algorithm, s.keys.EncryptionKey(), plaintext)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	finalPath := s.blobPath(contentHash)
	created, err := s.writeBlob(finalPath, ciphertext)
	if err != nil {
		return nil, err
	}

	ref := &ArtifactRef{
		JobID:          jobID,
		ContentHash:    contentHash,
		CiphertextPath: finalPath,
		OriginalSize:   int64(len(plaintext)),
		StoredSize:     int64(len(ciphertext)),
		AlgorithmTag:   s.cfg.Algorithm,
		KeyFingerprint: s.keys.Fingerprint(),
		CreatedAt:      time.Now().UTC(),
	}

	value, err := json.Marshal(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: encode metadata: %v", ErrStorage, err)
	}

	// Last cancellation point: a cancelled put must not commit the
	// metadata row, and an unreferenced blob it wrote is removed again.
	if err := ctx.Err(); err != nil {
		if created && !s.contentReferenced(contentHash) {
			os.Remove(finalPath)
		}
		return nil, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixArtifact+jobID), value); err != nil {
			return err
		}
		return txn.Set([]byte(prefixHash+contentHash+"/"+jobID), nil)
	})
	if err != nil {
		if created && !s.contentReferenced(contentHash) {
			os.Remove(finalPath)
		}
		return nil, fmt.Errorf("%w: metadata insert: %v", ErrStorage, err)
	}

	s.logger.Info("artifact written",
		"job_id", jobID,
		"content_hash", contentHash,
		"algorithm", s.cfg.Algorithm,
		"original_size", ref.OriginalSize,
		"stored_size", ref.StoredSize)
	return ref, nil
}

// writeBlob writes ciphertext atomically to path. Returns whether this
// call created the file; an existing blob at the content address is
// left untouched (idempotent content-addressed put).
func (s *Store) writeBlob(path string, ciphertext []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return false, fmt.Errorf("%w: create blob directory: %v", ErrStorage, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return false, fmt.Errorf("%w: create temp blob: %v", ErrStorage, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(ciphertext); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return false, fmt.Errorf("%w: write blob: %v", ErrStorage, err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return false, fmt.Errorf("%w: chmod blob: %v", ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return false, fmt.Errorf("%w: close blob: %v", ErrStorage, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return false, fmt.Errorf("%w: rename blob: %v", ErrStorage, err)
	}
	return true, nil
}

// contentReferenced reports whether any hash index entry exists for
// the content hash.
func (s *Store) contentReferenced(contentHash string) bool {
	referenced := false
	s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixHash + contentHash + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Rewind()
		referenced = it.Valid()
		return nil
	})
	return referenced
}

// soleReference reports whether jobID is the only hash index entry for
// the content hash.
func (s *Store) soleReference(contentHash, jobID string) bool {
	sole := true
	s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixHash + contentHash + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if string(it.Item().Key()) != prefixHash+contentHash+"/"+jobID {
				sole = false
				return nil
			}
		}
		return nil
	})
	return sole
}

// RefByJob returns the metadata row for a job, or ErrNotFound.
func (s *Store) RefByJob(jobID string) (*ArtifactRef, error) {
	var ref ArtifactRef
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixArtifact + jobID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ref)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read metadata: %v", ErrStorage, err)
	}
	return &ref, nil
}

// Get returns the plaintext for a content hash.
//
// Description:
//
//	Looks up a metadata row referencing the hash, reads the blob, and
//	opens it under the recorded algorithm. Integrity is always
//	verified; the store never trusts its own disk.
//
// Outputs:
//
//	[]byte - The original plaintext.
//	error - ErrNotFound if no row references the hash, ErrIntegrity if
//	the tag or MAC does not verify, ErrStorage otherwise.
func (s *Store) Get(ctx context.Context, contentHash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var owner string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixHash + contentHash + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Rewind()
		if !it.Valid() {
			return badger.ErrKeyNotFound
		}
		key := string(it.Item().Key())
		owner = key[len(prefixHash+contentHash+"/"):]
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: hash index: %v", ErrStorage, err)
	}

	ref, err := s.RefByJob(owner)
	if err != nil {
		return nil, err
	}

	ciphertext, err := os.ReadFile(ref.CiphertextPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: read blob: %v", ErrStorage, err)
	}

	plaintext, err := decrypt(ref.AlgorithmTag, s.keys.EncryptionKey(), ciphertext)
	if err != nil {
		if errors.Is(err, ErrIntegrity) {
			s.logger.Error("integrity failure",
				"content_hash", contentHash,
				"algorithm", ref.AlgorithmTag)
		}
		return nil, err
	}
	return plaintext, nil
}

// Delete removes a job's artifact and issues a deletion proof.
//
// Description:
//
//	Removes the blob (unless other jobs still reference the content),
//	deletes the metadata row and hash index entry, and appends a
//	DeletionProof to the deletion log, all keyed by job. Calling
//	Delete again returns the original proof with the original
//	timestamp.
//
// Outputs:
//
//	*DeletionProof - The (possibly previously issued) proof.
//	error - ErrNotFound if the job never stored an artifact,
//	ErrStorage on disk or index failure.
func (s *Store) Delete(ctx context.Context, jobID string) (*DeletionProof, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Idempotence: a prior proof wins.
	if proof, err := s.Proof(jobID); err == nil {
		return proof, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	ref, err := s.RefByJob(jobID)
	if err != nil {
		return nil, err
	}

	// Ciphertext first: a blob-removal failure must not mint a proof.
	// The blob stays when another job still references the content.
	if s.soleReference(ref.ContentHash, jobID) {
		if err := os.Remove(ref.CiphertextPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: remove blob: %v", ErrStorage, err)
		}
	}

	now := time.Now().UTC()
	proof := &DeletionProof{
		JobID:       jobID,
		ContentHash: ref.ContentHash,
		DeletionTS:  now.UnixMilli(),
	}
	proof.ProofDigest = s.keys.ProofDigest(jobID, ref.ContentHash, proof.DeletionTS)

	value, err := json.Marshal(proof)
	if err != nil {
		return nil, fmt.Errorf("%w: encode proof: %v", ErrStorage, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(prefixArtifact + jobID)); err != nil {
			return err
		}
		if err := txn.Delete([]byte(prefixHash + ref.ContentHash + "/" + jobID)); err != nil {
			return err
		}
		return txn.Set([]byte(prefixDeletion+jobID), value)
	})
	if err != nil {
		// Nothing was committed; a blob already removed above is
		// tolerated as absent when the next Delete call retries.
		return nil, fmt.Errorf("%w: deletion log: %v", ErrStorage, err)
	}

	s.logger.Info("artifact deleted",
		"job_id", jobID,
		"content_hash", ref.ContentHash,
		"deletion_ts", proof.DeletionTS)
	return proof, nil
}

// Proof returns the deletion proof for a job, or ErrNotFound if no
// deletion has occurred.
func (s *Store) Proof(jobID string) (*DeletionProof, error) {
	var proof DeletionProof
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixDeletion + jobID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &proof)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read deletion log: %v", ErrStorage, err)
	}
	return &proof, nil
}

// LogSecurityEvent appends a row to the security event log.
//
// Events record which defense layer acted on a job and how; the log is
// append-only and keyed seclog/{job_id}/{timestamp_ns}.
func (s *Store) LogSecurityEvent(jobID, layer, status, message string) {
	event := SecurityEvent{
		JobID:     jobID,
		Layer:     layer,
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		return
	}

	key := fmt.Sprintf("%s%s/%020d", prefixSeclog, jobID, event.Timestamp.UnixNano())
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	}); err != nil {
		s.logger.Warn("security event append failed", "job_id", jobID, "error", err)
	}
}

// SecurityEvents returns the logged events for a job in append order.
func (s *Store) SecurityEvents(jobID string) ([]SecurityEvent, error) {
	var events []SecurityEvent
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixSeclog + jobID + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var event SecurityEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			}); err != nil {
				return err
			}
			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read security events: %v", ErrStorage, err)
	}
	return events, nil
}

// VerifyProof recomputes and checks a proof digest. Exposed for the
// proof endpoint's verification flag.
func (s *Store) VerifyProof(p *DeletionProof) bool {
	return s.keys.VerifyProof(p)
}

// ArtifactCount returns the number of live artifact metadata rows.
func (s *Store) ArtifactCount() int {
	return s.countPrefix(prefixArtifact)
}

// DeletionCount returns the number of minted deletion proofs.
func (s *Store) DeletionCount() int {
	return s.countPrefix(prefixDeletion)
}

func (s *Store) countPrefix(prefix string) int {
	count := 0
	s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count
}
