// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/capsule-apps/capsule/lib/errcode"
)

// Transaction batches object writes into a staging directory and
// promotes them — plus any ref updates — atomically on Commit. The
// exclusive repo lock is held from Begin to Commit/Abort, serialising
// transactions across processes. Readers are never blocked: committed
// objects are immutable and refs are replaced by rename.
type Transaction struct {
	store      *Store
	lock       *repoLock
	stagingDir string

	// staged maps object filename (hex+suffix) to its staged path.
	staged map[string]string

	// refUpdates maps ref name to the new checksum; nil means delete.
	refUpdates map[string]*Checksum

	done bool
}

// Store returns the store this transaction writes into, for reads of
// already-committed objects during an import.
func (t *Transaction) Store() *Store { return t.store }

// Begin starts a transaction, blocking until the repo lock is
// acquired.
func (s *Store) Begin() (*Transaction, error) {
	lock, err := lockExclusive(filepath.Join(s.root, lockFile))
	if err != nil {
		return nil, errcode.Wrap(errcode.TransactionConflict, err, "acquiring repo lock")
	}

	var id [8]byte
	if _, err := rand.Read(id[:]); err != nil {
		lock.unlock()
		return nil, fmt.Errorf("generating staging id: %w", err)
	}
	stagingDir := filepath.Join(s.root, tmpDir, "staging-"+hex.EncodeToString(id[:]))
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		lock.unlock()
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}

	return &Transaction{
		store:      s,
		lock:       lock,
		stagingDir: stagingDir,
		staged:     make(map[string]string),
		refUpdates: make(map[string]*Checksum),
	}, nil
}

// WriteObject stages a metadata object (dirtree, dirmeta, commit) from
// its canonical bytes. Rejects bytes that are not the canonical
// serialisation of their own decoding, and returns the derived
// checksum. Idempotent: re-staging or re-writing a committed object is
// a no-op.
func (t *Transaction) WriteObject(kind ObjectKind, data []byte) (Checksum, error) {
	if t.done {
		return Checksum{}, fmt.Errorf("transaction already finished")
	}
	if kind == ObjectFile {
		return Checksum{}, fmt.Errorf("file objects are written with WriteFileObject")
	}
	if err := verifyCanonical(kind, data); err != nil {
		return Checksum{}, err
	}
	checksum := hashForKind(kind, data)
	if err := t.stage(checksum, kind.suffix(), data); err != nil {
		return Checksum{}, err
	}
	return checksum, nil
}

// WriteFileObject stages a file object from its metadata and content.
// Symlink objects carry their target in meta and no content.
func (t *Transaction) WriteFileObject(meta FileMeta, content []byte) (Checksum, error) {
	if t.done {
		return Checksum{}, fmt.Errorf("transaction already finished")
	}
	if meta.IsSymlink() && len(content) > 0 {
		return Checksum{}, fmt.Errorf("symlink object cannot carry content")
	}
	meta.Size = int64(len(content))
	metaBytes, err := canonicalMarshal(meta)
	if err != nil {
		return Checksum{}, err
	}
	checksum := hashFileObject(metaBytes, content)

	if err := t.stage(checksum, fileMetaSuffix, metaBytes); err != nil {
		return Checksum{}, err
	}
	if !meta.IsSymlink() {
		if err := t.stagePayload(checksum, content, meta.IsExecutable()); err != nil {
			return Checksum{}, err
		}
	}
	return checksum, nil
}

// HasObject reports whether the object is committed or staged in this
// transaction.
func (t *Transaction) HasObject(checksum Checksum, kind ObjectKind) bool {
	suffix := kind.suffix()
	if kind == ObjectFile {
		suffix = fileMetaSuffix
	}
	if _, staged := t.staged[checksum.String()+suffix]; staged {
		return true
	}
	return t.store.HasObject(checksum, kind) ||
		(kind == ObjectFile && fileObjectCommitted(t.store, checksum))
}

func fileObjectCommitted(s *Store, checksum Checksum) bool {
	_, err := os.Stat(s.objectPath(checksum, fileMetaSuffix))
	return err == nil
}

// SetRef records a ref update to apply at commit.
func (t *Transaction) SetRef(name string, checksum Checksum) {
	c := checksum
	t.refUpdates[name] = &c
}

// DeleteRef records a ref deletion to apply at commit.
func (t *Transaction) DeleteRef(name string) {
	t.refUpdates[name] = nil
}

// stage writes data to the staging directory under its final object
// filename. Objects already committed or staged are skipped (dedup by
// construction: same bytes, same checksum).
func (t *Transaction) stage(checksum Checksum, suffix string, data []byte) error {
	name := checksum.String() + suffix
	if _, exists := t.staged[name]; exists {
		return nil
	}
	if _, err := os.Stat(t.store.objectPath(checksum, suffix)); err == nil {
		return nil
	}
	path := filepath.Join(t.stagingDir, name)
	if err := os.WriteFile(path, data, 0o444); err != nil {
		return fmt.Errorf("staging object %s: %w", name, err)
	}
	t.staged[name] = path
	return nil
}

// stagePayload writes a file object's payload. The payload is stored
// read-only; the execute bit is preserved so hardlink checkouts keep
// it without a chmod that would affect the store copy.
func (t *Transaction) stagePayload(checksum Checksum, content []byte, executable bool) error {
	name := checksum.String() + ObjectFile.suffix()
	if _, exists := t.staged[name]; exists {
		return nil
	}
	if _, err := os.Stat(t.store.objectPath(checksum, ObjectFile.suffix())); err == nil {
		return nil
	}
	mode := os.FileMode(0o444)
	if executable {
		mode = 0o555
	}
	path := filepath.Join(t.stagingDir, name)
	if err := os.WriteFile(path, content, mode); err != nil {
		return fmt.Errorf("staging payload %s: %w", name, err)
	}
	t.staged[name] = path
	return nil
}

// Commit promotes all staged objects into the object store, applies
// ref updates, fsyncs the affected directories, bumps the changed
// file, and releases the lock. On context cancellation nothing is
// promoted and the transaction aborts.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}

	// Promote objects first, refs second: a ref must never point at
	// an object that is not yet durable.
	shardDirs := make(map[string]struct{})
	for name, stagedPath := range t.staged {
		if err := ctx.Err(); err != nil {
			t.Abort()
			return errcode.Wrap(errcode.Cancelled, err, "transaction cancelled")
		}
		finalPath := filepath.Join(t.store.root, objectsDir, name[:2], name[2:])
		shardDir := filepath.Dir(finalPath)
		if err := os.MkdirAll(shardDir, 0o755); err != nil {
			t.Abort()
			return fmt.Errorf("creating object shard: %w", err)
		}
		if _, err := os.Stat(finalPath); err == nil {
			os.Remove(stagedPath)
			continue
		}
		if err := os.Rename(stagedPath, finalPath); err != nil {
			t.Abort()
			return fmt.Errorf("promoting object %s: %w", name, err)
		}
		shardDirs[shardDir] = struct{}{}
	}
	for dir := range shardDirs {
		if err := fsyncDir(dir); err != nil {
			t.Abort()
			return err
		}
	}

	// Stage every ref write to a temp name before advancing any of
	// them: the failure-prone work (mkdir, write) happens while no ref
	// has moved, so a mid-batch error cannot leave some refs advanced
	// and others not. The remaining rename-only window is per-file
	// atomic.
	staged := make(map[string]string)
	cleanup := func() {
		for _, tmpPath := range staged {
			os.Remove(tmpPath)
		}
	}
	for name, checksum := range t.refUpdates {
		if checksum == nil {
			continue
		}
		path := t.store.refPath(name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			cleanup()
			t.Abort()
			return fmt.Errorf("creating ref directory for %q: %w", name, err)
		}
		tmpPath := path + ".tmp"
		if err := os.WriteFile(tmpPath, []byte(checksum.String()+"\n"), 0o644); err != nil {
			cleanup()
			t.Abort()
			return fmt.Errorf("writing ref %q: %w", name, err)
		}
		staged[name] = tmpPath
	}

	refDirs := make(map[string]struct{})
	for name, checksum := range t.refUpdates {
		path := t.store.refPath(name)
		if checksum == nil {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				cleanup()
				t.Abort()
				return fmt.Errorf("deleting ref %q: %w", name, err)
			}
			continue
		}
		if err := os.Rename(staged[name], path); err != nil {
			cleanup()
			t.Abort()
			return fmt.Errorf("advancing ref %q: %w", name, err)
		}
		delete(staged, name)
		refDirs[filepath.Dir(path)] = struct{}{}
	}
	for dir := range refDirs {
		if err := fsyncDir(dir); err != nil {
			t.Abort()
			return err
		}
	}

	os.RemoveAll(t.stagingDir)
	t.store.bumpChanged()
	t.done = true
	return t.lock.unlock()
}

// Abort discards all staged objects and ref updates and releases the
// lock. Safe to call after a failed Commit.
func (t *Transaction) Abort() {
	if t.done {
		return
	}
	t.done = true
	os.RemoveAll(t.stagingDir)
	t.lock.unlock()
}
