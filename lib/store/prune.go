// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/capsule-apps/capsule/lib/errcode"
)

// PruneResult reports what a prune pass removed.
type PruneResult struct {
	ObjectsKept    int
	ObjectsDeleted int
	BytesFreed     int64
}

// Prune removes every object unreachable from the kept refs:
// mark-and-sweep from each ref's commit through its tree and file
// closure, then delete unmarked object files. Extra checksums to keep
// alive (deployed commits whose refs were deleted) are passed in
// keepCommits.
//
// Prune takes the exclusive repo lock without blocking: if a write
// transaction is in flight the prune fails with TransactionConflict
// rather than waiting behind an arbitrarily long pull.
func (s *Store) Prune(ctx context.Context, keepCommits []Checksum) (*PruneResult, error) {
	lock, err := tryLockExclusive(filepath.Join(s.root, lockFile))
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, errcode.New(errcode.TransactionConflict, "repo is busy: a write transaction is in flight")
	}
	defer lock.unlock()

	// Mark phase: object filename → reachable.
	marked := make(map[string]struct{})

	refs, err := s.ListRefs("")
	if err != nil {
		return nil, err
	}
	roots := make([]Checksum, 0, len(refs)+len(keepCommits))
	for _, entry := range refs {
		roots = append(roots, entry.Checksum)
	}
	roots = append(roots, keepCommits...)

	for _, commitChecksum := range roots {
		if err := ctx.Err(); err != nil {
			return nil, errcode.Wrap(errcode.Cancelled, err, "prune cancelled")
		}
		if err := s.markCommit(commitChecksum, marked); err != nil {
			return nil, fmt.Errorf("marking commit %s: %w", commitChecksum.Short(), err)
		}
	}

	// Sweep phase.
	result := &PruneResult{}
	objectsRoot := filepath.Join(s.root, objectsDir)
	err = filepath.WalkDir(objectsRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return errcode.Wrap(errcode.Cancelled, cerr, "prune cancelled")
		}
		shard := filepath.Base(filepath.Dir(path))
		name := shard + filepath.Base(path)
		if _, keep := marked[name]; keep {
			result.ObjectsKept++
			return nil
		}
		info, statErr := d.Info()
		if statErr == nil {
			result.BytesFreed += info.Size()
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing unreachable object %s: %w", name, err)
		}
		result.ObjectsDeleted++
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("prune complete",
		"kept", result.ObjectsKept,
		"deleted", result.ObjectsDeleted,
		"bytes_freed", result.BytesFreed)
	return result, nil
}

// markCommit marks a commit and its transitive closure. Commits
// referenced by a ref but absent from the store (partial repos after
// a forced ref import) are skipped rather than failing the prune.
func (s *Store) markCommit(commitChecksum Checksum, marked map[string]struct{}) error {
	name := commitChecksum.String() + ObjectCommit.suffix()
	if _, done := marked[name]; done {
		return nil
	}
	if !s.HasObject(commitChecksum, ObjectCommit) {
		return nil
	}
	marked[name] = struct{}{}

	commit, err := s.ReadCommit(commitChecksum)
	if err != nil {
		return err
	}
	return s.markTree(commit.RootTree, commit.RootMeta, marked)
}

func (s *Store) markTree(treeChecksum, metaChecksum Checksum, marked map[string]struct{}) error {
	treeName := treeChecksum.String() + ObjectDirTree.suffix()
	if _, done := marked[treeName]; done {
		// Shared subtree already walked; still mark the dirmeta in
		// case this parent pairs the tree with different metadata.
		marked[metaChecksum.String()+ObjectDirMeta.suffix()] = struct{}{}
		return nil
	}
	marked[treeName] = struct{}{}
	marked[metaChecksum.String()+ObjectDirMeta.suffix()] = struct{}{}

	tree, err := s.ReadDirTree(treeChecksum)
	if err != nil {
		return err
	}
	for _, file := range tree.Files {
		marked[file.Checksum.String()+ObjectFile.suffix()] = struct{}{}
		marked[file.Checksum.String()+fileMetaSuffix] = struct{}{}
	}
	for _, dir := range tree.Dirs {
		if err := s.markTree(dir.TreeChecksum, dir.MetaChecksum, marked); err != nil {
			return err
		}
	}
	return nil
}
