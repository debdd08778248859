// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/capsule-apps/capsule/lib/codec"
	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/keyfile"
)

// Directory names within the repo root.
const (
	objectsDir   = "objects"
	refsDir      = "refs/heads"
	summariesDir = "summaries"
	keysDir      = "keys"
	tmpDir       = "tmp"
	lockFile     = ".lock"
	configFile   = "config"
)

// Store is the content-addressed object repository under one
// installation's repo/ directory. It is append-only: objects are
// written through transactions and never rewritten in place, so
// concurrent readers need no locking against the single writer.
type Store struct {
	root   string
	logger *slog.Logger

	// changedFile, when set, has its mtime bumped after every
	// committed transaction. The installation directory points this
	// at <installation>/.changed so cache consumers can watch one
	// file instead of the whole tree.
	changedFile string
}

// Init creates the repo directory structure (idempotent) and returns
// an open store.
func Init(root string, logger *slog.Logger) (*Store, error) {
	for _, dir := range []string{
		root,
		filepath.Join(root, objectsDir),
		filepath.Join(root, refsDir),
		filepath.Join(root, summariesDir),
		filepath.Join(root, keysDir),
		filepath.Join(root, tmpDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating repo directory %s: %w", dir, err)
		}
	}

	configPath := filepath.Join(root, configFile)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		config := keyfile.New()
		config.SetInt("core", "repo_version", 1)
		config.SetString("core", "mode", "bare-user-only")
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("writing repo config: %w", err)
		}
	}

	return Open(root, logger)
}

// Open opens an existing repo. Fails with StoreCorrupt when the
// required layout (objects directory, config file) is missing.
func Open(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(filepath.Join(root, objectsDir)); err != nil {
		return nil, errcode.Wrap(errcode.StoreCorrupt, err, "repo %s has no objects directory", root)
	}
	if _, err := os.Stat(filepath.Join(root, configFile)); err != nil {
		return nil, errcode.Wrap(errcode.StoreCorrupt, err, "repo %s has no config", root)
	}
	return &Store{root: root, logger: logger}, nil
}

// Root returns the repo root directory.
func (s *Store) Root() string { return s.root }

// ConfigPath returns the path of the repo config keyfile. The remote
// registry owns the [remote "..."] groups within it.
func (s *Store) ConfigPath() string { return filepath.Join(s.root, configFile) }

// SummariesDir returns the summary cache directory.
func (s *Store) SummariesDir() string { return filepath.Join(s.root, summariesDir) }

// KeysDir returns the trusted-keys directory.
func (s *Store) KeysDir() string { return filepath.Join(s.root, keysDir) }

// SetChangedFile configures the mtime-bump file touched after each
// committed transaction.
func (s *Store) SetChangedFile(path string) { s.changedFile = path }

// LockExclusive takes the repo writer lock outside a transaction, for
// mutations of repo-adjacent state (remote configuration, trusted
// keys) that must serialise with in-flight writers. The returned
// function releases the lock.
func (s *Store) LockExclusive() (func() error, error) {
	lock, err := lockExclusive(filepath.Join(s.root, lockFile))
	if err != nil {
		return nil, err
	}
	return lock.unlock, nil
}

// objectPath returns the sharded path for an object:
// objects/aa/rest-of-hex.suffix.
func (s *Store) objectPath(checksum Checksum, suffix string) string {
	hex := checksum.String()
	return filepath.Join(s.root, objectsDir, hex[:2], hex[2:]+suffix)
}

// HasObject reports whether the object exists in committed storage.
func (s *Store) HasObject(checksum Checksum, kind ObjectKind) bool {
	_, err := os.Stat(s.objectPath(checksum, kind.suffix()))
	return err == nil
}

// ReadObject returns the canonical bytes of a metadata object, or the
// raw content of a file object. The bytes are verified against the
// requested checksum; a mismatch is ObjectCorrupt.
func (s *Store) ReadObject(checksum Checksum, kind ObjectKind) ([]byte, error) {
	if kind == ObjectFile {
		_, content, err := s.ReadFileObject(checksum)
		return content, err
	}
	data, err := os.ReadFile(s.objectPath(checksum, kind.suffix()))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errcode.New(errcode.ObjectMissing, "%s object %s not in repo", kind, checksum.Short())
		}
		return nil, fmt.Errorf("reading %s object %s: %w", kind, checksum.Short(), err)
	}
	if actual := hashForKind(kind, data); actual != checksum {
		return nil, errcode.New(errcode.ObjectCorrupt, "%s object %s hashes to %s", kind, checksum.Short(), actual.Short())
	}
	return data, nil
}

// ReadFileObject returns the metadata and content of a file object,
// verified against the checksum.
func (s *Store) ReadFileObject(checksum Checksum) (FileMeta, []byte, error) {
	metaBytes, err := os.ReadFile(s.objectPath(checksum, fileMetaSuffix))
	if err != nil {
		if os.IsNotExist(err) {
			return FileMeta{}, nil, errcode.New(errcode.ObjectMissing, "file object %s not in repo", checksum.Short())
		}
		return FileMeta{}, nil, fmt.Errorf("reading file metadata %s: %w", checksum.Short(), err)
	}
	var meta FileMeta
	if err := codec.Unmarshal(metaBytes, &meta); err != nil {
		return FileMeta{}, nil, errcode.Wrap(errcode.ObjectCorrupt, err, "file metadata %s", checksum.Short())
	}

	var content []byte
	if !meta.IsSymlink() {
		content, err = os.ReadFile(s.objectPath(checksum, ObjectFile.suffix()))
		if err != nil {
			if os.IsNotExist(err) {
				return FileMeta{}, nil, errcode.New(errcode.ObjectMissing, "file payload %s not in repo", checksum.Short())
			}
			return FileMeta{}, nil, fmt.Errorf("reading file payload %s: %w", checksum.Short(), err)
		}
	}

	if actual := hashFileObject(metaBytes, content); actual != checksum {
		return FileMeta{}, nil, errcode.New(errcode.ObjectCorrupt, "file object %s hashes to %s", checksum.Short(), actual.Short())
	}
	return meta, content, nil
}

// FilePayloadPath returns the on-disk path of a file object's payload,
// for hardlink checkouts. The caller must have confirmed the object
// exists.
func (s *Store) FilePayloadPath(checksum Checksum) string {
	return s.objectPath(checksum, ObjectFile.suffix())
}

// ReadCommit reads and decodes a commit object.
func (s *Store) ReadCommit(checksum Checksum) (*Commit, error) {
	data, err := s.ReadObject(checksum, ObjectCommit)
	if err != nil {
		return nil, err
	}
	var commit Commit
	if err := codec.Unmarshal(data, &commit); err != nil {
		return nil, errcode.Wrap(errcode.ObjectCorrupt, err, "commit %s", checksum.Short())
	}
	return &commit, nil
}

// ReadDirTree reads and decodes a tree-metadata object.
func (s *Store) ReadDirTree(checksum Checksum) (*DirTree, error) {
	data, err := s.ReadObject(checksum, ObjectDirTree)
	if err != nil {
		return nil, err
	}
	var tree DirTree
	if err := codec.Unmarshal(data, &tree); err != nil {
		return nil, errcode.Wrap(errcode.ObjectCorrupt, err, "dirtree %s", checksum.Short())
	}
	return &tree, nil
}

// ReadDirMeta reads and decodes a directory-metadata object.
func (s *Store) ReadDirMeta(checksum Checksum) (*DirMeta, error) {
	data, err := s.ReadObject(checksum, ObjectDirMeta)
	if err != nil {
		return nil, err
	}
	var meta DirMeta
	if err := codec.Unmarshal(data, &meta); err != nil {
		return nil, errcode.Wrap(errcode.ObjectCorrupt, err, "dirmeta %s", checksum.Short())
	}
	return &meta, nil
}

// refPath maps a ref name (which contains slashes) to its file under
// refs/heads.
func (s *Store) refPath(name string) string {
	return filepath.Join(s.root, refsDir, filepath.FromSlash(name))
}

// ResolveRef returns the checksum a ref points at, or ObjectMissing
// when the ref does not exist.
func (s *Store) ResolveRef(name string) (Checksum, error) {
	data, err := os.ReadFile(s.refPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Checksum{}, errcode.New(errcode.ObjectMissing, "ref %q not in repo", name)
		}
		return Checksum{}, fmt.Errorf("reading ref %q: %w", name, err)
	}
	checksum, err := ParseChecksum(strings.TrimSpace(string(data)))
	if err != nil {
		return Checksum{}, errcode.Wrap(errcode.StoreCorrupt, err, "ref %q", name)
	}
	return checksum, nil
}

// ListRefs returns all refs whose name starts with prefix (empty
// prefix lists everything), sorted by name.
func (s *Store) ListRefs(prefix string) ([]RefEntry, error) {
	rootDir := filepath.Join(s.root, refsDir)
	var entries []RefEntry
	err := filepath.WalkDir(rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == rootDir {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		relative, err := filepath.Rel(rootDir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(relative)
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			return nil
		}
		checksum, err := s.ResolveRef(name)
		if err != nil {
			return err
		}
		entries = append(entries, RefEntry{Name: name, Checksum: checksum})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing refs: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// RefEntry is one (refname, checksum) pair from ListRefs.
type RefEntry struct {
	Name     string
	Checksum Checksum
}

// HasCommitClosure reports whether the commit and every transitive
// tree, dirmeta, and file object it references exist in committed
// storage. Used by pull to decide what to fetch and by tests to assert
// the object-store invariant.
func (s *Store) HasCommitClosure(commitChecksum Checksum) (bool, error) {
	if !s.HasObject(commitChecksum, ObjectCommit) {
		return false, nil
	}
	commit, err := s.ReadCommit(commitChecksum)
	if err != nil {
		return false, err
	}
	return s.hasTreeClosure(commit.RootTree, commit.RootMeta)
}

func (s *Store) hasTreeClosure(tree, meta Checksum) (bool, error) {
	if !s.HasObject(meta, ObjectDirMeta) {
		return false, nil
	}
	if !s.HasObject(tree, ObjectDirTree) {
		return false, nil
	}
	decoded, err := s.ReadDirTree(tree)
	if err != nil {
		return false, err
	}
	for _, file := range decoded.Files {
		if _, err := os.Stat(s.objectPath(file.Checksum, fileMetaSuffix)); err != nil {
			return false, nil
		}
	}
	for _, dir := range decoded.Dirs {
		complete, err := s.hasTreeClosure(dir.TreeChecksum, dir.MetaChecksum)
		if err != nil || !complete {
			return complete, err
		}
	}
	return true, nil
}

// bumpChanged updates the changed-file mtime. Failures are logged,
// not returned: a missed cache invalidation must not fail a committed
// transaction.
func (s *Store) bumpChanged() {
	if s.changedFile == "" {
		return
	}
	now := time.Now()
	if err := os.Chtimes(s.changedFile, now, now); err != nil {
		if os.IsNotExist(err) {
			if f, createErr := os.Create(s.changedFile); createErr == nil {
				f.Close()
				return
			}
		}
		s.logger.Warn("bumping changed file", "path", s.changedFile, "error", err)
	}
}
