// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// MutableTree is an in-memory directory tree being assembled for a
// commit. File nodes may hold their content directly or point at a
// source path on disk that is read lazily when the tree is
// materialised — large imports (bundle extraction, OCI layers) stage
// files on disk and never hold the whole payload in memory.
type MutableTree struct {
	Meta  DirMeta
	Files map[string]*MutableFile
	Dirs  map[string]*MutableTree
}

// MutableFile is a file node in a MutableTree.
type MutableFile struct {
	Meta FileMeta

	// Content holds the payload when SourcePath is empty.
	Content []byte

	// SourcePath, when set, is read at materialisation time.
	SourcePath string
}

// NewMutableTree returns an empty tree with the given directory mode.
func NewMutableTree(mode uint32) *MutableTree {
	return &MutableTree{
		Meta:  DirMeta{Mode: mode},
		Files: make(map[string]*MutableFile),
		Dirs:  make(map[string]*MutableTree),
	}
}

// EnsureDir returns the subdirectory at the slash-separated relative
// path, creating intermediate directories with the given mode.
func (m *MutableTree) EnsureDir(path string, mode uint32) *MutableTree {
	if path == "" || path == "." {
		return m
	}
	node := m
	for _, part := range splitPath(path) {
		child, ok := node.Dirs[part]
		if !ok {
			child = NewMutableTree(mode)
			node.Dirs[part] = child
		}
		node = child
	}
	return node
}

// AddFile places a file node at the slash-separated relative path,
// creating parent directories as needed.
func (m *MutableTree) AddFile(path string, file *MutableFile) error {
	dir, base := filepath.Split(path)
	if base == "" {
		return fmt.Errorf("invalid file path %q", path)
	}
	parent := m.EnsureDir(filepath.ToSlash(filepath.Clean(dir)), 0o755)
	if _, exists := parent.Dirs[base]; exists {
		return fmt.Errorf("path %q already exists as a directory", path)
	}
	parent.Files[base] = file
	return nil
}

func splitPath(path string) []string {
	var parts []string
	clean := filepath.ToSlash(filepath.Clean(path))
	for _, part := range splitSlash(clean) {
		if part != "" && part != "." {
			parts = append(parts, part)
		}
	}
	return parts
}

func splitSlash(path string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	return parts
}

// WriteMTree materialises the tree bottom-up into dirtree and dirmeta
// objects staged in the transaction, returning the root tree and root
// dirmeta checksums.
func (t *Transaction) WriteMTree(m *MutableTree) (tree Checksum, meta Checksum, err error) {
	metaBytes, err := canonicalMarshal(m.Meta)
	if err != nil {
		return Checksum{}, Checksum{}, err
	}
	meta, err = t.WriteObject(ObjectDirMeta, metaBytes)
	if err != nil {
		return Checksum{}, Checksum{}, err
	}

	var dirTree DirTree

	fileNames := make([]string, 0, len(m.Files))
	for name := range m.Files {
		fileNames = append(fileNames, name)
	}
	sort.Strings(fileNames)
	for _, name := range fileNames {
		file := m.Files[name]
		content := file.Content
		if file.SourcePath != "" {
			content, err = os.ReadFile(file.SourcePath)
			if err != nil {
				return Checksum{}, Checksum{}, fmt.Errorf("reading mtree source %s: %w", file.SourcePath, err)
			}
		}
		checksum, err := t.WriteFileObject(file.Meta, content)
		if err != nil {
			return Checksum{}, Checksum{}, fmt.Errorf("writing file %q: %w", name, err)
		}
		dirTree.Files = append(dirTree.Files, TreeEntry{Name: name, Checksum: checksum})
	}

	dirNames := make([]string, 0, len(m.Dirs))
	for name := range m.Dirs {
		dirNames = append(dirNames, name)
	}
	sort.Strings(dirNames)
	for _, name := range dirNames {
		childTree, childMeta, err := t.WriteMTree(m.Dirs[name])
		if err != nil {
			return Checksum{}, Checksum{}, err
		}
		dirTree.Dirs = append(dirTree.Dirs, DirEntry{Name: name, TreeChecksum: childTree, MetaChecksum: childMeta})
	}

	if err := sortedTree(&dirTree); err != nil {
		return Checksum{}, Checksum{}, err
	}
	treeBytes, err := canonicalMarshal(&dirTree)
	if err != nil {
		return Checksum{}, Checksum{}, err
	}
	tree, err = t.WriteObject(ObjectDirTree, treeBytes)
	if err != nil {
		return Checksum{}, Checksum{}, err
	}
	return tree, meta, nil
}

// WriteCommit serialises and stages a commit object.
func (t *Transaction) WriteCommit(commit *Commit) (Checksum, error) {
	data, err := canonicalMarshal(commit)
	if err != nil {
		return Checksum{}, err
	}
	return t.WriteObject(ObjectCommit, data)
}

// MTreeFromFS builds a MutableTree mirroring a directory on disk.
// File nodes reference their source paths lazily. Ownership is
// recorded as 0/0: the store is user-scope content-addressed data,
// matching a bare-user repository where ownership is not preserved.
func MTreeFromFS(root string) (*MutableTree, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	tree := NewMutableTree(uint32(info.Mode().Perm()) | 0o40000)
	if err := fillTreeFromFS(tree, root); err != nil {
		return nil, err
	}
	return tree, nil
}

func fillTreeFromFS(tree *MutableTree, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		switch {
		case info.IsDir():
			child := NewMutableTree(uint32(info.Mode().Perm()) | 0o40000)
			tree.Dirs[entry.Name()] = child
			if err := fillTreeFromFS(child, path); err != nil {
				return err
			}
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
			tree.Files[entry.Name()] = &MutableFile{
				Meta: FileMeta{Mode: 0o777 | 0o120000, Symlink: target},
			}
		case info.Mode().IsRegular():
			tree.Files[entry.Name()] = &MutableFile{
				Meta:       FileMeta{Mode: uint32(info.Mode().Perm()) | 0o100000},
				SourcePath: path,
			}
		default:
			// Sockets, fifos, and device nodes are not content and
			// cannot be represented; imports skip them.
		}
	}
	return nil
}
