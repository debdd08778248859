// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/capsule-apps/capsule/lib/errcode"
)

// CheckoutMode selects how file payloads reach the destination.
type CheckoutMode int

const (
	// CheckoutHardlink links payloads from the object store. Falls
	// back to copying per-file when linking fails (cross-device
	// destination). Payloads are stored read-only, so hardlinked
	// checkouts are immutable by construction.
	CheckoutHardlink CheckoutMode = iota

	// CheckoutCopy copies payloads, applying the full stored mode.
	CheckoutCopy
)

// CheckoutOptions configures a checkout.
type CheckoutOptions struct {
	Mode CheckoutMode

	// Subpaths, when non-empty, limits materialisation to children
	// whose slash-separated path has one of these prefixes. Parents
	// of a subpath are created (empty) so the subpath can exist.
	Subpaths []string
}

// Checkout materialises the tree of a commit into destDir, which must
// not already exist. On failure the partial output is removed, so the
// destination either appears complete or not at all.
func (s *Store) Checkout(ctx context.Context, commitChecksum Checksum, destDir string, opts CheckoutOptions) error {
	if _, err := os.Lstat(destDir); err == nil {
		return fmt.Errorf("checkout destination %s already exists", destDir)
	}

	commit, err := s.ReadCommit(commitChecksum)
	if err != nil {
		return err
	}

	if err := s.checkoutTree(ctx, commit.RootTree, commit.RootMeta, destDir, "", opts); err != nil {
		os.RemoveAll(destDir)
		return err
	}
	return nil
}

func (s *Store) checkoutTree(ctx context.Context, treeChecksum, metaChecksum Checksum, destDir, relPath string, opts CheckoutOptions) error {
	meta, err := s.ReadDirMeta(metaChecksum)
	if err != nil {
		return err
	}
	if err := os.Mkdir(destDir, os.FileMode(meta.Mode&0o777)); err != nil {
		return fmt.Errorf("creating %s: %w", destDir, err)
	}

	tree, err := s.ReadDirTree(treeChecksum)
	if err != nil {
		return err
	}

	for _, file := range tree.Files {
		if err := ctx.Err(); err != nil {
			return errcode.Wrap(errcode.Cancelled, err, "checkout cancelled")
		}
		childPath := joinRel(relPath, file.Name)
		if !subpathIncludes(opts.Subpaths, childPath) {
			continue
		}
		if err := s.checkoutFile(file.Checksum, filepath.Join(destDir, file.Name), opts.Mode); err != nil {
			return fmt.Errorf("checking out %s: %w", childPath, err)
		}
	}

	for _, dir := range tree.Dirs {
		if err := ctx.Err(); err != nil {
			return errcode.Wrap(errcode.Cancelled, err, "checkout cancelled")
		}
		childPath := joinRel(relPath, dir.Name)
		if !subpathDescends(opts.Subpaths, childPath) {
			continue
		}
		if err := s.checkoutTree(ctx, dir.TreeChecksum, dir.MetaChecksum, filepath.Join(destDir, dir.Name), childPath, opts); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) checkoutFile(checksum Checksum, dest string, mode CheckoutMode) error {
	metaBytes, err := os.ReadFile(s.objectPath(checksum, fileMetaSuffix))
	if err != nil {
		if os.IsNotExist(err) {
			return errcode.New(errcode.ObjectMissing, "file object %s not in repo", checksum.Short())
		}
		return err
	}
	var meta FileMeta
	if err := decodeFileMeta(metaBytes, &meta); err != nil {
		return errcode.Wrap(errcode.ObjectCorrupt, err, "file metadata %s", checksum.Short())
	}

	if meta.IsSymlink() {
		return os.Symlink(meta.Symlink, dest)
	}

	payload := s.FilePayloadPath(checksum)
	if mode == CheckoutHardlink {
		if err := os.Link(payload, dest); err == nil {
			return nil
		}
		// Cross-device or link-limit failure: degrade to copy.
	}

	source, err := os.Open(payload)
	if err != nil {
		if os.IsNotExist(err) {
			return errcode.New(errcode.ObjectMissing, "file payload %s not in repo", checksum.Short())
		}
		return err
	}
	defer source.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, os.FileMode(meta.Mode&0o777))
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, source); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// subpathIncludes reports whether a leaf at path should materialise:
// either no subpaths are configured, or some subpath is a prefix of
// the path.
func subpathIncludes(subpaths []string, path string) bool {
	if len(subpaths) == 0 {
		return true
	}
	for _, subpath := range subpaths {
		cleaned := strings.Trim(subpath, "/")
		if cleaned == "" || path == cleaned || strings.HasPrefix(path, cleaned+"/") {
			return true
		}
	}
	return false
}

// subpathDescends reports whether a directory at path must be entered:
// it is included itself, or it is an ancestor of some subpath.
func subpathDescends(subpaths []string, path string) bool {
	if subpathIncludes(subpaths, path) {
		return true
	}
	for _, subpath := range subpaths {
		cleaned := strings.Trim(subpath, "/")
		if strings.HasPrefix(cleaned, path+"/") {
			return true
		}
	}
	return false
}
