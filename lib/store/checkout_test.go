// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCheckoutCopyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	files := map[string]string{
		"metadata":                "[Application]\nname=org.example.X\n",
		"files/bin/run":           "#!/bin/sh\necho run\n",
		"files/share/doc/README":  "docs\n",
		"export/share/x.desktop":  "[Desktop Entry]\n",
	}
	commitChecksum := commitTestTree(t, s, "", files)

	dest := filepath.Join(t.TempDir(), "checkout")
	if err := s.Checkout(context.Background(), commitChecksum, dest, CheckoutOptions{Mode: CheckoutCopy}); err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}

	for path, content := range files {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(path)))
		if err != nil {
			t.Errorf("missing %s: %v", path, err)
			continue
		}
		if string(got) != content {
			t.Errorf("%s content mismatch", path)
		}
	}
}

func TestCheckoutHardlinkSharesInode(t *testing.T) {
	s := newTestStore(t)
	commitChecksum := commitTestTree(t, s, "", map[string]string{"files/data": "payload"})

	dest := filepath.Join(t.TempDir(), "checkout")
	if err := s.Checkout(context.Background(), commitChecksum, dest, CheckoutOptions{Mode: CheckoutHardlink}); err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dest, "files", "data"))
	if err != nil {
		t.Fatalf("stat checked-out file: %v", err)
	}
	// Hardlinked payloads are read-only in the store; mode must not be
	// writable even though the original FileMeta said 0644.
	if info.Mode().Perm()&0o222 != 0 {
		t.Errorf("hardlinked checkout is writable: %v", info.Mode())
	}
}

func TestCheckoutSymlink(t *testing.T) {
	s := newTestStore(t)

	txn, _ := s.Begin()
	root := NewMutableTree(0o40755)
	if err := root.AddFile("files/current", &MutableFile{
		Meta: FileMeta{Mode: 0o120777, Symlink: "versions/1.0"},
	}); err != nil {
		t.Fatalf("AddFile failed: %v", err)
	}
	tree, meta, err := txn.WriteMTree(root)
	if err != nil {
		t.Fatalf("WriteMTree failed: %v", err)
	}
	commitChecksum, err := txn.WriteCommit(&Commit{RootTree: tree, RootMeta: meta, Subject: "s", Timestamp: time.Now().Unix()})
	if err != nil {
		t.Fatalf("WriteCommit failed: %v", err)
	}
	if err := txn.Commit(context.Background()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "checkout")
	if err := s.Checkout(context.Background(), commitChecksum, dest, CheckoutOptions{Mode: CheckoutCopy}); err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	target, err := os.Readlink(filepath.Join(dest, "files", "current"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "versions/1.0" {
		t.Errorf("symlink target = %q", target)
	}
}

func TestCheckoutSubpaths(t *testing.T) {
	s := newTestStore(t)
	commitChecksum := commitTestTree(t, s, "", map[string]string{
		"files/bin/run":       "run",
		"files/share/locale/de/x.mo": "de",
		"files/share/locale/fr/x.mo": "fr",
		"metadata":            "m",
	})

	dest := filepath.Join(t.TempDir(), "checkout")
	opts := CheckoutOptions{Mode: CheckoutCopy, Subpaths: []string{"files/bin", "files/share/locale/de"}}
	if err := s.Checkout(context.Background(), commitChecksum, dest, opts); err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dest, "files", "bin", "run")); err != nil {
		t.Errorf("included subpath missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "files", "share", "locale", "de", "x.mo")); err != nil {
		t.Errorf("included subpath missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "files", "share", "locale", "fr")); !os.IsNotExist(err) {
		t.Errorf("excluded subpath materialised")
	}
	if _, err := os.Stat(filepath.Join(dest, "metadata")); !os.IsNotExist(err) {
		t.Errorf("excluded top-level file materialised")
	}
}

func TestCheckoutRollsBackOnMissingObject(t *testing.T) {
	s := newTestStore(t)
	commitChecksum := commitTestTree(t, s, "", map[string]string{
		"files/a": "a",
		"files/z": "z",
	})

	// Remove one file object so the checkout fails partway.
	commit, _ := s.ReadCommit(commitChecksum)
	tree, _ := s.ReadDirTree(commit.RootTree)
	filesDir, _ := s.ReadDirTree(tree.Dirs[0].TreeChecksum)
	victim := filesDir.Files[len(filesDir.Files)-1].Checksum
	if err := os.Remove(s.objectPath(victim, ObjectFile.suffix())); err != nil {
		t.Fatalf("removing payload: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "checkout")
	if err := s.Checkout(context.Background(), commitChecksum, dest, CheckoutOptions{Mode: CheckoutCopy}); err == nil {
		t.Fatalf("Checkout should fail")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("failed checkout left partial output")
	}
}

func TestCheckoutRefusesExistingDest(t *testing.T) {
	s := newTestStore(t)
	commitChecksum := commitTestTree(t, s, "", map[string]string{"f": "x"})

	dest := t.TempDir()
	if err := s.Checkout(context.Background(), commitChecksum, dest, CheckoutOptions{}); err == nil {
		t.Errorf("Checkout into existing directory should fail")
	}
}
