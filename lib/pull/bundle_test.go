// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package pull

import (
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/remote"
	"github.com/capsule-apps/capsule/lib/store"
)

func writeBundle(t *testing.T, source *storeSource, refName string, commit store.Checksum, opts BundleOptions) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.bundle")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating bundle file: %v", err)
	}
	if err := CreateBundle(source.st, refName, commit, file, opts); err != nil {
		t.Fatalf("CreateBundle failed: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("closing bundle file: %v", err)
	}
	return path
}

func TestBundleRoundTrip(t *testing.T) {
	for _, compression := range []string{CompressionZstd, CompressionLZ4, CompressionNone} {
		t.Run(compression, func(t *testing.T) {
			refName := "app/org.example.X/x86_64/stable"
			source, commit := seedSource(t, refName, map[string]string{
				"metadata":    "[Application]\n",
				"files/bin/x": "payload",
			})
			path := writeBundle(t, source, refName, commit, BundleOptions{Compression: compression})

			dest := newTestStore(t)
			gotRef, gotCommit, err := ImportBundle(context.Background(), dest, path, ImportBundleOptions{})
			if err != nil {
				t.Fatalf("ImportBundle failed: %v", err)
			}
			if gotRef != refName || gotCommit != commit {
				t.Errorf("imported (%s, %s)", gotRef, gotCommit.Short())
			}
			if complete, err := dest.HasCommitClosure(commit); err != nil || !complete {
				t.Errorf("imported closure incomplete: complete=%v err=%v", complete, err)
			}
			resolved, err := dest.ResolveRef(refName)
			if err != nil || resolved != commit {
				t.Errorf("ref after import = %s, %v", resolved.Short(), err)
			}
		})
	}
}

func TestBundleSignature(t *testing.T) {
	refName := "app/org.example.X/x86_64/stable"
	source, commit := seedSource(t, refName, map[string]string{"files/a": "a"})
	public, private, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	keyring, err := remote.ParseKeyring(public)
	if err != nil {
		t.Fatalf("ParseKeyring failed: %v", err)
	}

	// Unsigned bundle against a keyring fails.
	unsigned := writeBundle(t, source, refName, commit, BundleOptions{})
	dest := newTestStore(t)
	_, _, err = ImportBundle(context.Background(), dest, unsigned, ImportBundleOptions{Keyring: keyring})
	if !errcode.Is(err, errcode.SignatureMismatch) {
		t.Fatalf("unsigned bundle import: %v", err)
	}
	if _, err := dest.ResolveRef(refName); err == nil {
		t.Errorf("rejected bundle advanced the ref")
	}

	commitBytes, err := source.st.ReadObject(commit, store.ObjectCommit)
	if err != nil {
		t.Fatalf("reading commit: %v", err)
	}
	signed := writeBundle(t, source, refName, commit, BundleOptions{
		Signature: ed25519.Sign(private, commitBytes),
	})
	if _, _, err := ImportBundle(context.Background(), dest, signed, ImportBundleOptions{Keyring: keyring}); err != nil {
		t.Fatalf("signed bundle import failed: %v", err)
	}
}

func TestBundleRefOverride(t *testing.T) {
	refName := "app/org.example.X/x86_64/stable"
	source, commit := seedSource(t, refName, map[string]string{"files/a": "a"})
	path := writeBundle(t, source, refName, commit, BundleOptions{})

	dest := newTestStore(t)
	override := "app/org.example.X/x86_64/testing"
	gotRef, _, err := ImportBundle(context.Background(), dest, path, ImportBundleOptions{LocalRef: override})
	if err != nil {
		t.Fatalf("ImportBundle failed: %v", err)
	}
	if gotRef != override {
		t.Errorf("imported ref = %s", gotRef)
	}
	if _, err := dest.ResolveRef(override); err != nil {
		t.Errorf("override ref not set: %v", err)
	}
}

func TestBundleRejectsGarbage(t *testing.T) {
	dest := newTestStore(t)

	tiny := filepath.Join(t.TempDir(), "tiny")
	if err := os.WriteFile(tiny, []byte("xx"), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	if _, _, err := ImportBundle(context.Background(), dest, tiny, ImportBundleOptions{}); !errcode.Is(err, errcode.InvalidArgs) {
		t.Errorf("tiny file import: %v", err)
	}

	notBundle := filepath.Join(t.TempDir(), "not-a-bundle")
	if err := os.WriteFile(notBundle, make([]byte, 64), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	if _, _, err := ImportBundle(context.Background(), dest, notBundle, ImportBundleOptions{}); !errcode.Is(err, errcode.InvalidArgs) {
		t.Errorf("garbage import: %v", err)
	}
}
