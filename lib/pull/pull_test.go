// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package pull

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"

	"github.com/capsule-apps/capsule/lib/codec"
	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/remote"
	"github.com/capsule-apps/capsule/lib/store"
)

// storeSource serves pulls straight out of another store, standing in
// for an HTTP repository.
type storeSource struct {
	st         *store.Store
	signatures map[store.Checksum][][]byte
}

func (s *storeSource) ResolveRef(_ context.Context, name string) (store.Checksum, error) {
	return s.st.ResolveRef(name)
}

func (s *storeSource) FetchMetaObject(_ context.Context, checksum store.Checksum, kind store.ObjectKind) ([]byte, error) {
	return s.st.ReadObject(checksum, kind)
}

func (s *storeSource) FetchFileObject(_ context.Context, checksum store.Checksum) ([]byte, []byte, error) {
	meta, content, err := s.st.ReadFileObject(checksum)
	if err != nil {
		return nil, nil, err
	}
	metaBytes, err := codec.Marshal(meta)
	if err != nil {
		return nil, nil, err
	}
	return metaBytes, content, nil
}

func (s *storeSource) ListSignatures(_ context.Context, commit store.Checksum) ([][]byte, error) {
	return s.signatures[commit], nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Init(filepath.Join(t.TempDir(), "repo"), nil)
	if err != nil {
		t.Fatalf("store.Init failed: %v", err)
	}
	return s
}

// seedSource commits a small app tree into a fresh source store.
func seedSource(t *testing.T, refName string, files map[string]string) (*storeSource, store.Checksum) {
	t.Helper()
	origin := newTestStore(t)
	txn, err := origin.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	root := store.NewMutableTree(0o40755)
	for path, content := range files {
		err := root.AddFile(path, &store.MutableFile{
			Meta:    store.FileMeta{Mode: 0o100644},
			Content: []byte(content),
		})
		if err != nil {
			t.Fatalf("AddFile failed: %v", err)
		}
	}
	tree, meta, err := txn.WriteMTree(root)
	if err != nil {
		t.Fatalf("WriteMTree failed: %v", err)
	}
	commit, err := txn.WriteCommit(&store.Commit{
		RootTree:  tree,
		RootMeta:  meta,
		Subject:   "seed",
		Timestamp: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC).Unix(),
		Metadata:  map[string]string{store.AttrRef: refName},
	})
	if err != nil {
		t.Fatalf("WriteCommit failed: %v", err)
	}
	txn.SetRef(refName, commit)
	if err := txn.Commit(context.Background()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return &storeSource{st: origin, signatures: map[store.Checksum][][]byte{}}, commit
}

func TestPullRoundTrip(t *testing.T) {
	refName := "app/org.example.X/x86_64/stable"
	source, want := seedSource(t, refName, map[string]string{
		"metadata":      "[Application]\nname=org.example.X\n",
		"files/bin/x":   "#!/bin/sh\n",
		"files/share/d": "data",
	})
	dest := newTestStore(t)

	var lastDone int64
	commit, err := Pull(context.Background(), dest, source, Options{
		Ref:      refName,
		Progress: func(done, total int64) { lastDone = done },
	})
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if commit != want {
		t.Errorf("pulled commit = %s, want %s", commit.Short(), want.Short())
	}
	if complete, err := dest.HasCommitClosure(commit); err != nil || !complete {
		t.Errorf("pulled closure incomplete: complete=%v err=%v", complete, err)
	}
	resolved, err := dest.ResolveRef(refName)
	if err != nil || resolved != want {
		t.Errorf("local ref = %s, %v", resolved.Short(), err)
	}
	if lastDone == 0 {
		t.Errorf("progress never reported")
	}
}

func TestPullIsIncremental(t *testing.T) {
	refName := "app/org.example.X/x86_64/stable"
	source, _ := seedSource(t, refName, map[string]string{"files/a": "a"})
	dest := newTestStore(t)

	if _, err := Pull(context.Background(), dest, source, Options{Ref: refName}); err != nil {
		t.Fatalf("first Pull failed: %v", err)
	}

	// A second pull of the same ref fetches nothing new.
	var progressed bool
	_, err := Pull(context.Background(), dest, source, Options{
		Ref:      refName,
		Progress: func(done, total int64) { progressed = true },
	})
	if err != nil {
		t.Fatalf("second Pull failed: %v", err)
	}
	if progressed {
		t.Errorf("second pull re-fetched file objects")
	}
}

func TestPullRequiresSignature(t *testing.T) {
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

	dest := newTestStore(t)
	_, err = Pull(context.Background(), dest, source, Options{Ref: refName, Keyring: keyring})
	if !errcode.Is(err, errcode.SignatureMismatch) {
		t.Fatalf("unsigned pull: %v", err)
	}
	if _, err := dest.ResolveRef(refName); err == nil {
		t.Errorf("failed pull advanced the ref")
	}

	commitBytes, err := source.st.ReadObject(commit, store.ObjectCommit)
	if err != nil {
		t.Fatalf("reading commit: %v", err)
	}
	source.signatures[commit] = [][]byte{ed25519.Sign(private, commitBytes)}
	if _, err := Pull(context.Background(), dest, source, Options{Ref: refName, Keyring: keyring}); err != nil {
		t.Fatalf("signed pull failed: %v", err)
	}
}

func TestPullCancelledLeavesNoChange(t *testing.T) {
	refName := "app/org.example.X/x86_64/stable"
	source, _ := seedSource(t, refName, map[string]string{"files/a": "a"})
	dest := newTestStore(t)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Pull(cancelled, dest, source, Options{Ref: refName}); !errcode.Is(err, errcode.Cancelled) {
		t.Fatalf("cancelled pull: %v", err)
	}

	if _, err := dest.ResolveRef(refName); !errcode.Is(err, errcode.ObjectMissing) {
		t.Errorf("cancelled pull advanced the ref")
	}
	refs, err := dest.ListRefs("")
	if err != nil || len(refs) != 0 {
		t.Errorf("refs after cancelled pull: %v, %v", refs, err)
	}
}

func TestPullUnknownRef(t *testing.T) {
	source, _ := seedSource(t, "app/org.example.X/x86_64/stable", map[string]string{"files/a": "a"})
	dest := newTestStore(t)

	_, err := Pull(context.Background(), dest, source, Options{Ref: "app/org.example.Missing/x86_64/stable"})
	if !errcode.Is(err, errcode.ObjectMissing) {
		t.Errorf("pull of unknown ref: %v", err)
	}
}
