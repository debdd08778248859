// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"testing"
)

func TestPruneKeepsReachable(t *testing.T) {
	s := newTestStore(t)
	kept := commitTestTree(t, s, "app/org.example.Kept/x86_64/stable", map[string]string{
		"files/bin/kept": "kept payload",
	})
	orphan := commitTestTree(t, s, "app/org.example.Orphan/x86_64/stable", map[string]string{
		"files/bin/orphan": "orphan payload",
	})

	// Drop the orphan's ref so its closure becomes unreachable.
	txn, _ := s.Begin()
	txn.DeleteRef("app/org.example.Orphan/x86_64/stable")
	if err := txn.Commit(context.Background()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	result, err := s.Prune(context.Background(), nil)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if result.ObjectsDeleted == 0 {
		t.Errorf("expected orphan objects deleted")
	}

	if complete, err := s.HasCommitClosure(kept); err != nil || !complete {
		t.Errorf("kept closure damaged: complete=%v err=%v", complete, err)
	}
	if s.HasObject(orphan, ObjectCommit) {
		t.Errorf("orphan commit survived prune")
	}
}

func TestPruneKeepCommitsPinsUnreffedClosure(t *testing.T) {
	s := newTestStore(t)
	deployed := commitTestTree(t, s, "app/org.example.X/x86_64/stable", map[string]string{
		"files/data": "v1",
	})

	// The ref moves on, but the old commit is still deployed.
	next := commitTestTree(t, s, "app/org.example.X/x86_64/stable", map[string]string{
		"files/data": "v2",
	})
	if next == deployed {
		t.Fatalf("test needs two distinct commits")
	}

	if _, err := s.Prune(context.Background(), []Checksum{deployed}); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	for _, c := range []Checksum{deployed, next} {
		if complete, err := s.HasCommitClosure(c); err != nil || !complete {
			t.Errorf("closure %s damaged: complete=%v err=%v", c.Short(), complete, err)
		}
	}
}

func TestPruneSharedObjectsSurvive(t *testing.T) {
	s := newTestStore(t)
	shared := map[string]string{"files/lib/common.so": "shared bytes"}
	commitTestTree(t, s, "runtime/org.example.Platform/x86_64/1", shared)
	gone := commitTestTree(t, s, "runtime/org.example.Platform/x86_64/2", map[string]string{
		"files/lib/common.so": "shared bytes",
		"files/lib/extra.so":  "extra",
	})

	txn, _ := s.Begin()
	txn.DeleteRef("runtime/org.example.Platform/x86_64/2")
	if err := txn.Commit(context.Background()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if _, err := s.Prune(context.Background(), nil); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}

	keptRef, err := s.ResolveRef("runtime/org.example.Platform/x86_64/1")
	if err != nil {
		t.Fatalf("ResolveRef failed: %v", err)
	}
	if complete, err := s.HasCommitClosure(keptRef); err != nil || !complete {
		t.Errorf("shared object lost: complete=%v err=%v", complete, err)
	}
	if s.HasObject(gone, ObjectCommit) {
		t.Errorf("unreferenced commit survived")
	}
}
