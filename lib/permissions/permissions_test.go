// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package permissions

import (
	"path/filepath"
	"testing"
)

func TestSetLookupReset(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "db"))

	if err := s.SetPermissions("documents", "doc1", "org.example.A", []string{"read", "write"}); err != nil {
		t.Fatalf("SetPermissions failed: %v", err)
	}
	if err := s.SetPermissions("documents", "doc1", "org.example.B", []string{"read"}); err != nil {
		t.Fatalf("SetPermissions failed: %v", err)
	}
	if err := s.SetPermissions("notifications", "org.example.A", "org.example.A", []string{"yes"}); err != nil {
		t.Fatalf("SetPermissions failed: %v", err)
	}

	entry, ok, err := s.Lookup("documents", "doc1")
	if err != nil || !ok {
		t.Fatalf("Lookup = %v, %v", ok, err)
	}
	if len(entry.Permissions["org.example.A"]) != 2 {
		t.Errorf("entry = %+v", entry)
	}

	tables, err := s.Tables()
	if err != nil || len(tables) != 2 || tables[0] != "documents" || tables[1] != "notifications" {
		t.Errorf("Tables = %v, %v", tables, err)
	}

	// Reset A everywhere; B's grant survives.
	if err := s.ResetApp("org.example.A", nil); err != nil {
		t.Fatalf("ResetApp failed: %v", err)
	}
	entry, ok, err = s.Lookup("documents", "doc1")
	if err != nil || !ok {
		t.Fatalf("Lookup after reset = %v, %v", ok, err)
	}
	if _, has := entry.Permissions["org.example.A"]; has {
		t.Errorf("A's grant survived reset: %+v", entry)
	}
	if _, has := entry.Permissions["org.example.B"]; !has {
		t.Errorf("B's grant lost in reset: %+v", entry)
	}

	// The notifications entry emptied out and was dropped.
	if _, ok, _ := s.Lookup("notifications", "org.example.A"); ok {
		t.Errorf("emptied entry survived reset")
	}
}

func TestResetScopedToTable(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "db"))
	s.SetPermissions("documents", "doc1", "org.example.A", []string{"read"})
	s.SetPermissions("devices", "camera", "org.example.A", []string{"yes"})

	if err := s.ResetApp("org.example.A", []string{"documents"}); err != nil {
		t.Fatalf("ResetApp failed: %v", err)
	}
	if _, ok, _ := s.Lookup("documents", "doc1"); ok {
		t.Errorf("documents grant survived scoped reset")
	}
	if _, ok, _ := s.Lookup("devices", "camera"); !ok {
		t.Errorf("devices grant lost in scoped reset")
	}
}

func TestEmptyStore(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "db"))
	if tables, err := s.Tables(); err != nil || tables != nil {
		t.Errorf("Tables on empty store = %v, %v", tables, err)
	}
	if err := s.ResetApp("org.example.A", nil); err != nil {
		t.Errorf("ResetApp on empty store: %v", err)
	}
	if ids, err := s.List("documents"); err != nil || len(ids) != 0 {
		t.Errorf("List on missing table = %v, %v", ids, err)
	}
}
