// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package permissions is the client for the portal permission tables
// kept under an installation's db/ directory: one CBOR record file per
// table, each mapping resource ids to per-app permission strings.
package permissions

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/capsule-apps/capsule/lib/codec"
)

// Entry is one resource's record in a table: the apps allowed to
// touch it and an opaque payload owned by the portal that created it.
type Entry struct {
	// Permissions maps app id to its permission strings for this
	// resource.
	Permissions map[string][]string `cbor:"permissions"`

	// Data is portal-defined and carried through untouched.
	Data []byte `cbor:"data,omitempty"`
}

// table is the on-disk shape of one db/<name> file.
type table struct {
	Entries map[string]Entry `cbor:"entries"`
}

// Store reads and rewrites permission tables.
type Store struct {
	dir string
}

// New opens the permission store over an installation's db directory.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Tables lists the table names present on disk, sorted.
func (s *Store) Tables() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading permission db: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) tablePath(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *Store) loadTable(name string) (*table, error) {
	raw, err := os.ReadFile(s.tablePath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &table{Entries: map[string]Entry{}}, nil
		}
		return nil, fmt.Errorf("reading permission table %s: %w", name, err)
	}
	var t table
	if err := codec.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decoding permission table %s: %w", name, err)
	}
	if t.Entries == nil {
		t.Entries = map[string]Entry{}
	}
	return &t, nil
}

func (s *Store) saveTable(name string, t *table) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating permission db: %w", err)
	}
	raw, err := codec.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding permission table %s: %w", name, err)
	}
	path := s.tablePath(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing permission table %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("installing permission table %s: %w", name, err)
	}
	return nil
}

// Lookup returns one resource's entry, reporting presence.
func (s *Store) Lookup(tableName, id string) (Entry, bool, error) {
	t, err := s.loadTable(tableName)
	if err != nil {
		return Entry{}, false, err
	}
	entry, ok := t.Entries[id]
	return entry, ok, nil
}

// List returns a table's resource ids, sorted.
func (s *Store) List(tableName string) ([]string, error) {
	t, err := s.loadTable(tableName)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(t.Entries))
	for id := range t.Entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SetPermissions records an app's permission strings for one resource,
// rewriting the table atomically.
func (s *Store) SetPermissions(tableName, id, appID string, perms []string) error {
	t, err := s.loadTable(tableName)
	if err != nil {
		return err
	}
	entry := t.Entries[id]
	if entry.Permissions == nil {
		entry.Permissions = map[string][]string{}
	}
	entry.Permissions[appID] = perms
	t.Entries[id] = entry
	return s.saveTable(tableName, t)
}

// ResetApp removes the app's permissions from the named tables, or
// from every table when tables is nil. Entries that end up with no
// permissions and no payload are dropped; emptied tables stay on disk
// so portals keep their handle.
func (s *Store) ResetApp(appID string, tables []string) error {
	if tables == nil {
		all, err := s.Tables()
		if err != nil {
			return err
		}
		tables = all
	}
	for _, name := range tables {
		t, err := s.loadTable(name)
		if err != nil {
			return err
		}
		changed := false
		for id, entry := range t.Entries {
			if _, ok := entry.Permissions[appID]; !ok {
				continue
			}
			delete(entry.Permissions, appID)
			changed = true
			if len(entry.Permissions) == 0 && len(entry.Data) == 0 {
				delete(t.Entries, id)
				continue
			}
			t.Entries[id] = entry
		}
		if changed {
			if err := s.saveTable(name, t); err != nil {
				return err
			}
		}
	}
	return nil
}
