// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/capsule-apps/capsule/lib/ref"
)

func exportedNames(t *testing.T, dir string) []string {
	t.Helper()
	var names []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			relative, _ := filepath.Rel(dir, path)
			names = append(names, relative)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walking exports: %v", err)
	}
	sort.Strings(names)
	return names
}

func TestRebuildExportsFiltersNames(t *testing.T) {
	m, s := newTestManager(t)
	r := ref.MustParse("app/org.example.X/x86_64/stable")
	commit := commitApp(t, s, r, map[string]string{
		"metadata": "m",
		"export/share/applications/org.example.X.desktop":   "desktop",
		"export/share/icons/org.example.X-symbolic.png":     "icon",
		"export/share/applications/org.unrelated.Y.desktop": "foreign",
		"export/share/applications/.hidden":                 "hidden",
		"export/share/applications/org.example.X.desktop~":  "backup",
	})
	if _, err := m.Deploy(context.Background(), r, commit, Options{}); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	want := []string{
		filepath.Join("share", "applications", "org.example.X.desktop"),
		filepath.Join("share", "icons", "org.example.X-symbolic.png"),
	}
	got := exportedNames(t, m.ExportsDir())
	if len(got) != len(want) {
		t.Fatalf("exports = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("exports[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	// Exported entries are symlinks into the deployment tree.
	link := filepath.Join(m.ExportsDir(), want[0])
	if info, err := os.Lstat(link); err != nil || info.Mode()&os.ModeSymlink == 0 {
		t.Errorf("export %s is not a symlink: %v, %v", want[0], info, err)
	}
	if _, err := os.Stat(link); err != nil {
		t.Errorf("export symlink dangles: %v", err)
	}
}

func TestRebuildExportsIdempotent(t *testing.T) {
	m, s := newTestManager(t)
	r := ref.MustParse("app/org.example.X/x86_64/stable")
	commit := commitApp(t, s, r, map[string]string{
		"metadata": "m",
		"export/share/applications/org.example.X.desktop": "desktop",
	})
	if _, err := m.Deploy(context.Background(), r, commit, Options{}); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	first := exportedNames(t, m.ExportsDir())
	if err := m.RebuildExports(); err != nil {
		t.Fatalf("RebuildExports failed: %v", err)
	}
	second := exportedNames(t, m.ExportsDir())
	if len(first) != len(second) {
		t.Fatalf("rebuild changed exports: %v vs %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("rebuild changed exports: %v vs %v", first, second)
		}
	}
}

func TestRebuildExportsCurrentBranchWins(t *testing.T) {
	m, s := newTestManager(t)
	stable := ref.MustParse("app/org.example.X/x86_64/stable")
	beta := ref.MustParse("app/org.example.X/x86_64/beta")
	stableCommit := commitApp(t, s, stable, map[string]string{
		"metadata": "m",
		"export/share/applications/org.example.X.desktop": "stable",
	})
	betaCommit := commitApp(t, s, beta, map[string]string{
		"metadata": "m",
		"export/share/applications/org.example.X.desktop": "beta",
	})

	if _, err := m.Deploy(context.Background(), stable, stableCommit, Options{}); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if _, err := m.Deploy(context.Background(), beta, betaCommit, Options{}); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	read := func() string {
		t.Helper()
		content, err := os.ReadFile(filepath.Join(m.ExportsDir(), "share", "applications", "org.example.X.desktop"))
		if err != nil {
			t.Fatalf("reading export: %v", err)
		}
		return string(content)
	}
	// stable deployed first and is the current branch.
	if got := read(); got != "stable" {
		t.Errorf("export resolves to %q, want stable", got)
	}

	if err := m.SetCurrent(beta); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}
	if err := m.RebuildExports(); err != nil {
		t.Fatalf("RebuildExports failed: %v", err)
	}
	if got := read(); got != "beta" {
		t.Errorf("export resolves to %q, want beta", got)
	}

	// Undeploying the current branch drops its exports.
	if err := m.Undeploy(beta, betaCommit, false); err != nil {
		t.Fatalf("Undeploy failed: %v", err)
	}
	if got := read(); got != "stable" {
		t.Errorf("export resolves to %q after undeploy, want stable", got)
	}
}
