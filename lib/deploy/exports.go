// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/capsule-apps/capsule/lib/ref"
)

// RebuildExports regenerates the installation's exports directory
// from every active app deployment. The new tree is assembled under
// exports.new and swapped in by rename, so readers always see a
// complete view. Rebuilding from scratch is idempotent: the result
// depends only on the set of active deployments.
func (m *Manager) RebuildExports() error {
	exportsDir := m.ExportsDir()
	newDir := exportsDir + ".new"
	oldDir := exportsDir + ".old"
	if err := os.RemoveAll(newDir); err != nil {
		return fmt.Errorf("clearing exports.new: %w", err)
	}
	if err := os.MkdirAll(newDir, 0o755); err != nil {
		return fmt.Errorf("creating exports.new: %w", err)
	}

	deployed, err := m.CollectDeployedRefs(Filter{Kind: ref.KindApp})
	if err != nil {
		return err
	}

	// Non-current branches export first so the current branch of each
	// id wins any per-file conflict.
	var ordered []Deployed
	var currents []Deployed
	for _, d := range deployed {
		arch, branch, err := m.CurrentBranch(d.Ref.ID())
		if err == nil && arch == d.Ref.Arch() && branch == d.Ref.Branch() {
			currents = append(currents, d)
			continue
		}
		ordered = append(ordered, d)
	}
	ordered = append(ordered, currents...)

	for _, d := range ordered {
		deployDir := m.deploymentDir(d.Ref, d.Active)
		exportRoot := filepath.Join(deployDir, "export")
		if _, err := os.Stat(exportRoot); err != nil {
			continue
		}
		if err := m.exportTree(newDir, exportRoot, d.Ref.ID()); err != nil {
			return err
		}
	}

	// Swap the finished tree in.
	os.RemoveAll(oldDir)
	if _, err := os.Lstat(exportsDir); err == nil {
		if err := os.Rename(exportsDir, oldDir); err != nil {
			return fmt.Errorf("retiring old exports: %w", err)
		}
	}
	if err := os.Rename(newDir, exportsDir); err != nil {
		return fmt.Errorf("installing new exports: %w", err)
	}
	os.RemoveAll(oldDir)
	return nil
}

// exportTree links one deployment's export tree into the staging
// directory. Only regular files whose basename is prefixed by the app
// id are exported; hidden files and editor backups never are.
func (m *Manager) exportTree(stagingDir, exportRoot, appID string) error {
	return filepath.WalkDir(exportRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		relative, err := filepath.Rel(exportRoot, path)
		if err != nil {
			return err
		}
		if relative == "." {
			return nil
		}

		base := d.Name()
		if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(stagingDir, relative)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			if !exportableName(base, appID) {
				m.logger.Debug("skipping non-prefixed export", "file", relative, "app", appID)
				return nil
			}
			linkTarget, err := filepath.Rel(filepath.Dir(target), path)
			if err != nil {
				return err
			}
			// Later (current-branch) deployments override earlier
			// ones for the same file.
			os.Remove(target)
			if err := os.Symlink(linkTarget, target); err != nil {
				return fmt.Errorf("exporting %s: %w", relative, err)
			}
			return nil
		default:
			// Symlinks, sockets, and other specials are not exported.
			return nil
		}
	})
}

// exportableName reports whether an export file basename belongs to
// the app: it must begin with the app id, as in
// org.example.App.desktop or org.example.App-symbolic.png.
func exportableName(base, appID string) bool {
	return strings.HasPrefix(base, appID)
}
