// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/ref"
	"github.com/capsule-apps/capsule/lib/store"
)

const (
	activeLink  = "active"
	currentLink = "current"
	deletedDir  = "deleted"

	// instanceLockName is the per-deployment file running sandboxes
	// keep a shared flock on; undeploy probes it to detect Busy.
	instanceLockName = ".ref"
)

// Manager performs deployment operations for one installation root.
type Manager struct {
	root   string
	store  *store.Store
	logger *slog.Logger
}

// New creates a deploy manager. root is the installation root (the
// parent of repo/, app/, runtime/, exports/).
func New(root string, st *store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{root: root, store: st, logger: logger}
}

// refDir returns the directory holding a ref's deployments:
// <root>/<kind>/<id>/<arch>/<branch>.
func (m *Manager) refDir(r ref.Ref) string {
	return filepath.Join(m.root, string(r.Kind()), r.ID(), r.Arch(), r.Branch())
}

// deploymentDir returns the directory of one deployment. Deployment
// directories are named by the short commit; the deploy-data record
// carries the full checksum.
func (m *Manager) deploymentDir(r ref.Ref, commit store.Checksum) string {
	return filepath.Join(m.refDir(r), commit.Short())
}

// ExportsDir returns the installation's merged host-visible exports
// directory.
func (m *Manager) ExportsDir() string {
	return filepath.Join(m.root, "exports")
}

// Options configures a Deploy call.
type Options struct {
	// Origin is the remote name recorded in deploy data.
	Origin string

	// Subpaths restricts the checkout to the given tree prefixes.
	Subpaths []string

	// EndOfLife and EOLRebase are carried from the remote summary.
	EndOfLife string
	EOLRebase string

	// AltID records the previous id after an eol-rebase rename.
	AltID string
}

// Deploy checks out a commit into a new deployment directory, writes
// its deploy-data record, and makes it the active deployment (which
// rebuilds the installation exports for apps). Returns the deployment
// directory.
func (m *Manager) Deploy(ctx context.Context, r ref.Ref, commit store.Checksum, opts Options) (string, error) {
	deployDir := m.deploymentDir(r, commit)
	if _, err := os.Lstat(deployDir); err == nil {
		return "", errcode.New(errcode.AlreadyInstalled, "%s commit %s is already deployed", r, commit.Short())
	}
	if err := os.MkdirAll(m.refDir(r), 0o755); err != nil {
		return "", fmt.Errorf("creating ref directory: %w", err)
	}

	checkout := store.CheckoutOptions{Mode: store.CheckoutHardlink, Subpaths: opts.Subpaths}
	if err := m.store.Checkout(ctx, commit, deployDir, checkout); err != nil {
		return "", err
	}

	commitObject, err := m.store.ReadCommit(commit)
	if err != nil {
		os.RemoveAll(deployDir)
		return "", err
	}
	data := &Data{
		Origin:        opts.Origin,
		Commit:        commit,
		AltID:         opts.AltID,
		InstalledSize: treeSize(deployDir),
		Subpaths:      opts.Subpaths,
		EndOfLife:     opts.EndOfLife,
		EOLRebase:     opts.EOLRebase,
		RuntimeRef:    commitObject.RuntimeRef(),
		Timestamp:     time.Now().Unix(),
	}
	if err := writeData(deployDir, data); err != nil {
		os.RemoveAll(deployDir)
		return "", err
	}
	// The instance lock file must exist before the deployment can be
	// activated; sandboxes hold a shared lock on it while running.
	lockPath := filepath.Join(deployDir, instanceLockName)
	if err := os.WriteFile(lockPath, nil, 0o644); err != nil {
		os.RemoveAll(deployDir)
		return "", fmt.Errorf("creating instance lock: %w", err)
	}

	if err := m.SetActive(r, commit); err != nil {
		os.RemoveAll(deployDir)
		return "", err
	}
	m.logger.Info("deployed", "ref", r.String(), "commit", commit.Short())
	return deployDir, nil
}

// SetActive atomically points the ref's active symlink at the given
// deployed commit and rebuilds the installation exports.
func (m *Manager) SetActive(r ref.Ref, commit store.Checksum) error {
	deployDir := m.deploymentDir(r, commit)
	if _, err := os.Stat(deployDir); err != nil {
		return errcode.New(errcode.NotDeployed, "%s commit %s is not deployed", r, commit.Short())
	}

	linkPath := filepath.Join(m.refDir(r), activeLink)
	if err := atomicSymlink(commit.Short(), linkPath); err != nil {
		return err
	}

	if r.IsApp() {
		if err := m.maybeSetDefaultCurrent(r); err != nil {
			return err
		}
		if err := m.RebuildExports(); err != nil {
			return err
		}
	}
	return nil
}

// maybeSetDefaultCurrent makes the first deployed branch of an app id
// the current one. Explicit SetCurrent calls override it.
func (m *Manager) maybeSetDefaultCurrent(r ref.Ref) error {
	idDir := filepath.Join(m.root, string(r.Kind()), r.ID())
	if _, err := os.Lstat(filepath.Join(idDir, currentLink)); err == nil {
		return nil
	}
	return m.SetCurrent(r)
}

// SetCurrent marks the app ref's branch as the current one among the
// id's branches. At most one branch per id is current; the symlink
// <root>/app/<id>/current points at <arch>/<branch>.
func (m *Manager) SetCurrent(r ref.Ref) error {
	if !r.IsApp() {
		return errcode.New(errcode.InvalidArgs, "%s is not an app ref", r)
	}
	if _, err := os.Stat(m.refDir(r)); err != nil {
		return errcode.New(errcode.NotDeployed, "%s is not deployed", r)
	}
	linkPath := filepath.Join(m.root, string(r.Kind()), r.ID(), currentLink)
	return atomicSymlink(filepath.Join(r.Arch(), r.Branch()), linkPath)
}

// CurrentBranch resolves the current (arch, branch) pair for an app
// id, or NotDeployed when none is marked.
func (m *Manager) CurrentBranch(id string) (arch, branch string, err error) {
	target, err := os.Readlink(filepath.Join(m.root, "app", id, currentLink))
	if err != nil {
		return "", "", errcode.New(errcode.NotDeployed, "app %s has no current branch", id)
	}
	dir, base := filepath.Split(target)
	return filepath.Clean(dir), base, nil
}

// ActiveCommit returns the commit the ref's active symlink points at.
func (m *Manager) ActiveCommit(r ref.Ref) (store.Checksum, error) {
	target, err := os.Readlink(filepath.Join(m.refDir(r), activeLink))
	if err != nil {
		return store.Checksum{}, errcode.New(errcode.NotDeployed, "%s has no active deployment", r)
	}
	data, err := readData(filepath.Join(m.refDir(r), target))
	if err != nil {
		return store.Checksum{}, err
	}
	return data.Commit, nil
}

// LoadDeployed returns the deploy data and directory for a deployed
// commit; the zero commit selects the active deployment.
func (m *Manager) LoadDeployed(r ref.Ref, commit store.Checksum) (*Data, string, error) {
	if commit.IsZero() {
		active, err := m.ActiveCommit(r)
		if err != nil {
			return nil, "", err
		}
		commit = active
	}
	deployDir := m.deploymentDir(r, commit)
	data, err := readData(deployDir)
	if err != nil {
		return nil, "", err
	}
	return data, deployDir, nil
}

// Undeploy moves a deployment to the deleted/ staging area. Without
// forceRemove the call fails with Busy while a sandbox instance holds
// the deployment's lock file. The caller is expected to prune
// afterwards.
func (m *Manager) Undeploy(r ref.Ref, commit store.Checksum, forceRemove bool) error {
	deployDir := m.deploymentDir(r, commit)
	if _, err := readData(deployDir); err != nil {
		return err
	}

	if !forceRemove {
		busy, err := deploymentBusy(filepath.Join(deployDir, instanceLockName))
		if err != nil {
			return err
		}
		if busy {
			return errcode.New(errcode.Busy, "%s commit %s is in use by a running instance", r, commit.Short())
		}
	}

	// Drop the active link first so no launcher resolves a deployment
	// that is about to move.
	linkPath := filepath.Join(m.refDir(r), activeLink)
	if target, err := os.Readlink(linkPath); err == nil && target == commit.Short() {
		if err := os.Remove(linkPath); err != nil {
			return fmt.Errorf("removing active link: %w", err)
		}
	}

	staging := filepath.Join(m.root, deletedDir)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("creating deleted staging: %w", err)
	}
	var suffix [4]byte
	rand.Read(suffix[:])
	dest := filepath.Join(staging, fmt.Sprintf("%s-%s-%s", r.ID(), commit.Short(), hex.EncodeToString(suffix[:])))
	if err := os.Rename(deployDir, dest); err != nil {
		return fmt.Errorf("moving deployment to deleted: %w", err)
	}
	m.cleanupRefDir(r)

	if r.IsApp() {
		if err := m.RebuildExports(); err != nil {
			return err
		}
	}
	m.logger.Info("undeployed", "ref", r.String(), "commit", commit.Short())
	return nil
}

// cleanupRefDir removes now-empty ref directories and dangling
// current links after an undeploy. Best effort.
func (m *Manager) cleanupRefDir(r ref.Ref) {
	dir := m.refDir(r)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	if len(entries) == 1 && entries[0].Name() == activeLink {
		os.Remove(filepath.Join(dir, activeLink))
		entries = nil
	}
	if len(entries) == 0 {
		os.Remove(dir)
		os.Remove(filepath.Dir(dir))
		idDir := filepath.Dir(filepath.Dir(dir))
		if current, err := os.Readlink(filepath.Join(idDir, currentLink)); err == nil {
			if _, err := os.Stat(filepath.Join(idDir, current)); err != nil {
				os.Remove(filepath.Join(idDir, currentLink))
			}
		}
		os.Remove(idDir)
	}
}

// PurgeDeleted removes everything in the deleted/ staging area whose
// instance lock is free. Called before prune.
func (m *Manager) PurgeDeleted() error {
	staging := filepath.Join(m.root, deletedDir)
	entries, err := os.ReadDir(staging)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading deleted staging: %w", err)
	}
	for _, entry := range entries {
		path := filepath.Join(staging, entry.Name())
		busy, err := deploymentBusy(filepath.Join(path, instanceLockName))
		if err == nil && busy {
			continue
		}
		if err := removeTree(path); err != nil {
			return fmt.Errorf("purging %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Deployed is one entry from CollectDeployedRefs.
type Deployed struct {
	Ref    ref.Ref
	Active store.Checksum
	Data   *Data
}

// Filter restricts CollectDeployedRefs. The zero filter matches
// everything.
type Filter struct {
	Kind   ref.Kind // "" for both kinds
	Origin string   // restrict to one origin remote
}

// CollectDeployedRefs enumerates refs with an active deployment,
// sorted by canonical ref string.
func (m *Manager) CollectDeployedRefs(filter Filter) ([]Deployed, error) {
	kinds := []ref.Kind{ref.KindApp, ref.KindRuntime}
	if filter.Kind != "" {
		kinds = []ref.Kind{filter.Kind}
	}

	var result []Deployed
	for _, kind := range kinds {
		kindDir := filepath.Join(m.root, string(kind))
		err := filepath.WalkDir(kindDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && path == kindDir {
					return filepath.SkipAll
				}
				return err
			}
			if d.Name() != activeLink || d.Type()&fs.ModeSymlink == 0 {
				return nil
			}
			relative, err := filepath.Rel(kindDir, filepath.Dir(path))
			if err != nil {
				return err
			}
			id, arch, branch, ok := splitRefDir(relative)
			if !ok {
				return nil
			}
			deployed, err := ref.New(kind, id, arch, branch)
			if err != nil {
				return nil
			}
			active, err := m.ActiveCommit(deployed)
			if err != nil {
				return nil
			}
			data, _, err := m.LoadDeployed(deployed, active)
			if err != nil {
				return nil
			}
			if filter.Origin != "" && data.Origin != filter.Origin {
				return nil
			}
			result = append(result, Deployed{Ref: deployed, Active: active, Data: data})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("collecting deployed refs: %w", err)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Ref.String() < result[j].Ref.String() })
	return result, nil
}

// splitRefDir splits "<id>/<arch>/<branch>" into its parts.
func splitRefDir(relative string) (id, arch, branch string, ok bool) {
	branchDir, branch := filepath.Split(filepath.ToSlash(relative))
	branchDir = filepath.Clean(branchDir)
	archDir, arch := filepath.Split(branchDir)
	id = filepath.Clean(archDir)
	if id == "." || arch == "" || branch == "" {
		return "", "", "", false
	}
	return id, arch, branch, true
}

// InstalledOrigins returns the set of origin remote names across all
// deployments, for remote enumeration and remove-remote checks.
func (m *Manager) InstalledOrigins() (map[string]bool, error) {
	deployed, err := m.CollectDeployedRefs(Filter{})
	if err != nil {
		return nil, err
	}
	origins := make(map[string]bool)
	for _, d := range deployed {
		origins[d.Data.Origin] = true
	}
	return origins, nil
}

// RefsFromOrigin lists canonical ref strings installed from a remote,
// for the registry's remove-remote veto.
func (m *Manager) RefsFromOrigin(origin string) ([]string, error) {
	deployed, err := m.CollectDeployedRefs(Filter{Origin: origin})
	if err != nil {
		return nil, err
	}
	var refs []string
	for _, d := range deployed {
		refs = append(refs, d.Ref.String())
	}
	return refs, nil
}

// atomicSymlink replaces linkPath with a symlink to target via a
// temporary name and rename.
func atomicSymlink(target, linkPath string) error {
	tmp := linkPath + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("creating symlink: %w", err)
	}
	if err := os.Rename(tmp, linkPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing symlink %s: %w", linkPath, err)
	}
	return nil
}

// treeSize sums regular file sizes under root. Hardlinked checkouts
// share store payloads, so this is apparent, not unique, size.
func treeSize(root string) int64 {
	var total int64
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// removeTree removes a deployment tree, first restoring write
// permission on read-only directories created by copy checkouts.
func removeTree(root string) error {
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			os.Chmod(path, 0o755)
		}
		return nil
	})
	return os.RemoveAll(root)
}
