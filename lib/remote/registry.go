// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/capsule-apps/capsule/lib/clock"
	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/keyfile"
	"github.com/capsule-apps/capsule/lib/store"
)

// defaultSummaryTTL is how long a cached summary counts as fresh.
const defaultSummaryTTL = 30 * time.Minute

// InUseFunc reports the installed refs whose origin is the named
// remote. The installation layer supplies it by scanning deploy data;
// the registry only needs it to veto remove-remote.
type InUseFunc func(remote string) ([]string, error)

// Options configures a Registry. Store is required; everything else
// has defaults (no fetcher means GetState fails for uncached remotes).
type Options struct {
	Store      *store.Store
	Logger     *slog.Logger
	Clock      clock.Clock
	Fetcher    SummaryFetcher
	SummaryTTL time.Duration
	InUse      InUseFunc
}

// Registry is the per-installation remote registry.
type Registry struct {
	store      *store.Store
	logger     *slog.Logger
	clock      clock.Clock
	fetcher    SummaryFetcher
	summaryTTL time.Duration
	inUse      InUseFunc
}

// New creates a registry over the installation's store.
func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.SummaryTTL == 0 {
		opts.SummaryTTL = defaultSummaryTTL
	}
	if opts.Fetcher == nil {
		opts.Fetcher = unreachableFetcher{}
	}
	return &Registry{
		store:      opts.Store,
		logger:     opts.Logger,
		clock:      opts.Clock,
		fetcher:    opts.Fetcher,
		summaryTTL: opts.SummaryTTL,
		inUse:      opts.InUse,
	}
}

// unreachableFetcher is the no-transport default: offline registries
// still serve cached summaries, everything else is a network failure.
type unreachableFetcher struct{}

func (unreachableFetcher) FetchSummary(context.Context, string) ([]byte, []byte, error) {
	return nil, nil, errcode.New(errcode.NetworkUnavailable, "no transport configured")
}

func (r *Registry) loadConfig() (*keyfile.File, error) {
	return keyfile.Load(r.store.ConfigPath())
}

// List returns every configured remote, sorted by name.
func (r *Registry) List() ([]*Config, error) {
	f, err := r.loadConfig()
	if err != nil {
		return nil, err
	}
	var remotes []*Config
	for _, group := range f.Groups() {
		name := remoteNameOfGroup(group)
		if name == "" {
			continue
		}
		remotes = append(remotes, configFromGroup(f, name))
	}
	sort.Slice(remotes, func(i, j int) bool { return remotes[i].Name < remotes[j].Name })
	return remotes, nil
}

// ListEnumerated returns the remotes shown in listings: noenumerate
// remotes are hidden unless something installed originates from them.
// installedOrigins is the set of origin remote names across deployed
// refs.
func (r *Registry) ListEnumerated(installedOrigins map[string]bool) ([]*Config, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	visible := all[:0]
	for _, remote := range all {
		if remote.NoEnumerate && !installedOrigins[remote.Name] {
			continue
		}
		visible = append(visible, remote)
	}
	return visible, nil
}

// Get returns one remote's configuration.
func (r *Registry) Get(name string) (*Config, error) {
	f, err := r.loadConfig()
	if err != nil {
		return nil, err
	}
	if !f.HasGroup(groupName(name)) {
		return nil, errcode.New(errcode.RemoteNotFound, "remote %q not configured", name)
	}
	return configFromGroup(f, name), nil
}

// Add creates a remote. When the name already exists the call fails
// with RemoteExists, unless ifNotExists makes it a no-op. Key material
// (when given) is stored under repo/keys before the config group
// becomes visible, so a configured gpg-verify remote never exists
// without its keys.
func (r *Registry) Add(config *Config, keyMaterial []byte, ifNotExists bool) error {
	if config.Name == "" {
		return errcode.New(errcode.InvalidName, "remote name must not be empty")
	}
	unlock, err := r.store.LockExclusive()
	if err != nil {
		return err
	}
	defer unlock()

	f, err := r.loadConfig()
	if err != nil {
		return err
	}
	if f.HasGroup(groupName(config.Name)) {
		if ifNotExists {
			return nil
		}
		return errcode.New(errcode.RemoteExists, "remote %q already configured", config.Name)
	}

	if len(keyMaterial) > 0 {
		if err := saveKeyMaterial(r.store.KeysDir(), config.Name, keyMaterial); err != nil {
			return err
		}
		config.GPGVerify = true
	}

	writeGroup(f, config)
	if err := f.Save(r.store.ConfigPath()); err != nil {
		return fmt.Errorf("saving remote %q: %w", config.Name, err)
	}
	r.logger.Info("remote added", "name", config.Name, "url", config.URL)
	return nil
}

// Modify merges the non-nil fields of patch into the stored config.
func (r *Registry) Modify(name string, patch *Patch, keyMaterial []byte) error {
	unlock, err := r.store.LockExclusive()
	if err != nil {
		return err
	}
	defer unlock()

	f, err := r.loadConfig()
	if err != nil {
		return err
	}
	if !f.HasGroup(groupName(name)) {
		return errcode.New(errcode.RemoteNotFound, "remote %q not configured", name)
	}
	config := configFromGroup(f, name)
	patch.apply(config)

	if len(keyMaterial) > 0 {
		if err := saveKeyMaterial(r.store.KeysDir(), name, keyMaterial); err != nil {
			return err
		}
		if patch.GPGVerify == nil {
			config.GPGVerify = true
		}
	}

	writeGroup(f, config)
	if err := f.Save(r.store.ConfigPath()); err != nil {
		return fmt.Errorf("saving remote %q: %w", name, err)
	}
	r.logger.Info("remote modified", "name", name)
	return nil
}

// Remove deletes a remote, its stored keys, and its cached summary.
// Without force the call fails with RemoteInUse while installed refs
// still name the remote as their origin.
func (r *Registry) Remove(name string, force bool) error {
	unlock, err := r.store.LockExclusive()
	if err != nil {
		return err
	}
	defer unlock()

	f, err := r.loadConfig()
	if err != nil {
		return err
	}
	if !f.HasGroup(groupName(name)) {
		return errcode.New(errcode.RemoteNotFound, "remote %q not configured", name)
	}

	if !force && r.inUse != nil {
		refs, err := r.inUse(name)
		if err != nil {
			return err
		}
		if len(refs) > 0 {
			return errcode.New(errcode.RemoteInUse, "remote %q still has %d installed refs (first: %s)", name, len(refs), refs[0])
		}
	}

	f.DeleteGroup(groupName(name))
	if err := f.Save(r.store.ConfigPath()); err != nil {
		return fmt.Errorf("saving config after removing %q: %w", name, err)
	}
	if err := removeKeyMaterial(r.store.KeysDir(), name); err != nil {
		return err
	}
	// Cache removal is best effort; a dangling cache entry for a gone
	// remote is unreachable anyway.
	_ = removeSummaryCache(r.store.SummariesDir(), name)

	r.logger.Info("remote removed", "name", name, "forced", force)
	return nil
}

// RemoteRef is one ref a remote advertises, after subset and filter
// restrictions.
type RemoteRef struct {
	Name string
	SummaryRef
}

// ListRemoteRefs resolves the remote's summary and returns its visible
// refs sorted by name, honouring the remote's subset selection and
// filter file.
func (r *Registry) ListRemoteRefs(ctx context.Context, name string) ([]RemoteRef, error) {
	state, err := r.GetState(ctx, name)
	if err != nil {
		return nil, err
	}

	allowed := func(string) bool { return true }
	if state.Config.FilterPath != "" {
		filter, err := LoadFilter(state.Config.FilterPath)
		if err != nil {
			return nil, err
		}
		allowed = filter.Allows
	}

	var subset map[string]bool
	if state.Config.Subset != "" {
		names, ok := state.Summary.Subsets[state.Config.Subset]
		if !ok {
			return nil, errcode.New(errcode.InvalidArgs, "remote %s has no subset %q", name, state.Config.Subset)
		}
		subset = make(map[string]bool, len(names))
		for _, n := range names {
			subset[n] = true
		}
	}

	var refs []RemoteRef
	for refName, entry := range state.Summary.Refs {
		if subset != nil && !subset[refName] {
			continue
		}
		if !allowed(refName) {
			continue
		}
		refs = append(refs, RemoteRef{Name: refName, SummaryRef: entry})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}
