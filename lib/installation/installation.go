// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package installation

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/capsule-apps/capsule/lib/clock"
	"github.com/capsule-apps/capsule/lib/deploy"
	"github.com/capsule-apps/capsule/lib/remote"
	"github.com/capsule-apps/capsule/lib/store"
)

// changedFileName is the mtime-bump file consumers watch to invalidate
// caches over this installation.
const changedFileName = ".changed"

// Options configures Open. Everything is optional.
type Options struct {
	Logger *slog.Logger
	Clock  clock.Clock

	// Fetcher supplies summary transport for the remote registry.
	// Without one the registry serves cached summaries only.
	Fetcher remote.SummaryFetcher

	SummaryTTL time.Duration
}

// Installation is the open handle over one installation root: the
// object store, the remote registry, the deploy manager, and the alias
// table, wired together.
type Installation struct {
	Location Location

	Store    *store.Store
	Registry *remote.Registry
	Deploy   *deploy.Manager
	Aliases  *AliasTable

	logger *slog.Logger
}

// Open initialises (idempotently) and opens the installation at the
// location. The store's changed file is pointed at <root>/.changed and
// the registry's in-use check at the deploy manager's origin index.
func Open(location Location, opts Options) (*Installation, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("installation", location.ID)

	st, err := store.Init(filepath.Join(location.Path, "repo"), logger)
	if err != nil {
		return nil, err
	}
	st.SetChangedFile(filepath.Join(location.Path, changedFileName))

	manager := deploy.New(location.Path, st, logger)
	registry := remote.New(remote.Options{
		Store:      st,
		Logger:     logger,
		Clock:      opts.Clock,
		Fetcher:    opts.Fetcher,
		SummaryTTL: opts.SummaryTTL,
		InUse:      manager.RefsFromOrigin,
	})

	return &Installation{
		Location: location,
		Store:    st,
		Registry: registry,
		Deploy:   manager,
		Aliases:  newAliasTable(filepath.Join(location.Path, "aliases")),
		logger:   logger,
	}, nil
}

// ChangedPath returns the installation's cache-invalidation file.
func (i *Installation) ChangedPath() string {
	return filepath.Join(i.Location.Path, changedFileName)
}

// PermissionDBDir returns the permission-store table directory.
func (i *Installation) PermissionDBDir() string {
	return filepath.Join(i.Location.Path, "db")
}

// OpenAll opens every discovered installation, in lookup order.
// Installations whose root cannot be initialised (unwritable system
// roots for unprivileged users) are skipped with a warning.
func OpenAll(locations []Location, opts Options) []*Installation {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var open []*Installation
	for _, location := range locations {
		handle, err := Open(location, opts)
		if err != nil {
			logger.Warn("skipping installation", "installation", location.ID, "error", err)
			continue
		}
		open = append(open, handle)
	}
	return open
}
