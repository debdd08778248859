// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/capsule-apps/capsule/lib/codec"
	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/store"
)

// dataFileName is the deploy-data record inside a deployment
// directory.
const dataFileName = "deploy"

// Data is the deploy-data record: everything about a deployment that
// is not derivable from the checked-out tree.
type Data struct {
	// Origin is the remote name this ref was installed from, by name
	// rather than reference so remotes and deployments form no cycle.
	Origin string `cbor:"origin"`

	Commit store.Checksum `cbor:"commit"`

	// AltID carries the previous id for refs renamed via eol-rebase.
	AltID string `cbor:"alt_id,omitempty"`

	InstalledSize int64 `cbor:"installed_size"`

	// Subpaths, when non-empty, lists the tree prefixes this partial
	// deployment checked out.
	Subpaths []string `cbor:"subpaths,omitempty"`

	EndOfLife string `cbor:"eol,omitempty"`
	EOLRebase string `cbor:"eol_rebase,omitempty"`

	// RuntimeRef is the runtime the app's metadata declares; cached
	// here so launch and dependency analysis avoid re-reading the
	// metadata file.
	RuntimeRef string `cbor:"runtime,omitempty"`

	// Timestamp is when the deployment was created, seconds since
	// the epoch.
	Timestamp int64 `cbor:"timestamp"`
}

func writeData(deployDir string, data *Data) error {
	raw, err := codec.Marshal(data)
	if err != nil {
		return fmt.Errorf("serialising deploy data: %w", err)
	}
	path := filepath.Join(deployDir, dataFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing deploy data: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("installing deploy data: %w", err)
	}
	return nil
}

func readData(deployDir string) (*Data, error) {
	raw, err := os.ReadFile(filepath.Join(deployDir, dataFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errcode.New(errcode.NotDeployed, "%s has no deploy data", deployDir)
		}
		return nil, fmt.Errorf("reading deploy data: %w", err)
	}
	var data Data
	if err := codec.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decoding deploy data in %s: %w", deployDir, err)
	}
	return &data, nil
}
