// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"encoding/base64"
	"strings"

	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/keyfile"
)

const (
	repoFileGroup = "Flatpak Repo"

	// minGPGKeySize rejects obviously truncated key blobs before they
	// reach the keyring. Real key material is far larger.
	minGPGKeySize = 10
)

// RepoFile is a parsed .flatpakrepo description: the one-file handle a
// user passes to remote-add instead of spelling out URL, title, and
// key by hand.
type RepoFile struct {
	URL           string
	Title         string
	DefaultBranch string
	CollectionID  string
	NoDeps        bool

	// GPGKey is the decoded verification key material, nil when the
	// file carries none.
	GPGKey []byte
}

// ParseRepoFile parses .flatpakrepo bytes. Unsupported versions and
// missing required fields fail with UnsupportedRepoFile; a present but
// truncated GPGKey fails with GpgInvalid.
func ParseRepoFile(data []byte) (*RepoFile, error) {
	f, err := keyfile.Parse(data)
	if err != nil {
		return nil, errcode.Wrap(errcode.UnsupportedRepoFile, err, "not a repo file")
	}
	if !f.HasGroup(repoFileGroup) {
		return nil, errcode.New(errcode.UnsupportedRepoFile, "repo file has no [%s] group", repoFileGroup)
	}
	if version := f.Int(repoFileGroup, "Version", 1); version != 1 {
		return nil, errcode.New(errcode.UnsupportedRepoFile, "repo file version %d not supported", version)
	}

	repo := &RepoFile{
		URL:           f.String(repoFileGroup, "Url"),
		Title:         f.String(repoFileGroup, "Title"),
		DefaultBranch: f.String(repoFileGroup, "DefaultBranch"),
		CollectionID:  f.String(repoFileGroup, "CollectionID"),
		NoDeps:        f.Bool(repoFileGroup, "NoDeps", false),
	}
	if repo.URL == "" {
		return nil, errcode.New(errcode.UnsupportedRepoFile, "repo file has no Url")
	}

	if encoded := f.String(repoFileGroup, "GPGKey"); encoded != "" {
		// Keys are published as base64, often wrapped across lines.
		compact := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\t', '\n', '\r':
				return -1
			}
			return r
		}, encoded)
		key, err := base64.StdEncoding.DecodeString(compact)
		if err != nil {
			return nil, errcode.Wrap(errcode.GpgInvalid, err, "repo file GPGKey is not valid base64")
		}
		if len(key) < minGPGKeySize {
			return nil, errcode.New(errcode.GpgInvalid, "repo file GPGKey is truncated (%d bytes)", len(key))
		}
		repo.GPGKey = key
	}

	return repo, nil
}

// RemoteConfig converts the repo file into a remote Config under the
// given name. Verification is enabled exactly when the file carried a
// key.
func (r *RepoFile) RemoteConfig(name string) *Config {
	return &Config{
		Name:          name,
		URL:           r.URL,
		Title:         r.Title,
		DefaultBranch: r.DefaultBranch,
		CollectionID:  r.CollectionID,
		NoDeps:        r.NoDeps,
		GPGVerify:     len(r.GPGKey) > 0,
		Priority:      1,
	}
}
