// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"fmt"
	"strings"

	"github.com/capsule-apps/capsule/lib/keyfile"
)

// Config is one remote's stored configuration. Name is unique per
// installation; everything else lives as keys of the [remote "name"]
// group in the repo config.
type Config struct {
	Name         string
	URL          string
	CollectionID string

	// Cached from the remote's summary or .flatpakrepo file.
	Title         string
	DefaultBranch string
	Comment       string
	Description   string
	Homepage      string
	Icon          string

	// GPGVerify gates signature verification of summaries and
	// commits. Defaults to true for new remotes.
	GPGVerify bool

	// Priority breaks ties when a ref is available from several
	// remotes; higher wins.
	Priority int

	NoEnumerate bool
	NoDeps      bool
	Disabled    bool
	OCI         bool

	// Subset restricts the summary to a named subset; FilterPath
	// points at a local ref-filter file. Both filter what
	// ListRemoteRefs reports.
	Subset     string
	FilterPath string
}

// Patch carries the fields of a modify-remote request. Nil fields are
// left unchanged.
type Patch struct {
	URL           *string
	CollectionID  *string
	Title         *string
	DefaultBranch *string
	Comment       *string
	Description   *string
	Homepage      *string
	Icon          *string
	GPGVerify     *bool
	Priority      *int
	NoEnumerate   *bool
	NoDeps        *bool
	Disabled      *bool
	OCI           *bool
	Subset        *string
	FilterPath    *string
}

func (p *Patch) apply(c *Config) {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&c.URL, p.URL)
	setString(&c.CollectionID, p.CollectionID)
	setString(&c.Title, p.Title)
	setString(&c.DefaultBranch, p.DefaultBranch)
	setString(&c.Comment, p.Comment)
	setString(&c.Description, p.Description)
	setString(&c.Homepage, p.Homepage)
	setString(&c.Icon, p.Icon)
	setString(&c.Subset, p.Subset)
	setString(&c.FilterPath, p.FilterPath)
	setBool(&c.GPGVerify, p.GPGVerify)
	setBool(&c.NoEnumerate, p.NoEnumerate)
	setBool(&c.NoDeps, p.NoDeps)
	setBool(&c.Disabled, p.Disabled)
	setBool(&c.OCI, p.OCI)
	if p.Priority != nil {
		c.Priority = *p.Priority
	}
}

// groupName returns the repo-config group for a remote name.
func groupName(name string) string {
	return fmt.Sprintf("remote %q", name)
}

// remoteNameOfGroup inverts groupName, returning "" for groups that
// are not remote groups.
func remoteNameOfGroup(group string) string {
	rest, ok := strings.CutPrefix(group, `remote "`)
	if !ok {
		return ""
	}
	name, ok := strings.CutSuffix(rest, `"`)
	if !ok {
		return ""
	}
	return name
}

// configFromGroup reads a remote Config out of its config group.
func configFromGroup(f *keyfile.File, name string) *Config {
	group := groupName(name)
	return &Config{
		Name:          name,
		URL:           f.String(group, "url"),
		CollectionID:  f.String(group, "collection-id"),
		Title:         f.String(group, "xa.title"),
		DefaultBranch: f.String(group, "xa.default-branch"),
		Comment:       f.String(group, "xa.comment"),
		Description:   f.String(group, "xa.description"),
		Homepage:      f.String(group, "xa.homepage"),
		Icon:          f.String(group, "xa.icon"),
		GPGVerify:     f.Bool(group, "gpg-verify", true),
		Priority:      f.Int(group, "xa.prio", 1),
		NoEnumerate:   f.Bool(group, "xa.noenumerate", false),
		NoDeps:        f.Bool(group, "xa.nodeps", false),
		Disabled:      f.Bool(group, "xa.disable", false),
		OCI:           f.Bool(group, "xa.oci", false),
		Subset:        f.String(group, "xa.subset"),
		FilterPath:    f.String(group, "xa.filter"),
	}
}

// writeGroup writes a remote Config into its config group, replacing
// any existing keys. Defaults are written explicitly so a later reader
// never depends on this writer's fallback values.
func writeGroup(f *keyfile.File, c *Config) {
	group := groupName(c.Name)
	f.DeleteGroup(group)
	f.SetString(group, "url", c.URL)
	f.SetBool(group, "gpg-verify", c.GPGVerify)
	setOptional := func(key, value string) {
		if value != "" {
			f.SetString(group, key, value)
		}
	}
	setOptional("collection-id", c.CollectionID)
	setOptional("xa.title", c.Title)
	setOptional("xa.default-branch", c.DefaultBranch)
	setOptional("xa.comment", c.Comment)
	setOptional("xa.description", c.Description)
	setOptional("xa.homepage", c.Homepage)
	setOptional("xa.icon", c.Icon)
	setOptional("xa.subset", c.Subset)
	setOptional("xa.filter", c.FilterPath)
	if c.Priority != 1 {
		f.SetInt(group, "xa.prio", c.Priority)
	}
	setFlag := func(key string, value bool) {
		if value {
			f.SetBool(group, key, true)
		}
	}
	setFlag("xa.noenumerate", c.NoEnumerate)
	setFlag("xa.nodeps", c.NoDeps)
	setFlag("xa.disable", c.Disabled)
	setFlag("xa.oci", c.OCI)
}
