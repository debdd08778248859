// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package installation

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/keyfile"
	"github.com/capsule-apps/capsule/lib/ref"
)

// aliasGroup is the single group of the aliases keyfile. Each key is
// an alias name, each value the target as "id/arch/branch".
const aliasGroup = "Aliases"

// AliasTable is the per-installation alias store. Aliases name an app
// (id, arch, branch) triple so `run` can skip the disambiguation
// prompt.
type AliasTable struct {
	path string
}

func newAliasTable(path string) *AliasTable {
	return &AliasTable{path: path}
}

// AliasTarget is what an alias resolves to.
type AliasTarget struct {
	ID     string
	Arch   string
	Branch string
}

// Ref returns the app ref the target names.
func (t AliasTarget) Ref() (ref.Ref, error) {
	return ref.New(ref.KindApp, t.ID, t.Arch, t.Branch)
}

func (t AliasTarget) String() string {
	return t.ID + "/" + t.Arch + "/" + t.Branch
}

func parseAliasTarget(s string) (AliasTarget, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return AliasTarget{}, errcode.New(errcode.InvalidRef, "malformed alias target %q", s)
	}
	return AliasTarget{ID: parts[0], Arch: parts[1], Branch: parts[2]}, nil
}

func (a *AliasTable) load() (*keyfile.File, error) {
	file, err := keyfile.Load(a.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return keyfile.New(), nil
		}
		return nil, fmt.Errorf("loading alias table: %w", err)
	}
	return file, nil
}

// Make records an alias for an app target, replacing any previous
// binding of the same name.
func (a *AliasTable) Make(alias string, target AliasTarget) error {
	if alias == "" || strings.ContainsAny(alias, "/= \t") {
		return errcode.New(errcode.InvalidName, "invalid alias name %q", alias)
	}
	if _, err := target.Ref(); err != nil {
		return err
	}
	file, err := a.load()
	if err != nil {
		return err
	}
	file.SetString(aliasGroup, alias, target.String())
	return file.Save(a.path)
}

// Resolve looks an alias up, failing with AliasNotFound.
func (a *AliasTable) Resolve(alias string) (AliasTarget, error) {
	file, err := a.load()
	if err != nil {
		return AliasTarget{}, err
	}
	value := file.String(aliasGroup, alias)
	if value == "" {
		return AliasTarget{}, errcode.New(errcode.AliasNotFound, "no alias %q", alias)
	}
	return parseAliasTarget(value)
}

// Remove deletes an alias. Removing a missing alias fails with
// AliasNotFound so remove-then-remove is detectable.
func (a *AliasTable) Remove(alias string) error {
	file, err := a.load()
	if err != nil {
		return err
	}
	if !file.Has(aliasGroup, alias) {
		return errcode.New(errcode.AliasNotFound, "no alias %q", alias)
	}
	file.Delete(aliasGroup, alias)
	return file.Save(a.path)
}

// List returns every alias, sorted by name.
func (a *AliasTable) List() (map[string]AliasTarget, error) {
	file, err := a.load()
	if err != nil {
		return nil, err
	}
	result := make(map[string]AliasTarget)
	for _, alias := range file.Keys(aliasGroup) {
		target, err := parseAliasTarget(file.String(aliasGroup, alias))
		if err != nil {
			return nil, err
		}
		result[alias] = target
	}
	return result, nil
}

// FindForID returns the aliases bound to an app id, sorted, for
// uninstall cleanup and ambiguity reporting.
func (a *AliasTable) FindForID(id string) ([]string, error) {
	all, err := a.List()
	if err != nil {
		return nil, err
	}
	var names []string
	for alias, target := range all {
		if target.ID == id {
			names = append(names, alias)
		}
	}
	sort.Strings(names)
	return names, nil
}
