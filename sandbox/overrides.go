// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/capsule-apps/capsule/lib/keyfile"
)

// overridesDir holds per-app permission override keyfiles inside an
// installation root; "global" applies to every app.
const (
	overridesDir   = "overrides"
	globalOverride = "global"
)

// GlobalOverrideName is the override applying to every app in an
// installation.
const GlobalOverrideName = globalOverride

func overridePath(installationRoot, name string) string {
	return filepath.Join(installationRoot, overridesDir, name)
}

// loadOverrideFile parses one override keyfile; a missing file is an
// empty context.
func loadOverrideFile(path string) (*Context, error) {
	file, err := keyfile.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewContext(), nil
		}
		return nil, err
	}
	return ParseContext(file)
}

// LoadOverrides returns the installation's override layers for an app:
// the global override merged under the per-app one.
func LoadOverrides(installationRoot, appID string) (*Context, error) {
	merged, err := loadOverrideFile(overridePath(installationRoot, globalOverride))
	if err != nil {
		return nil, err
	}
	app, err := loadOverrideFile(overridePath(installationRoot, appID))
	if err != nil {
		return nil, err
	}
	merged.Merge(app)
	return merged, nil
}

// LoadOverride reads one override layer by name (an app id, or
// GlobalOverrideName) without merging.
func LoadOverride(installationRoot, name string) (*Context, error) {
	return loadOverrideFile(overridePath(installationRoot, name))
}

// PrintOverride writes an override layer's keyfile serialisation to w.
func PrintOverride(w io.Writer, installationRoot, name string) error {
	context, err := LoadOverride(installationRoot, name)
	if err != nil {
		return err
	}
	file := keyfile.New()
	context.WriteTo(file)
	serialised, err := file.Bytes()
	if err != nil {
		return err
	}
	_, err = w.Write(serialised)
	return err
}

// SaveOverride replaces an app's override keyfile (the app id, or
// "global"). An empty context removes the file.
func SaveOverride(installationRoot, name string, context *Context) error {
	path := overridePath(installationRoot, name)
	file := keyfile.New()
	context.WriteTo(file)
	serialised, err := file.Bytes()
	if err != nil {
		return err
	}
	if len(serialised) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return file.Save(path)
}
