// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/capsule-apps/capsule/lib/keyfile"
	"github.com/capsule-apps/capsule/lib/ref"
)

// pinGroup is the single group of the pins keyfile; each key is a
// canonical runtime ref, the value is ignored.
const pinGroup = "Pinned"

// Pins is the per-installation pinned-runtime table. Pinned runtimes
// are never auto-uninstalled when their last dependent app goes away.
type Pins struct {
	path string
}

// pins returns the installation's pin table.
func (t *Transaction) pins() *Pins {
	return &Pins{path: filepath.Join(t.inst.Location.Path, "pins")}
}

// NewPins opens the pin table of an installation root.
func NewPins(installationRoot string) *Pins {
	return &Pins{path: filepath.Join(installationRoot, "pins")}
}

func (p *Pins) load() (*keyfile.File, error) {
	file, err := keyfile.Load(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return keyfile.New(), nil
		}
		return nil, fmt.Errorf("loading pin table: %w", err)
	}
	return file, nil
}

// Pin marks a runtime ref as pinned.
func (p *Pins) Pin(r ref.Ref) error {
	file, err := p.load()
	if err != nil {
		return err
	}
	file.SetBool(pinGroup, r.String(), true)
	return file.Save(p.path)
}

// Unpin removes a pin; unpinning an unpinned ref is a no-op.
func (p *Pins) Unpin(r ref.Ref) error {
	file, err := p.load()
	if err != nil {
		return err
	}
	if !file.Has(pinGroup, r.String()) {
		return nil
	}
	file.Delete(pinGroup, r.String())
	return file.Save(p.path)
}

// IsPinned reports whether the ref is pinned.
func (p *Pins) IsPinned(r ref.Ref) (bool, error) {
	file, err := p.load()
	if err != nil {
		return false, err
	}
	return file.Has(pinGroup, r.String()), nil
}

// List returns the pinned refs, sorted.
func (p *Pins) List() ([]string, error) {
	file, err := p.load()
	if err != nil {
		return nil, err
	}
	pinned := file.Keys(pinGroup)
	sort.Strings(pinned)
	return pinned, nil
}
