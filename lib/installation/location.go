// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package installation

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/keyfile"
)

// Well-known installation ids.
const (
	UserID          = "user"
	DefaultSystemID = "default"
)

// Environment overrides consulted during discovery.
const (
	EnvUserDir   = "CAPSULE_USER_DIR"
	EnvSystemDir = "CAPSULE_SYSTEM_DIR"
	EnvConfigDir = "CAPSULE_CONFIG_DIR"
)

const (
	defaultSystemRoot = "/var/lib/capsule"
	defaultConfigRoot = "/etc/capsule"
	installationsDir  = "installations.d"
)

// StorageType tags where an installation's media lives, for UI display
// and removable-media handling.
type StorageType string

const (
	StorageDefault  StorageType = "default"
	StorageHardDisk StorageType = "hard-disk"
	StorageSDCard   StorageType = "sd-card"
	StorageMMC      StorageType = "mmc"
	StorageNetwork  StorageType = "network"
)

// ParseStorageType parses the StorageType key of an installation
// config. The empty string is StorageDefault.
func ParseStorageType(s string) (StorageType, error) {
	switch StorageType(s) {
	case "", StorageDefault:
		return StorageDefault, nil
	case StorageHardDisk, StorageSDCard, StorageMMC, StorageNetwork:
		return StorageType(s), nil
	default:
		return "", errcode.New(errcode.InvalidArgs, "unknown storage type %q", s)
	}
}

// Location describes one installation root before it is opened.
type Location struct {
	// ID names the installation: "user", "default", or the id of an
	// installations.d entry.
	ID string

	Path        string
	DisplayName string
	StorageType StorageType

	// Priority orders installations for lookups; higher first.
	Priority int

	// User marks the per-user installation, which wins priority ties.
	User bool
}

// UserLocation returns the per-user installation location:
// $CAPSULE_USER_DIR, else $XDG_DATA_HOME/capsule, else
// ~/.local/share/capsule.
func UserLocation() Location {
	path := os.Getenv(EnvUserDir)
	if path == "" {
		if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
			path = filepath.Join(dataHome, "capsule")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				home = "/"
			}
			path = filepath.Join(home, ".local", "share", "capsule")
		}
	}
	return Location{
		ID:          UserID,
		Path:        path,
		DisplayName: "User installation",
		StorageType: StorageDefault,
		User:        true,
	}
}

// SystemLocation returns the default system installation location:
// $CAPSULE_SYSTEM_DIR, else /var/lib/capsule.
func SystemLocation() Location {
	path := os.Getenv(EnvSystemDir)
	if path == "" {
		path = defaultSystemRoot
	}
	return Location{
		ID:          DefaultSystemID,
		Path:        path,
		DisplayName: "Default system installation",
		StorageType: StorageDefault,
	}
}

// ConfigDir returns the system configuration directory:
// $CAPSULE_CONFIG_DIR, else /etc/capsule.
func ConfigDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	return defaultConfigRoot
}

var installationGroup = regexp.MustCompile(`^Installation "([^"]+)"$`)

// Discover returns every visible installation location: the user
// installation, the default system installation, and the extra system
// installations from <configDir>/installations.d/*.conf, sorted by
// priority (higher first) with the user installation winning ties.
func Discover(configDir string) ([]Location, error) {
	locations := []Location{UserLocation(), SystemLocation()}

	extra, err := loadExtraLocations(filepath.Join(configDir, installationsDir))
	if err != nil {
		return nil, err
	}
	locations = append(locations, extra...)

	sort.SliceStable(locations, func(i, j int) bool {
		if locations[i].Priority != locations[j].Priority {
			return locations[i].Priority > locations[j].Priority
		}
		return locations[i].User && !locations[j].User
	})
	return locations, nil
}

// Find resolves an installation id among the discovered locations.
func Find(locations []Location, id string) (Location, error) {
	for _, location := range locations {
		if location.ID == id {
			return location, nil
		}
	}
	return Location{}, errcode.New(errcode.InvalidArgs, "no installation named %q", id)
}

// WriteLocation declares a new extra installation as
// <configDir>/installations.d/<id>.conf. The id must be unreserved and
// not already declared.
func WriteLocation(configDir string, location Location) error {
	if location.ID == "" || location.ID == UserID || location.ID == DefaultSystemID {
		return errcode.New(errcode.InvalidArgs, "installation id %q is reserved", location.ID)
	}
	if location.Path == "" {
		return errcode.New(errcode.InvalidArgs, "installation %q needs a path", location.ID)
	}
	existing, err := loadExtraLocations(filepath.Join(configDir, installationsDir))
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.ID == location.ID {
			return errcode.New(errcode.InvalidArgs, "installation %q already exists", location.ID)
		}
	}

	dir := filepath.Join(configDir, installationsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	file := keyfile.New()
	group := fmt.Sprintf("Installation %q", location.ID)
	file.SetString(group, "Path", location.Path)
	if location.DisplayName != "" {
		file.SetString(group, "DisplayName", location.DisplayName)
	}
	if location.StorageType != "" && location.StorageType != StorageDefault {
		file.SetString(group, "StorageType", string(location.StorageType))
	}
	if location.Priority != 0 {
		file.SetInt(group, "Priority", location.Priority)
	}
	return file.Save(filepath.Join(dir, location.ID+".conf"))
}

// loadExtraLocations parses every *.conf keyfile in dir. Each file may
// declare several [Installation "id"] groups; a group without a Path
// key is rejected.
func loadExtraLocations(dir string) ([]Location, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	var locations []Location
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".conf") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		file, err := keyfile.Load(path)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		parsed, err := locationsFromFile(file, path)
		if err != nil {
			return nil, err
		}
		locations = append(locations, parsed...)
	}
	return locations, nil
}

func locationsFromFile(file *keyfile.File, path string) ([]Location, error) {
	var locations []Location
	for _, group := range file.Groups() {
		match := installationGroup.FindStringSubmatch(group)
		if match == nil {
			continue
		}
		id := match[1]
		if id == UserID || id == DefaultSystemID {
			return nil, errcode.New(errcode.InvalidArgs, "%s: installation id %q is reserved", path, id)
		}
		root := file.String(group, "Path")
		if root == "" {
			return nil, errcode.New(errcode.InvalidArgs, "%s: installation %q has no Path", path, id)
		}
		storage, err := ParseStorageType(file.String(group, "StorageType"))
		if err != nil {
			return nil, fmt.Errorf("%s: installation %q: %w", path, id, err)
		}
		displayName := file.String(group, "DisplayName")
		if displayName == "" {
			displayName = id
		}
		locations = append(locations, Location{
			ID:          id,
			Path:        root,
			DisplayName: displayName,
			StorageType: storage,
			Priority:    file.Int(group, "Priority", 0),
		})
	}
	return locations, nil
}
