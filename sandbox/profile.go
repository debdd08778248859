// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Profile is a base sandbox shape loaded from YAML: the mounts and
// namespace settings every app launch starts from, before deployments
// and the permission context are applied on top.
type Profile struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Inherit     string            `yaml:"inherit,omitempty"`
	Filesystem  []Mount           `yaml:"filesystem,omitempty"`
	Namespaces  NamespaceConfig   `yaml:"namespaces,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Security    SecurityConfig    `yaml:"security,omitempty"`
	CreateDirs  []string          `yaml:"create_dirs,omitempty"`
}

// Mount is one filesystem entry of a profile.
type Mount struct {
	Source   string `yaml:"source,omitempty"`
	Dest     string `yaml:"dest"`
	Mode     string `yaml:"mode,omitempty"`
	Type     string `yaml:"type,omitempty"`
	Optional bool   `yaml:"optional,omitempty"`
}

// Mount types.
const (
	MountTypeBind    = ""
	MountTypeTmpfs   = "tmpfs"
	MountTypeProc    = "proc"
	MountTypeDev     = "dev"
	MountTypeDevBind = "dev-bind"
)

// Mount modes.
const (
	MountModeRO = "ro"
	MountModeRW = "rw"
)

// NamespaceConfig selects the namespaces to unshare.
type NamespaceConfig struct {
	PID    bool `yaml:"pid"`
	Net    bool `yaml:"net"`
	IPC    bool `yaml:"ipc"`
	UTS    bool `yaml:"uts"`
	Cgroup bool `yaml:"cgroup"`
	User   bool `yaml:"user"`
}

// SecurityConfig holds process-level hardening switches.
type SecurityConfig struct {
	NewSession    bool `yaml:"new_session"`
	DieWithParent bool `yaml:"die_with_parent"`
}

// Clone deep-copies a profile.
func (p *Profile) Clone() *Profile {
	clone := &Profile{
		Name:        p.Name,
		Description: p.Description,
		Inherit:     p.Inherit,
		Namespaces:  p.Namespaces,
		Security:    p.Security,
	}
	if p.Filesystem != nil {
		clone.Filesystem = append([]Mount(nil), p.Filesystem...)
	}
	if p.CreateDirs != nil {
		clone.CreateDirs = append([]string(nil), p.CreateDirs...)
	}
	if p.Environment != nil {
		clone.Environment = make(map[string]string, len(p.Environment))
		for k, v := range p.Environment {
			clone.Environment[k] = v
		}
	}
	return clone
}

// mergeProfiles layers child over parent: mounts and create-dirs
// append, environment overrides per key, namespace and security
// settings take the child's values.
func mergeProfiles(parent, child *Profile) *Profile {
	result := parent.Clone()
	result.Name = child.Name
	result.Description = child.Description
	result.Inherit = child.Inherit
	result.Filesystem = append(result.Filesystem, child.Filesystem...)
	result.CreateDirs = append(result.CreateDirs, child.CreateDirs...)
	if child.Environment != nil {
		if result.Environment == nil {
			result.Environment = map[string]string{}
		}
		for k, v := range child.Environment {
			result.Environment[k] = v
		}
	}
	result.Namespaces = child.Namespaces
	result.Security = child.Security
	return result
}

// ProfilesConfig is one YAML document of named profiles.
type ProfilesConfig struct {
	Profiles map[string]*Profile `yaml:"profiles"`
}

// ParseProfilesConfig parses a profiles YAML document.
func ParseProfilesConfig(data []byte) (*ProfilesConfig, error) {
	var config ProfilesConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing profiles: %w", err)
	}
	for name, profile := range config.Profiles {
		if profile.Name == "" {
			profile.Name = name
		}
	}
	return &config, nil
}

// ProfileLoader resolves named profiles across layered config files,
// applying inheritance. Later-loaded configs shadow earlier ones.
type ProfileLoader struct {
	configs  []*ProfilesConfig
	resolved map[string]*Profile
}

// NewProfileLoader creates a loader seeded with the built-in default
// profiles.
func NewProfileLoader() (*ProfileLoader, error) {
	loader := &ProfileLoader{resolved: map[string]*Profile{}}
	config, err := ParseProfilesConfig([]byte(defaultProfilesYAML))
	if err != nil {
		return nil, fmt.Errorf("built-in profiles: %w", err)
	}
	loader.configs = append(loader.configs, config)
	return loader, nil
}

// LoadFile adds a profiles YAML file on top of what is loaded.
func (l *ProfileLoader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	config, err := ParseProfilesConfig(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	l.configs = append(l.configs, config)
	return nil
}

// LoadDirectory adds every *.yaml/*.yml in dir; a missing directory
// is fine.
func (l *ProfileLoader) LoadDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if err := l.LoadFile(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns a profile by name with inheritance applied.
func (l *ProfileLoader) Resolve(name string) (*Profile, error) {
	if profile, ok := l.resolved[name]; ok {
		return profile, nil
	}

	var base *Profile
	for _, config := range l.configs {
		if profile, ok := config.Profiles[name]; ok {
			base = profile
		}
	}
	if base == nil {
		return nil, fmt.Errorf("profile not found: %s", name)
	}

	var profile *Profile
	if base.Inherit != "" {
		parent, err := l.Resolve(base.Inherit)
		if err != nil {
			return nil, fmt.Errorf("resolving parent of %s: %w", name, err)
		}
		profile = mergeProfiles(parent, base)
	} else {
		profile = base.Clone()
	}
	l.resolved[name] = profile
	return profile, nil
}

// List returns the known profile names, sorted.
func (l *ProfileLoader) List() []string {
	names := map[string]bool{}
	for _, config := range l.configs {
		for name := range config.Profiles {
			names[name] = true
		}
	}
	result := make([]string, 0, len(names))
	for name := range names {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// defaultProfilesYAML is the built-in base. The app profile is what
// normal launches start from; devel adds the pieces debugging needs.
const defaultProfilesYAML = `
profiles:
  app:
    description: Base profile for application launches
    namespaces:
      pid: true
      net: true
      ipc: true
      uts: true
      cgroup: true
    security:
      new_session: true
      die_with_parent: true
    filesystem:
      - dest: /tmp
        type: tmpfs
      - source: /etc/resolv.conf
        dest: /etc/resolv.conf
        mode: ro
        optional: true
      - source: /etc/localtime
        dest: /etc/localtime
        mode: ro
        optional: true
      - source: /sys/block
        dest: /sys/block
        mode: ro
        optional: true
      - source: /sys/bus
        dest: /sys/bus
        mode: ro
        optional: true
      - source: /sys/class
        dest: /sys/class
        mode: ro
        optional: true
      - source: /sys/dev
        dest: /sys/dev
        mode: ro
        optional: true
      - source: /sys/devices
        dest: /sys/devices
        mode: ro
        optional: true
    environment:
      PATH: /app/bin:/usr/bin
      XDG_CONFIG_DIRS: /app/etc/xdg:/etc/xdg
      XDG_DATA_DIRS: /app/share:/usr/share

  devel:
    description: Application profile with debugging conveniences
    inherit: app
    security:
      new_session: false
      die_with_parent: true
    environment:
      TERM: xterm-256color
`
