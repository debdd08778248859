// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"sort"
	"strings"

	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/keyfile"
)

// FilesystemMode is the access an app gets to a host path.
type FilesystemMode string

const (
	FilesystemRO     FilesystemMode = "ro"
	FilesystemRW     FilesystemMode = "rw"
	FilesystemHidden FilesystemMode = "hidden"
)

// BusPolicy is a per-name D-Bus policy; higher values grant more.
type BusPolicy int

const (
	BusNone BusPolicy = iota
	BusSee
	BusTalk
	BusOwn
)

func parseBusPolicy(s string) (BusPolicy, error) {
	switch s {
	case "none":
		return BusNone, nil
	case "see":
		return BusSee, nil
	case "talk":
		return BusTalk, nil
	case "own":
		return BusOwn, nil
	default:
		return BusNone, errcode.New(errcode.InvalidArgs, "unknown bus policy %q", s)
	}
}

func (p BusPolicy) String() string {
	switch p {
	case BusSee:
		return "see"
	case BusTalk:
		return "talk"
	case BusOwn:
		return "own"
	default:
		return "none"
	}
}

// Known permission tokens. Unknown tokens are rejected so typos in
// overrides fail loudly.
var (
	knownShares = map[string]bool{"network": true, "ipc": true}
	knownSockets = map[string]bool{
		"x11": true, "wayland": true, "fallback-x11": true, "pulseaudio": true,
		"session-bus": true, "system-bus": true, "ssh-auth": true, "pcsc": true,
		"cups": true,
	}
	knownDevices = map[string]bool{"dri": true, "kvm": true, "shm": true, "all": true}
	knownFeatures = map[string]bool{
		"devel": true, "multiarch": true, "bluetooth": true, "canbus": true,
		"per-app-dev-shm": true,
	}
)

// Context is a permission set: what the sandbox shares with the host.
// The zero Context grants nothing.
type Context struct {
	Shares   map[string]bool
	Sockets  map[string]bool
	Devices  map[string]bool
	Features map[string]bool

	// Filesystems maps a host path (or the specials "home" and
	// "host") to its access mode.
	Filesystems map[string]FilesystemMode

	SessionBus map[string]BusPolicy
	SystemBus  map[string]BusPolicy

	Env      map[string]string
	UnsetEnv map[string]bool
}

// NewContext returns an empty context.
func NewContext() *Context {
	return &Context{
		Shares:      map[string]bool{},
		Sockets:     map[string]bool{},
		Devices:     map[string]bool{},
		Features:    map[string]bool{},
		Filesystems: map[string]FilesystemMode{},
		SessionBus:  map[string]BusPolicy{},
		SystemBus:   map[string]BusPolicy{},
		Env:         map[string]string{},
		UnsetEnv:    map[string]bool{},
	}
}

// Merge layers other on top of c: grants add, negations ("false"
// entries and hidden filesystems) revoke, bus policies and env
// replace per key.
func (c *Context) Merge(other *Context) {
	mergeSet(c.Shares, other.Shares)
	mergeSet(c.Sockets, other.Sockets)
	mergeSet(c.Devices, other.Devices)
	mergeSet(c.Features, other.Features)
	for path, mode := range other.Filesystems {
		c.Filesystems[path] = mode
	}
	for name, policy := range other.SessionBus {
		c.SessionBus[name] = policy
	}
	for name, policy := range other.SystemBus {
		c.SystemBus[name] = policy
	}
	for key, value := range other.Env {
		c.Env[key] = value
		delete(c.UnsetEnv, key)
	}
	for key := range other.UnsetEnv {
		c.UnsetEnv[key] = true
		delete(c.Env, key)
	}
}

func mergeSet(base, overlay map[string]bool) {
	for name, granted := range overlay {
		base[name] = granted
	}
}

// Allowed reports whether a set grants a token after merging.
func allowed(set map[string]bool, name string) bool { return set[name] }

// ValidateToken checks a permission token against the known set for
// its key ("shared", "sockets", "devices", "features").
func ValidateToken(key, name string) error {
	var known map[string]bool
	switch key {
	case "shared":
		known = knownShares
	case "sockets":
		known = knownSockets
	case "devices":
		known = knownDevices
	case "features":
		known = knownFeatures
	default:
		return errcode.New(errcode.InvalidArgs, "unknown permission class %q", key)
	}
	if !known[name] {
		return errcode.New(errcode.InvalidArgs, "unknown %s token %q", key, name)
	}
	return nil
}

// ParseFilesystemToken splits a filesystem grant token: "path",
// "path:ro", "path:rw", or "!path" for hidden.
func ParseFilesystemToken(token string) (string, FilesystemMode, error) {
	return parseFilesystemToken(token)
}

// Keyfile groups and keys of the context serialisation, shared by app
// metadata and override files.
const (
	groupContext          = "Context"
	groupSessionBusPolicy = "Session Bus Policy"
	groupSystemBusPolicy  = "System Bus Policy"
	groupEnvironment      = "Environment"
)

// ParseContext reads the [Context], bus policy, and [Environment]
// groups of a metadata or override keyfile. A leading "!" on a list
// token revokes the grant.
func ParseContext(file *keyfile.File) (*Context, error) {
	context := NewContext()

	parse := func(key string, set map[string]bool, known map[string]bool) error {
		for _, token := range file.StringList(groupContext, key) {
			negated := strings.HasPrefix(token, "!")
			name := strings.TrimPrefix(token, "!")
			if !known[name] {
				return errcode.New(errcode.InvalidArgs, "unknown %s token %q", key, name)
			}
			set[name] = !negated
		}
		return nil
	}
	if err := parse("shared", context.Shares, knownShares); err != nil {
		return nil, err
	}
	if err := parse("sockets", context.Sockets, knownSockets); err != nil {
		return nil, err
	}
	if err := parse("devices", context.Devices, knownDevices); err != nil {
		return nil, err
	}
	if err := parse("features", context.Features, knownFeatures); err != nil {
		return nil, err
	}

	for _, token := range file.StringList(groupContext, "filesystems") {
		path, mode, err := parseFilesystemToken(token)
		if err != nil {
			return nil, err
		}
		context.Filesystems[path] = mode
	}

	for _, name := range file.Keys(groupSessionBusPolicy) {
		policy, err := parseBusPolicy(file.String(groupSessionBusPolicy, name))
		if err != nil {
			return nil, err
		}
		context.SessionBus[name] = policy
	}
	for _, name := range file.Keys(groupSystemBusPolicy) {
		policy, err := parseBusPolicy(file.String(groupSystemBusPolicy, name))
		if err != nil {
			return nil, err
		}
		context.SystemBus[name] = policy
	}

	for _, key := range file.Keys(groupEnvironment) {
		context.Env[key] = file.String(groupEnvironment, key)
	}
	for _, key := range file.StringList(groupContext, "unset-environment") {
		context.UnsetEnv[key] = true
		delete(context.Env, key)
	}
	return context, nil
}

// parseFilesystemToken splits "path", "path:ro", "path:rw",
// "!path" (hidden).
func parseFilesystemToken(token string) (string, FilesystemMode, error) {
	if strings.HasPrefix(token, "!") {
		return strings.TrimPrefix(token, "!"), FilesystemHidden, nil
	}
	path := token
	mode := FilesystemRW
	if idx := strings.LastIndex(token, ":"); idx > 0 {
		switch FilesystemMode(token[idx+1:]) {
		case FilesystemRO:
			path, mode = token[:idx], FilesystemRO
		case FilesystemRW:
			path, mode = token[:idx], FilesystemRW
		default:
			return "", "", errcode.New(errcode.InvalidArgs, "unknown filesystem mode in %q", token)
		}
	}
	if path != "home" && path != "host" && !strings.HasPrefix(path, "/") && !strings.HasPrefix(path, "xdg-") && !strings.HasPrefix(path, "~") {
		return "", "", errcode.New(errcode.InvalidArgs, "filesystem %q must be absolute, ~-relative, a well-known name, or an xdg-* location", path)
	}
	return path, mode, nil
}

// WriteTo serialises the context into the shared keyfile groups, for
// override files.
func (c *Context) WriteTo(file *keyfile.File) {
	write := func(key string, set map[string]bool) {
		var tokens []string
		for name, granted := range set {
			if granted {
				tokens = append(tokens, name)
			} else {
				tokens = append(tokens, "!"+name)
			}
		}
		if len(tokens) > 0 {
			sort.Strings(tokens)
			file.SetStringList(groupContext, key, tokens)
		}
	}
	write("shared", c.Shares)
	write("sockets", c.Sockets)
	write("devices", c.Devices)
	write("features", c.Features)

	var filesystems []string
	for path, mode := range c.Filesystems {
		switch mode {
		case FilesystemHidden:
			filesystems = append(filesystems, "!"+path)
		case FilesystemRO:
			filesystems = append(filesystems, path+":ro")
		default:
			filesystems = append(filesystems, path)
		}
	}
	if len(filesystems) > 0 {
		sort.Strings(filesystems)
		file.SetStringList(groupContext, "filesystems", filesystems)
	}

	for name, policy := range c.SessionBus {
		file.SetString(groupSessionBusPolicy, name, policy.String())
	}
	for name, policy := range c.SystemBus {
		file.SetString(groupSystemBusPolicy, name, policy.String())
	}
	for key, value := range c.Env {
		file.SetString(groupEnvironment, key, value)
	}
	if len(c.UnsetEnv) > 0 {
		var keys []string
		for key := range c.UnsetEnv {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		file.SetStringList(groupContext, "unset-environment", keys)
	}
}
