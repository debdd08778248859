// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/capsule-apps/capsule/lib/errcode"
)

// BwrapBuilder accumulates a bubblewrap argument vector. Mount and
// namespace flags go in insertion order; environment is collected and
// emitted sorted after --clearenv.
type BwrapBuilder struct {
	args []string
	env  map[string]string
}

// NewBwrapBuilder returns an empty builder.
func NewBwrapBuilder() *BwrapBuilder {
	return &BwrapBuilder{env: map[string]string{}}
}

// Unshare adds the namespace flags for config.
func (b *BwrapBuilder) Unshare(config NamespaceConfig) {
	if config.PID {
		b.args = append(b.args, "--unshare-pid")
	}
	if config.Net {
		b.args = append(b.args, "--unshare-net")
	}
	if config.IPC {
		b.args = append(b.args, "--unshare-ipc")
	}
	if config.UTS {
		b.args = append(b.args, "--unshare-uts")
	}
	if config.Cgroup {
		b.args = append(b.args, "--unshare-cgroup")
	}
	if config.User {
		b.args = append(b.args, "--unshare-user")
	}
}

// Security adds the process hardening flags for config.
func (b *BwrapBuilder) Security(config SecurityConfig) {
	if config.NewSession {
		b.args = append(b.args, "--new-session")
	}
	if config.DieWithParent {
		b.args = append(b.args, "--die-with-parent")
	}
}

// BindRO adds a read-only bind mount.
func (b *BwrapBuilder) BindRO(source, dest string) {
	b.args = append(b.args, "--ro-bind", source, dest)
}

// Bind adds a read-write bind mount.
func (b *BwrapBuilder) Bind(source, dest string) {
	b.args = append(b.args, "--bind", source, dest)
}

// BindTryRO adds a read-only bind that is skipped when the source is
// missing.
func (b *BwrapBuilder) BindTryRO(source, dest string) {
	b.args = append(b.args, "--ro-bind-try", source, dest)
}

// BindTry adds a read-write bind that is skipped when the source is
// missing.
func (b *BwrapBuilder) BindTry(source, dest string) {
	b.args = append(b.args, "--bind-try", source, dest)
}

// DevBind adds a device bind mount.
func (b *BwrapBuilder) DevBind(source, dest string) {
	b.args = append(b.args, "--dev-bind", source, dest)
}

// DevBindTry adds a device bind that is skipped when the source is
// missing.
func (b *BwrapBuilder) DevBindTry(source, dest string) {
	b.args = append(b.args, "--dev-bind-try", source, dest)
}

// Tmpfs mounts a tmpfs at dest.
func (b *BwrapBuilder) Tmpfs(dest string) {
	b.args = append(b.args, "--tmpfs", dest)
}

// Proc mounts a fresh procfs at dest.
func (b *BwrapBuilder) Proc(dest string) {
	b.args = append(b.args, "--proc", dest)
}

// Dev mounts a minimal devtmpfs at dest.
func (b *BwrapBuilder) Dev(dest string) {
	b.args = append(b.args, "--dev", dest)
}

// Dir creates a directory inside the sandbox.
func (b *BwrapBuilder) Dir(dest string) {
	b.args = append(b.args, "--dir", dest)
}

// Symlink creates a symlink inside the sandbox.
func (b *BwrapBuilder) Symlink(target, dest string) {
	b.args = append(b.args, "--symlink", target, dest)
}

// SetEnv records an environment variable for the sandboxed process.
// Later calls for the same key win.
func (b *BwrapBuilder) SetEnv(key, value string) {
	b.env[key] = value
}

// UnsetEnv drops a previously recorded variable.
func (b *BwrapBuilder) UnsetEnv(key string) {
	delete(b.env, key)
}

// Mount adds a profile mount entry.
func (b *BwrapBuilder) Mount(m Mount) error {
	switch m.Type {
	case MountTypeTmpfs:
		b.Tmpfs(m.Dest)
	case MountTypeProc:
		b.Proc(m.Dest)
	case MountTypeDev:
		b.Dev(m.Dest)
	case MountTypeDevBind:
		if m.Optional {
			b.DevBindTry(m.Source, m.Dest)
		} else {
			b.DevBind(m.Source, m.Dest)
		}
	case MountTypeBind:
		readonly := m.Mode != MountModeRW
		switch {
		case m.Optional && readonly:
			b.BindTryRO(m.Source, m.Dest)
		case m.Optional:
			b.BindTry(m.Source, m.Dest)
		case readonly:
			b.BindRO(m.Source, m.Dest)
		default:
			b.Bind(m.Source, m.Dest)
		}
	default:
		return errcode.New(errcode.InvalidArgs, "unknown mount type %q", m.Type)
	}
	return nil
}

// Build renders the final argument vector: flags, --clearenv, sorted
// --setenv pairs, then "--" and the command.
func (b *BwrapBuilder) Build(command []string) []string {
	args := append([]string(nil), b.args...)
	args = append(args, "--clearenv")
	keys := make([]string, 0, len(b.env))
	for key := range b.env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "--setenv", key, b.env[key])
	}
	args = append(args, "--")
	args = append(args, command...)
	return args
}

// SandboxSpec is everything the argv rendering needs: the composed
// filesystem, the resolved permission context, and the app identity.
type SandboxSpec struct {
	AppID       string
	AppPath     string
	RuntimePath string

	Profile *Profile
	Context *Context

	// InstanceDir is the per-instance runtime state directory bound
	// at /run/capsule inside the sandbox.
	InstanceDir string

	HomeDir       string
	RuntimeDirEnv string
}

// BuildArgs renders the full bwrap argument vector for a launch.
func BuildArgs(spec *SandboxSpec, command []string) ([]string, error) {
	b := NewBwrapBuilder()

	namespaces := spec.Profile.Namespaces
	if allowed(spec.Context.Shares, "network") {
		namespaces.Net = false
	}
	if allowed(spec.Context.Shares, "ipc") {
		namespaces.IPC = false
	}
	b.Unshare(namespaces)
	b.Security(spec.Profile.Security)

	b.BindRO(filepath.Join(spec.RuntimePath, "files"), "/usr")
	if spec.AppPath != "" {
		b.BindRO(filepath.Join(spec.AppPath, "files"), "/app")
	} else {
		b.Tmpfs("/app")
	}
	b.Proc("/proc")
	b.Dev("/dev")
	b.Symlink("usr/lib", "/lib")
	b.Symlink("usr/lib64", "/lib64")
	b.Symlink("usr/bin", "/bin")
	b.Symlink("usr/sbin", "/sbin")
	b.Symlink("usr/etc", "/etc")

	for _, mount := range spec.Profile.Filesystem {
		if err := b.Mount(mount); err != nil {
			return nil, err
		}
	}
	for _, dir := range spec.Profile.CreateDirs {
		b.Dir(dir)
	}
	for key, value := range spec.Profile.Environment {
		b.SetEnv(key, value)
	}

	if spec.InstanceDir != "" {
		b.Bind(spec.InstanceDir, "/run/capsule")
	}

	if err := applyFilesystems(b, spec); err != nil {
		return nil, err
	}
	applyDevices(b, spec.Context)
	applySockets(b, spec)

	b.SetEnv("CAPSULE_ID", spec.AppID)
	b.SetEnv("HOME", spec.HomeDir)
	b.SetEnv("XDG_RUNTIME_DIR", spec.RuntimeDirEnv)
	for key, value := range spec.Context.Env {
		b.SetEnv(key, value)
	}
	for key := range spec.Context.UnsetEnv {
		b.UnsetEnv(key)
	}

	return b.Build(command), nil
}

// applyFilesystems translates the context's filesystem grants into
// bind mounts, expanding the well-known names.
func applyFilesystems(b *BwrapBuilder, spec *SandboxSpec) error {
	paths := make([]string, 0, len(spec.Context.Filesystems))
	for path := range spec.Context.Filesystems {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		mode := spec.Context.Filesystems[path]
		resolved, err := resolveFilesystemPath(path, spec.HomeDir)
		if err != nil {
			return err
		}
		switch mode {
		case FilesystemHidden:
			b.Tmpfs(resolved)
		case FilesystemRO:
			b.BindTryRO(resolved, resolved)
		default:
			b.BindTry(resolved, resolved)
		}
	}
	return nil
}

// resolveFilesystemPath expands "home", "host", "~...", and "xdg-*"
// tokens to host paths.
func resolveFilesystemPath(path, home string) (string, error) {
	switch {
	case path == "home":
		return home, nil
	case path == "host":
		return "/", nil
	case path == "~":
		return home, nil
	case strings.HasPrefix(path, "~/"):
		return filepath.Join(home, path[2:]), nil
	case strings.HasPrefix(path, "xdg-"):
		return xdgPath(path, home)
	case strings.HasPrefix(path, "/"):
		return path, nil
	default:
		return "", errcode.New(errcode.InvalidArgs, "cannot resolve filesystem %q", path)
	}
}

func xdgPath(token, home string) (string, error) {
	name, rest, _ := strings.Cut(token, "/")
	var base string
	switch name {
	case "xdg-desktop":
		base = envOr("XDG_DESKTOP_DIR", filepath.Join(home, "Desktop"))
	case "xdg-documents":
		base = envOr("XDG_DOCUMENTS_DIR", filepath.Join(home, "Documents"))
	case "xdg-download":
		base = envOr("XDG_DOWNLOAD_DIR", filepath.Join(home, "Downloads"))
	case "xdg-music":
		base = envOr("XDG_MUSIC_DIR", filepath.Join(home, "Music"))
	case "xdg-pictures":
		base = envOr("XDG_PICTURES_DIR", filepath.Join(home, "Pictures"))
	case "xdg-videos":
		base = envOr("XDG_VIDEOS_DIR", filepath.Join(home, "Videos"))
	case "xdg-config":
		base = envOr("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	case "xdg-cache":
		base = envOr("XDG_CACHE_HOME", filepath.Join(home, ".cache"))
	case "xdg-data":
		base = envOr("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	case "xdg-run":
		base = os.Getenv("XDG_RUNTIME_DIR")
		if base == "" {
			return "", errcode.New(errcode.InvalidArgs, "xdg-run requires XDG_RUNTIME_DIR")
		}
	default:
		return "", errcode.New(errcode.InvalidArgs, "unknown xdg location %q", name)
	}
	if rest != "" {
		return filepath.Join(base, rest), nil
	}
	return base, nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// applyDevices binds granted device nodes.
func applyDevices(b *BwrapBuilder, context *Context) {
	all := allowed(context.Devices, "all")
	if all {
		b.DevBind("/dev", "/dev")
		return
	}
	if allowed(context.Devices, "dri") {
		b.DevBindTry("/dev/dri", "/dev/dri")
	}
	if allowed(context.Devices, "kvm") {
		b.DevBindTry("/dev/kvm", "/dev/kvm")
	}
	if allowed(context.Devices, "shm") {
		b.BindTry("/dev/shm", "/dev/shm")
	}
}

// applySockets binds host sockets and sets the env the clients expect.
func applySockets(b *BwrapBuilder, spec *SandboxSpec) {
	context := spec.Context
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")

	x11 := allowed(context.Sockets, "x11") ||
		(allowed(context.Sockets, "fallback-x11") && !allowed(context.Sockets, "wayland"))
	if x11 {
		b.BindTry("/tmp/.X11-unix", "/tmp/.X11-unix")
		if display := os.Getenv("DISPLAY"); display != "" {
			b.SetEnv("DISPLAY", display)
		}
	}
	if allowed(context.Sockets, "wayland") && runtimeDir != "" {
		display := envOr("WAYLAND_DISPLAY", "wayland-0")
		source := filepath.Join(runtimeDir, display)
		dest := filepath.Join(spec.RuntimeDirEnv, display)
		b.BindTry(source, dest)
		b.SetEnv("WAYLAND_DISPLAY", display)
	}
	if allowed(context.Sockets, "pulseaudio") && runtimeDir != "" {
		source := filepath.Join(runtimeDir, "pulse")
		dest := filepath.Join(spec.RuntimeDirEnv, "pulse")
		b.BindTry(source, dest)
		b.SetEnv("PULSE_SERVER", "unix:"+filepath.Join(dest, "native"))
	}
	if allowed(context.Sockets, "session-bus") {
		source := sessionBusPath(runtimeDir)
		if source != "" {
			dest := filepath.Join(spec.RuntimeDirEnv, "bus")
			b.BindTry(source, dest)
			b.SetEnv("DBUS_SESSION_BUS_ADDRESS", "unix:path="+dest)
		}
	}
	if allowed(context.Sockets, "system-bus") {
		b.BindTry("/run/dbus/system_bus_socket", "/run/dbus/system_bus_socket")
	}
	if allowed(context.Sockets, "ssh-auth") {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			dest := filepath.Join(spec.RuntimeDirEnv, "ssh-auth")
			b.BindTry(sock, dest)
			b.SetEnv("SSH_AUTH_SOCK", dest)
		}
	}
	if allowed(context.Sockets, "pcsc") {
		b.BindTry("/run/pcscd/pcscd.comm", "/run/pcscd/pcscd.comm")
	}
	if allowed(context.Sockets, "cups") {
		b.BindTry("/run/cups/cups.sock", "/run/cups/cups.sock")
	}
}

// sessionBusPath extracts the socket path of the session bus address,
// falling back to the conventional location.
func sessionBusPath(runtimeDir string) string {
	address := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	for _, part := range strings.Split(address, ",") {
		if path, ok := strings.CutPrefix(part, "unix:path="); ok {
			return path
		}
	}
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "bus")
	}
	return ""
}
