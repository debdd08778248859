// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/capsule-apps/capsule/lib/keyfile"
)

// instancesSubdir under the user runtime directory holds one state
// directory per running sandbox.
const instancesSubdir = ".capsule"

// Instance info keyfile layout.
const (
	instanceInfoFile      = "info"
	instanceLockFile      = ".ref"
	instancePIDFile       = "pid"
	instanceChildPIDFile  = "child-pid"
	instanceBusPolicyFile = "bus-policy"

	groupInstance      = "Instance"
	keyInstanceApp     = "application"
	keyInstanceArch    = "arch"
	keyInstanceBranch  = "branch"
	keyInstanceCommit  = "commit"
	keyInstanceRuntime = "runtime"
	keyInstanceRTCmt   = "runtime-commit"
)

// Instance is the recorded state of one running (or stale) sandbox.
type Instance struct {
	ID       string
	Dir      string
	PID      int
	ChildPID int
	Running  bool

	App           string
	Arch          string
	Branch        string
	Commit        string
	Runtime       string
	RuntimeCommit string
}

// InstancesDir returns the directory instance state lives in.
func InstancesDir() (string, error) {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = fmt.Sprintf("/run/user/%d", os.Getuid())
	}
	return filepath.Join(runtimeDir, instancesSubdir), nil
}

// NewInstance allocates a state directory for a launch and writes the
// info keyfile. The returned lock file must stay open for the sandbox
// lifetime; ListInstances treats an unlocked directory as stale.
func NewInstance(info Instance) (*Instance, *os.File, error) {
	base, err := InstancesDir()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(base, 0o700); err != nil {
		return nil, nil, err
	}

	var dir string
	for {
		raw := make([]byte, 4)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, err
		}
		info.ID = strconv.FormatUint(uint64(uint32(raw[0])<<24|uint32(raw[1])<<16|uint32(raw[2])<<8|uint32(raw[3])), 10)
		dir = filepath.Join(base, info.ID)
		if err := os.Mkdir(dir, 0o700); err == nil {
			break
		} else if !os.IsExist(err) {
			return nil, nil, err
		}
	}
	info.Dir = dir

	lockPath := filepath.Join(dir, instanceLockFile)
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX); err != nil {
		lock.Close()
		os.RemoveAll(dir)
		return nil, nil, fmt.Errorf("locking instance: %w", err)
	}

	file := keyfile.New()
	file.SetString(groupInstance, keyInstanceApp, info.App)
	file.SetString(groupInstance, keyInstanceArch, info.Arch)
	file.SetString(groupInstance, keyInstanceBranch, info.Branch)
	file.SetString(groupInstance, keyInstanceCommit, info.Commit)
	if info.Runtime != "" {
		file.SetString(groupInstance, keyInstanceRuntime, info.Runtime)
		file.SetString(groupInstance, keyInstanceRTCmt, info.RuntimeCommit)
	}
	if err := file.Save(filepath.Join(dir, instanceInfoFile)); err != nil {
		lock.Close()
		os.RemoveAll(dir)
		return nil, nil, err
	}
	return &info, lock, nil
}

// WritePID records the sandbox supervisor pid in the instance dir.
func (i *Instance) WritePID(pid int) error {
	i.PID = pid
	return os.WriteFile(filepath.Join(i.Dir, instancePIDFile), []byte(strconv.Itoa(pid)), 0o600)
}

// writeBusPolicy records the merged D-Bus policies in the instance
// dir for a proxy helper to pick up. No file when nothing is granted.
func writeBusPolicy(instanceDir string, context *Context) error {
	if len(context.SessionBus) == 0 && len(context.SystemBus) == 0 {
		return nil
	}
	file := keyfile.New()
	for name, policy := range context.SessionBus {
		file.SetString(groupSessionBusPolicy, name, policy.String())
	}
	for name, policy := range context.SystemBus {
		file.SetString(groupSystemBusPolicy, name, policy.String())
	}
	return file.Save(filepath.Join(instanceDir, instanceBusPolicyFile))
}

// WriteChildPID records the sandbox process pid, the one signals
// should target.
func (i *Instance) WriteChildPID(pid int) error {
	i.ChildPID = pid
	return os.WriteFile(filepath.Join(i.Dir, instanceChildPIDFile), []byte(strconv.Itoa(pid)), 0o600)
}

// Remove deletes the instance state directory.
func (i *Instance) Remove() error {
	return os.RemoveAll(i.Dir)
}

// loadInstance reads one instance directory; Running reflects whether
// the launcher still holds the lock.
func loadInstance(base, id string) (*Instance, error) {
	dir := filepath.Join(base, id)
	info := &Instance{ID: id, Dir: dir}

	file, err := keyfile.Load(filepath.Join(dir, instanceInfoFile))
	if err != nil {
		return nil, err
	}
	info.App = file.String(groupInstance, keyInstanceApp)
	info.Arch = file.String(groupInstance, keyInstanceArch)
	info.Branch = file.String(groupInstance, keyInstanceBranch)
	info.Commit = file.String(groupInstance, keyInstanceCommit)
	info.Runtime = file.String(groupInstance, keyInstanceRuntime)
	info.RuntimeCommit = file.String(groupInstance, keyInstanceRTCmt)

	if raw, err := os.ReadFile(filepath.Join(dir, instancePIDFile)); err == nil {
		info.PID, _ = strconv.Atoi(string(raw))
	}
	if raw, err := os.ReadFile(filepath.Join(dir, instanceChildPIDFile)); err == nil {
		info.ChildPID, _ = strconv.Atoi(string(raw))
	}
	info.Running = instanceLocked(filepath.Join(dir, instanceLockFile))
	return info, nil
}

func instanceLocked(lockPath string) bool {
	file, err := os.Open(lockPath)
	if err != nil {
		return false
	}
	defer file.Close()
	if err := unix.Flock(int(file.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		return err == unix.EWOULDBLOCK
	}
	unix.Flock(int(file.Fd()), unix.LOCK_UN)
	return false
}

// ListInstances enumerates running instances, removing stale state
// directories left by crashed launchers along the way.
func ListInstances() ([]*Instance, error) {
	base, err := InstancesDir()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var instances []*Instance
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := loadInstance(base, entry.Name())
		if err != nil {
			continue
		}
		if !info.Running {
			os.RemoveAll(info.Dir)
			continue
		}
		instances = append(instances, info)
	}
	sort.Slice(instances, func(a, b int) bool { return instances[a].ID < instances[b].ID })
	return instances, nil
}

// FindInstance looks a running instance up by instance id or app id.
func FindInstance(key string) (*Instance, error) {
	instances, err := ListInstances()
	if err != nil {
		return nil, err
	}
	for _, info := range instances {
		if info.ID == key || info.App == key {
			return info, nil
		}
	}
	return nil, nil
}

// Kill signals the sandbox process directly when its pid is recorded,
// else the supervisor. SIGKILL cannot be forwarded by the supervisor,
// so the child pid is preferred.
func (i *Instance) Kill(sig unix.Signal) error {
	pid := i.ChildPID
	if pid == 0 {
		pid = i.PID
	}
	if pid == 0 {
		return fmt.Errorf("instance %s has no recorded pid", i.ID)
	}
	return unix.Kill(pid, sig)
}
