// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/capsule-apps/capsule/lib/deploy"
	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/pull"
	"github.com/capsule-apps/capsule/lib/ref"
	"github.com/capsule-apps/capsule/lib/remote"
	"github.com/capsule-apps/capsule/lib/store"
)

func (t *Transaction) execute(ctx context.Context, op *Operation) error {
	switch op.Kind {
	case OpInstall:
		return t.executeInstall(ctx, op)
	case OpUpdate:
		return t.executeUpdate(ctx, op)
	case OpUninstall:
		return t.executeUninstall(ctx, op)
	case OpInstallBundle:
		return t.executeInstallBundle(ctx, op)
	case OpUpdateAppstream:
		return t.executeUpdateAppstream(ctx, op)
	case OpReinstall:
		return t.executeReinstall(ctx, op)
	default:
		return fmt.Errorf("internal error: unknown op kind %d", op.Kind)
	}
}

// keyringFor loads the remote's trust keyring when verification is on.
func (t *Transaction) keyringFor(config *remote.Config) (*remote.Keyring, error) {
	if !config.GPGVerify {
		return nil, nil
	}
	return remote.LoadKeyring(t.inst.Store.KeysDir(), config.Name)
}

// pullRef pulls op.Ref from its remote, wiring byte progress onto the
// event stream.
func (t *Transaction) pullRef(ctx context.Context, op *Operation) (store.Checksum, remote.SummaryRef, error) {
	state, err := t.inst.Registry.GetState(ctx, op.Remote)
	if err != nil {
		return store.Checksum{}, remote.SummaryRef{}, err
	}
	entry, ok := state.Summary.Refs[op.Ref.String()]
	if !ok {
		return store.Checksum{}, remote.SummaryRef{}, errcode.New(errcode.InvalidRef, "remote %s has no ref %s", op.Remote, op.Ref)
	}
	keyring, err := t.keyringFor(state.Config)
	if err != nil {
		return store.Checksum{}, remote.SummaryRef{}, err
	}
	source, err := t.opts.NewSource(state.Config)
	if err != nil {
		return store.Checksum{}, remote.SummaryRef{}, err
	}

	commit, err := pull.Pull(ctx, t.inst.Store, source, pull.Options{
		Ref:           op.Ref.String(),
		Commit:        entry.Checksum,
		Keyring:       keyring,
		ExpectedBytes: entry.DownloadSize,
		Progress: func(done, total int64) {
			t.emit(ctx, Event{Kind: EventBytesProgress, Op: op, Done: done, Total: total})
		},
		Logger: t.logger,
	})
	if err != nil {
		return store.Checksum{}, remote.SummaryRef{}, err
	}
	return commit, entry, nil
}

func (t *Transaction) executeInstall(ctx context.Context, op *Operation) error {
	if _, err := t.inst.Deploy.ActiveCommit(op.Ref); err == nil {
		return errcode.New(errcode.AlreadyInstalled, "%s is already installed", op.Ref)
	}

	commit, entry, err := t.pullRef(ctx, op)
	if err != nil {
		return err
	}
	op.Commit = commit
	op.EndOfLife, op.EOLRebase = entry.EndOfLife, entry.EOLRebase

	if _, err := t.inst.Deploy.Deploy(ctx, op.Ref, commit, deploy.Options{
		Origin:    op.Remote,
		EndOfLife: entry.EndOfLife,
		EOLRebase: entry.EOLRebase,
	}); err != nil {
		return err
	}
	t.pushUndo(func() error {
		if err := t.inst.Deploy.Undeploy(op.Ref, commit, true); err != nil && !errcode.Is(err, errcode.NotDeployed) {
			return err
		}
		return t.deleteLocalRef(ctx, op.Ref)
	})
	return nil
}

func (t *Transaction) executeUpdate(ctx context.Context, op *Operation) error {
	previous, err := t.inst.Deploy.ActiveCommit(op.Ref)
	if err != nil {
		return err
	}

	commit, entry, err := t.pullRef(ctx, op)
	if err != nil {
		return err
	}
	if commit == previous {
		return errcode.New(errcode.AlreadyInstalled, "%s is already current", op.Ref)
	}
	op.Commit = commit
	op.EndOfLife, op.EOLRebase = entry.EndOfLife, entry.EOLRebase

	if _, err := t.inst.Deploy.Deploy(ctx, op.Ref, commit, deploy.Options{
		Origin:    op.Remote,
		EndOfLife: entry.EndOfLife,
		EOLRebase: entry.EOLRebase,
	}); err != nil {
		return err
	}
	// Retire the previous deployment; a running instance keeps it
	// alive until purge.
	if err := t.inst.Deploy.Undeploy(op.Ref, previous, false); err != nil && !errcode.Is(err, errcode.Busy) {
		return err
	}
	t.pushUndo(func() error {
		if err := t.inst.Deploy.Undeploy(op.Ref, commit, true); err != nil && !errcode.Is(err, errcode.NotDeployed) {
			return err
		}
		return nil
	})
	return nil
}

func (t *Transaction) executeUninstall(ctx context.Context, op *Operation) error {
	commit, err := t.inst.Deploy.ActiveCommit(op.Ref)
	if err != nil {
		return errcode.Wrap(errcode.NotInstalled, err, "%s is not installed", op.Ref)
	}

	// Auto-prune ops skip silently when the ref gained a pin or a new
	// dependent since planning.
	dependents, err := t.dependentsOf(op.Ref)
	if err != nil {
		return err
	}
	if len(dependents) > 0 {
		if !op.Requested {
			return errcode.New(errcode.AlreadyInstalled, "%s still in use", op.Ref)
		}
		response, err := t.ask(ctx, &Prompt{
			Kind:    PromptConfirm,
			Message: fmt.Sprintf("%s is needed by %d installed ref(s); remove anyway?", op.Ref, len(dependents)),
			Choices: dependents,
		})
		if err != nil {
			return err
		}
		if !response.Yes {
			return errcode.New(errcode.Aborted, "uninstall of %s aborted", op.Ref)
		}
	}

	if err := t.inst.Deploy.Undeploy(op.Ref, commit, false); err != nil {
		return err
	}
	if err := t.deleteLocalRef(ctx, op.Ref); err != nil {
		return err
	}
	// Drop aliases pointing at the removed app.
	if op.Ref.IsApp() {
		if aliases, err := t.inst.Aliases.FindForID(op.Ref.ID()); err == nil {
			for _, alias := range aliases {
				t.inst.Aliases.Remove(alias)
			}
		}
	}
	return nil
}

// dependentsOf lists installed refs whose declared runtime is target.
func (t *Transaction) dependentsOf(target ref.Ref) ([]string, error) {
	deployed, err := t.inst.Deploy.CollectDeployedRefs(deploy.Filter{})
	if err != nil {
		return nil, err
	}
	var dependents []string
	for _, d := range deployed {
		if d.Data.RuntimeRef == target.ID()+"/"+target.Arch()+"/"+target.Branch() {
			dependents = append(dependents, d.Ref.String())
		}
	}
	return dependents, nil
}

func (t *Transaction) deleteLocalRef(ctx context.Context, target ref.Ref) error {
	txn, err := t.inst.Store.Begin()
	if err != nil {
		return err
	}
	defer txn.Abort()
	txn.DeleteRef(target.String())
	return txn.Commit(ctx)
}

func (t *Transaction) executeInstallBundle(ctx context.Context, op *Operation) error {
	refName, commit, err := pull.ImportBundle(ctx, t.inst.Store, op.BundlePath, pull.ImportBundleOptions{})
	if err != nil {
		return err
	}
	bundleRef, err := ref.Parse(refName)
	if err != nil {
		return err
	}
	op.Ref = bundleRef
	op.Commit = commit

	if active, err := t.inst.Deploy.ActiveCommit(bundleRef); err == nil && active == commit {
		return errcode.New(errcode.AlreadyInstalled, "%s is already installed", bundleRef)
	}
	if _, err := t.inst.Deploy.Deploy(ctx, bundleRef, commit, deploy.Options{Origin: "bundle"}); err != nil {
		return err
	}
	t.pushUndo(func() error {
		if err := t.inst.Deploy.Undeploy(bundleRef, commit, true); err != nil && !errcode.Is(err, errcode.NotDeployed) {
			return err
		}
		return t.deleteLocalRef(ctx, bundleRef)
	})
	return nil
}

// appstreamRef is the per-arch catalogue branch remotes publish next
// to their app refs.
func appstreamRef(arch string) string {
	return "appstream2/" + arch
}

func (t *Transaction) executeUpdateAppstream(ctx context.Context, op *Operation) error {
	state, err := t.inst.Registry.GetState(ctx, op.Remote)
	if err != nil {
		return err
	}
	name := appstreamRef(t.opts.Arch)
	if _, ok := state.Summary.Refs[name]; !ok {
		return errcode.New(errcode.InvalidRef, "remote %s publishes no appstream for %s", op.Remote, t.opts.Arch)
	}
	keyring, err := t.keyringFor(state.Config)
	if err != nil {
		return err
	}
	source, err := t.opts.NewSource(state.Config)
	if err != nil {
		return err
	}

	localName := fmt.Sprintf("appstream/%s/%s", op.Remote, t.opts.Arch)
	commit, err := pull.Pull(ctx, t.inst.Store, source, pull.Options{
		Ref:      name,
		LocalRef: localName,
		Keyring:  keyring,
		Logger:   t.logger,
	})
	if err != nil {
		return err
	}

	// Check the catalogue out next to the deployments, swapping the
	// old copy away afterwards.
	dir := filepath.Join(t.inst.Location.Path, "appstream", op.Remote, t.opts.Arch)
	fresh := dir + ".new"
	os.RemoveAll(fresh)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return err
	}
	if err := t.inst.Store.Checkout(ctx, commit, fresh, store.CheckoutOptions{Mode: store.CheckoutHardlink}); err != nil {
		return err
	}
	old := dir + ".old"
	os.RemoveAll(old)
	if _, err := os.Lstat(dir); err == nil {
		if err := os.Rename(dir, old); err != nil {
			return err
		}
	}
	if err := os.Rename(fresh, dir); err != nil {
		return err
	}
	os.RemoveAll(old)
	return nil
}

// executeReinstall re-pulls and redeploys a ref in place, repairing
// local damage.
func (t *Transaction) executeReinstall(ctx context.Context, op *Operation) error {
	commit, entry, err := t.pullRef(ctx, op)
	if err != nil {
		return err
	}
	op.Commit = commit

	if previous, err := t.inst.Deploy.ActiveCommit(op.Ref); err == nil {
		if err := t.inst.Deploy.Undeploy(op.Ref, previous, true); err != nil && !errcode.Is(err, errcode.NotDeployed) {
			return err
		}
	}
	_, err = t.inst.Deploy.Deploy(ctx, op.Ref, commit, deploy.Options{
		Origin:    op.Remote,
		EndOfLife: entry.EndOfLife,
		EOLRebase: entry.EOLRebase,
	})
	return err
}
