// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/ref"
	"github.com/capsule-apps/capsule/lib/remote"
	"github.com/capsule-apps/capsule/lib/store"
)

// plan resolves every queued target, expands dependencies, and returns
// the operations in execution order.
func (t *Transaction) plan(ctx context.Context) ([]*Operation, error) {
	for _, op := range t.ops {
		if err := t.resolveOp(ctx, op); err != nil {
			return nil, err
		}
	}

	// byRef dedupes: one operation per (kind-class, ref).
	byRef := make(map[string]*Operation)
	for _, op := range t.ops {
		if op.Kind == OpInstallBundle || op.Kind == OpUpdateAppstream {
			continue
		}
		byRef[op.Ref.String()] = op
	}

	for _, op := range t.ops {
		switch op.Kind {
		case OpInstall, OpUpdate, OpReinstall:
			if err := t.expandDeps(ctx, op, byRef); err != nil {
				return nil, err
			}
		case OpUninstall:
			if err := t.expandUninstall(op, byRef); err != nil {
				return nil, err
			}
		}
	}

	return topoSort(t.ops)
}

// resolveOp fills in Ref (and Remote for installs) from the raw
// target.
func (t *Transaction) resolveOp(ctx context.Context, op *Operation) error {
	switch op.Kind {
	case OpInstall, OpReinstall:
		if !op.Ref.IsZero() {
			return nil
		}
		if op.Remote == "" {
			name, err := t.chooseRemoteFor(ctx, op.target)
			if err != nil {
				return err
			}
			op.Remote = name
		}
		resolved, err := t.resolveRemote(ctx, op.Remote, op.target)
		if err != nil {
			return err
		}
		op.Ref = resolved
	case OpUpdate, OpUninstall:
		resolved, err := t.resolveInstalled(ctx, op.target)
		if err != nil {
			return err
		}
		op.Ref = resolved
		if op.Remote == "" {
			if data, _, err := t.inst.Deploy.LoadDeployed(resolved, store.Checksum{}); err == nil {
				op.Remote = data.Origin
			}
		}
	}
	return nil
}

// chooseRemoteFor picks the remote to install an unpinned target from:
// enumerated remotes that can resolve it, by priority, with a
// ChooseRemote prompt on a priority tie.
func (t *Transaction) chooseRemoteFor(ctx context.Context, target string) (string, error) {
	origins, err := t.inst.Deploy.InstalledOrigins()
	if err != nil {
		return "", err
	}
	remotes, err := t.inst.Registry.ListEnumerated(origins)
	if err != nil {
		return "", err
	}

	type match struct {
		name     string
		priority int
	}
	var matches []match
	for _, config := range remotes {
		if _, err := t.resolveRemote(ctx, config.Name, target); err == nil {
			matches = append(matches, match{config.Name, config.Priority})
		}
	}
	if len(matches) == 0 {
		return "", errcode.New(errcode.InvalidRef, "no remote provides %s", target)
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].priority > matches[j].priority })
	if len(matches) == 1 || matches[0].priority > matches[1].priority {
		return matches[0].name, nil
	}

	var tied []string
	for _, m := range matches {
		if m.priority == matches[0].priority {
			tied = append(tied, m.name)
		}
	}
	response, err := t.ask(ctx, &Prompt{
		Kind:    PromptChooseRemote,
		Message: fmt.Sprintf("%s is available from several remotes", target),
		Choices: tied,
	})
	if err != nil {
		return "", err
	}
	if response.Index < 0 || response.Index >= len(tied) {
		return "", errcode.New(errcode.Aborted, "no remote chosen for %s", target)
	}
	return tied[response.Index], nil
}

// expandDeps adds the op's runtime and related refs as dependency
// install operations.
func (t *Transaction) expandDeps(ctx context.Context, op *Operation, byRef map[string]*Operation) error {
	config, err := t.inst.Registry.Get(op.Remote)
	if err != nil {
		// Bundle-origin installs have no registry entry and no deps to
		// expand from a summary.
		return nil
	}

	meta, err := t.metadataFor(ctx, op)
	if err != nil || meta == nil {
		return err
	}

	noDeps := t.opts.NoDeps || config.NoDeps
	if !noDeps {
		if runtimeRef, ok := meta.RuntimeRef(); ok {
			dep, err := t.dependencyInstall(ctx, op, runtimeRef, false, byRef)
			if err != nil {
				return err
			}
			if dep != nil {
				op.deps = append(op.deps, dep)
			}
		}
	}

	if !t.opts.NoRelated {
		for _, related := range meta.RelatedRefs(op.Ref.Arch(), op.Ref.Branch()) {
			if !related.AutoInstall {
				continue
			}
			dep, err := t.dependencyInstall(ctx, op, related.Ref, related.AutoPrune, byRef)
			if err != nil {
				// Missing extensions are expected; only real failures
				// stop the plan.
				if errcode.Is(err, errcode.InvalidRef) {
					continue
				}
				return err
			}
			if dep != nil {
				op.deps = append(op.deps, dep)
			}
		}
	}
	return nil
}

// dependencyInstall returns the install op for a dependency ref,
// creating it if the ref is neither installed nor already planned.
func (t *Transaction) dependencyInstall(ctx context.Context, parent *Operation, target ref.Ref, autoPrune bool, byRef map[string]*Operation) (*Operation, error) {
	if existing, ok := byRef[target.String()]; ok {
		if existing.Kind == OpUninstall {
			return nil, errcode.New(errcode.InvalidArgs, "%s is both needed by %s and scheduled for uninstall", target, parent.Ref)
		}
		return existing, nil
	}
	if _, err := t.inst.Deploy.ActiveCommit(target); err == nil {
		return nil, nil
	}

	remoteName := parent.Remote
	if _, err := t.remoteEntry(ctx, remoteName, target); err != nil {
		chosen, chooseErr := t.chooseRemoteFor(ctx, target.String())
		if chooseErr != nil {
			return nil, errcode.Wrap(errcode.RuntimeMissing, err, "required runtime %s not found in any remote", target)
		}
		remoteName = chosen
	}

	dep := &Operation{
		Kind:      OpInstall,
		Ref:       target,
		Remote:    remoteName,
		AutoPrune: autoPrune,
	}
	t.ops = append(t.ops, dep)
	byRef[target.String()] = dep
	if err := t.expandDeps(ctx, dep, byRef); err != nil {
		return nil, err
	}
	return dep, nil
}

// expandUninstall schedules auto-prune extensions of the removed ref,
// honouring pins and other users.
func (t *Transaction) expandUninstall(op *Operation, byRef map[string]*Operation) error {
	meta, err := t.installedMetadata(op.Ref)
	if err != nil || meta == nil {
		return err
	}
	pins := t.pins()

	for _, related := range meta.RelatedRefs(op.Ref.Arch(), op.Ref.Branch()) {
		if !related.AutoPrune {
			continue
		}
		if _, err := t.inst.Deploy.ActiveCommit(related.Ref); err != nil {
			continue
		}
		if pinned, _ := pins.IsPinned(related.Ref); pinned {
			continue
		}
		if _, ok := byRef[related.Ref.String()]; ok {
			continue
		}
		prune := &Operation{Kind: OpUninstall, Ref: related.Ref}
		prune.deps = append(prune.deps, op)
		t.ops = append(t.ops, prune)
		byRef[related.Ref.String()] = prune
	}
	return nil
}

// metadataFor loads the ref's metadata: the remote summary entry for
// install ops, the deployed metadata file otherwise.
func (t *Transaction) metadataFor(ctx context.Context, op *Operation) (*Metadata, error) {
	if op.Kind == OpInstall || op.Kind == OpReinstall {
		entry, err := t.remoteEntry(ctx, op.Remote, op.Ref)
		if err != nil {
			return nil, err
		}
		if entry.Metadata == "" {
			return nil, nil
		}
		return ParseMetadata([]byte(entry.Metadata))
	}
	return t.installedMetadata(op.Ref)
}

func (t *Transaction) remoteEntry(ctx context.Context, remoteName string, target ref.Ref) (remote.SummaryRef, error) {
	state, err := t.inst.Registry.GetState(ctx, remoteName)
	if err != nil {
		return remote.SummaryRef{}, err
	}
	entry, ok := state.Summary.Refs[target.String()]
	if !ok {
		return remote.SummaryRef{}, errcode.New(errcode.InvalidRef, "remote %s has no ref %s", remoteName, target)
	}
	return entry, nil
}

// installedMetadata reads the metadata file of the active deployment,
// or nil when the ref is not installed or carries none.
func (t *Transaction) installedMetadata(target ref.Ref) (*Metadata, error) {
	_, dir, err := t.inst.Deploy.LoadDeployed(target, store.Checksum{})
	if err != nil {
		if errcode.Is(err, errcode.NotDeployed) {
			return nil, nil
		}
		return nil, err
	}
	blob, err := os.ReadFile(filepath.Join(dir, "metadata"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return ParseMetadata(blob)
}

// topoSort orders ops dependencies-first and rejects cycles.
func topoSort(ops []*Operation) ([]*Operation, error) {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[*Operation]int, len(ops))
	ordered := make([]*Operation, 0, len(ops))

	var visit func(op *Operation) error
	visit = func(op *Operation) error {
		switch color[op] {
		case black:
			return nil
		case grey:
			return fmt.Errorf("internal error: dependency cycle through %s", op)
		}
		color[op] = grey
		for _, dep := range op.deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[op] = black
		ordered = append(ordered, op)
		return nil
	}
	for _, op := range ops {
		if err := visit(op); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
