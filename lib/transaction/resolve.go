// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"context"
	"sort"
	"strings"

	"github.com/capsule-apps/capsule/lib/deploy"
	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/ref"
)

// partialRef is an under-qualified ref: id with optional arch and
// branch, optionally preceded by an explicit kind.
type partialRef struct {
	kind   ref.Kind // "" when unstated
	id     string
	arch   string
	branch string
}

func parsePartial(target string) (partialRef, error) {
	parts := strings.Split(target, "/")
	var partial partialRef
	if len(parts) > 0 && (parts[0] == string(ref.KindApp) || parts[0] == string(ref.KindRuntime)) {
		partial.kind = ref.Kind(parts[0])
		parts = parts[1:]
	}
	switch len(parts) {
	case 1:
		partial.id = parts[0]
	case 2:
		partial.id, partial.arch = parts[0], parts[1]
	case 3:
		partial.id, partial.arch, partial.branch = parts[0], parts[1], parts[2]
	default:
		return partialRef{}, errcode.New(errcode.InvalidRef, "malformed ref %q", target)
	}
	if err := ref.ValidateID(partial.id); err != nil {
		return partialRef{}, err
	}
	return partial, nil
}

// matches reports whether a full ref satisfies the stated parts.
func (p partialRef) matches(r ref.Ref) bool {
	if p.kind != "" && r.Kind() != p.kind {
		return false
	}
	if p.id != r.ID() {
		return false
	}
	if p.arch != "" && p.arch != r.Arch() {
		return false
	}
	return p.branch == "" || p.branch == r.Branch()
}

// resolveInstalled resolves a target against installed refs: exact
// matches first, then the alias table, with a ChooseRefs prompt when
// several deployments match.
func (t *Transaction) resolveInstalled(ctx context.Context, target string) (ref.Ref, error) {
	if full, err := ref.Parse(target); err == nil {
		return full, nil
	}
	partial, err := parsePartial(target)
	if err != nil {
		return ref.Ref{}, err
	}

	deployed, err := t.inst.Deploy.CollectDeployedRefs(deploy.Filter{})
	if err != nil {
		return ref.Ref{}, err
	}
	var candidates []ref.Ref
	for _, d := range deployed {
		if partial.matches(d.Ref) {
			candidates = append(candidates, d.Ref)
		}
	}

	if len(candidates) == 0 {
		if aliased, err := t.inst.Aliases.Resolve(target); err == nil {
			return aliased.Ref()
		}
		return ref.Ref{}, errcode.New(errcode.NotInstalled, "%s is not installed", target)
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	// Prefer the arch heuristic before asking.
	if narrowed := narrowByArch(candidates, t.opts.Arch); len(narrowed) == 1 {
		return narrowed[0], nil
	}
	return t.chooseRef(ctx, target, candidates)
}

// resolveRemote resolves an install target against a remote's visible
// refs: alias first (aliases always name something precise), then
// summary matches narrowed by the default arch and the remote's
// default branch.
func (t *Transaction) resolveRemote(ctx context.Context, remoteName, target string) (ref.Ref, error) {
	if full, err := ref.Parse(target); err == nil {
		return full, nil
	}
	if aliased, err := t.inst.Aliases.Resolve(target); err == nil {
		return aliased.Ref()
	}
	partial, err := parsePartial(target)
	if err != nil {
		return ref.Ref{}, err
	}

	remoteRefs, err := t.inst.Registry.ListRemoteRefs(ctx, remoteName)
	if err != nil {
		return ref.Ref{}, err
	}
	state, err := t.inst.Registry.GetState(ctx, remoteName)
	if err != nil {
		return ref.Ref{}, err
	}

	var candidates []ref.Ref
	for _, entry := range remoteRefs {
		full, err := ref.Parse(entry.Name)
		if err != nil {
			continue
		}
		if partial.matches(full) {
			candidates = append(candidates, full)
		}
	}
	if len(candidates) == 0 {
		return ref.Ref{}, errcode.New(errcode.InvalidRef, "remote %s has no match for %s", remoteName, target)
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	if narrowed := narrowByArch(candidates, t.opts.Arch); len(narrowed) > 0 {
		candidates = narrowed
	}
	if len(candidates) > 1 && state.Summary.DefaultBranch != "" {
		if narrowed := narrowByBranch(candidates, state.Summary.DefaultBranch); len(narrowed) > 0 {
			candidates = narrowed
		}
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	return t.chooseRef(ctx, target, candidates)
}

func narrowByArch(candidates []ref.Ref, arch string) []ref.Ref {
	var narrowed []ref.Ref
	for _, c := range candidates {
		if c.Arch() == arch {
			narrowed = append(narrowed, c)
		}
	}
	return narrowed
}

func narrowByBranch(candidates []ref.Ref, branch string) []ref.Ref {
	var narrowed []ref.Ref
	for _, c := range candidates {
		if c.Branch() == branch {
			narrowed = append(narrowed, c)
		}
	}
	return narrowed
}

// chooseRef disambiguates via a ChooseRefs prompt.
func (t *Transaction) chooseRef(ctx context.Context, target string, candidates []ref.Ref) (ref.Ref, error) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].String() < candidates[j].String() })
	choices := make([]string, len(candidates))
	for i, c := range candidates {
		choices[i] = c.String()
	}
	response, err := t.ask(ctx, &Prompt{
		Kind:    PromptChooseRefs,
		Message: "several refs match " + target,
		Choices: choices,
	})
	if err != nil {
		return ref.Ref{}, err
	}
	if response.Index < 0 || response.Index >= len(candidates) {
		return ref.Ref{}, errcode.New(errcode.Aborted, "no ref chosen for %s", target)
	}
	return candidates[response.Index], nil
}
