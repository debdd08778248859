// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/capsule-apps/capsule/lib/deploy"
	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/installation"
	"github.com/capsule-apps/capsule/lib/ref"
	"github.com/capsule-apps/capsule/lib/remote"
	"github.com/capsule-apps/capsule/lib/transport"
)

// SourceFunc builds a pull source for a remote. The default dials the
// remote's URL over HTTP; tests substitute in-memory sources.
type SourceFunc func(config *remote.Config) (transport.Source, error)

// Options configures a Transaction.
type Options struct {
	// Installation is the target installation. Required.
	Installation *installation.Installation

	// Atomic reverts every completed operation when any operation
	// fails. The default keeps completed siblings.
	Atomic bool

	// NoDeps skips runtime dependency expansion; NoRelated skips
	// extension expansion.
	NoDeps    bool
	NoRelated bool

	// AssumeYes answers confirmation prompts with yes.
	// NonInteractive additionally suppresses choice prompts, taking
	// the first candidate.
	AssumeYes      bool
	NonInteractive bool

	// Arch completes under-qualified refs; defaults to
	// ref.DefaultArch().
	Arch string

	Logger    *slog.Logger
	NewSource SourceFunc

	// HTTPTimeout bounds individual transport requests of the default
	// source.
	HTTPTimeout time.Duration
}

// Transaction is an operation graph in the making. Add operations,
// subscribe to Events and Prompts, then Run.
type Transaction struct {
	inst   *installation.Installation
	opts   Options
	logger *slog.Logger

	ops     []*Operation
	events  chan Event
	prompts chan *Prompt

	// undo stack for atomic mode, pushed as ops complete.
	undo []func() error
}

// New creates an empty transaction over an installation.
func New(opts Options) *Transaction {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Arch == "" {
		opts.Arch = ref.DefaultArch()
	}
	if opts.NewSource == nil {
		httpClient := &http.Client{Timeout: opts.HTTPTimeout}
		opts.NewSource = func(config *remote.Config) (transport.Source, error) {
			client := transport.NewClient(transport.ClientOptions{HTTP: httpClient, Logger: logger})
			return transport.NewHTTPSource(config.URL, client), nil
		}
	}
	return &Transaction{
		inst:   opts.Installation,
		opts:   opts,
		logger: logger,
	}
}

// Events returns the progress stream. Subscribe before Run; the
// channel closes when Run returns.
func (t *Transaction) Events() <-chan Event {
	if t.events == nil {
		t.events = make(chan Event, 16)
	}
	return t.events
}

// Prompts returns the question stream. Each prompt must be answered
// via Reply or the engine stays paused. Subscribe before Run; the
// channel closes when Run returns.
func (t *Transaction) Prompts() <-chan *Prompt {
	if t.prompts == nil {
		t.prompts = make(chan *Prompt)
	}
	return t.prompts
}

// AddInstall queues an install. target may be under-qualified
// ("org.x.App", "org.x.App/x86_64/stable"); remoteName may be empty to
// search all enumerated remotes by priority.
func (t *Transaction) AddInstall(remoteName, target string) error {
	t.ops = append(t.ops, &Operation{
		Kind:      OpInstall,
		Remote:    remoteName,
		Requested: true,
		target:    target,
	})
	return nil
}

// AddUpdate queues an update of an installed ref.
func (t *Transaction) AddUpdate(target string) error {
	t.ops = append(t.ops, &Operation{Kind: OpUpdate, Requested: true, target: target})
	return nil
}

// AddUninstall queues an uninstall of an installed ref.
func (t *Transaction) AddUninstall(target string) error {
	t.ops = append(t.ops, &Operation{Kind: OpUninstall, Requested: true, target: target})
	return nil
}

// AddInstallBundle queues a single-file bundle install.
func (t *Transaction) AddInstallBundle(path string) error {
	t.ops = append(t.ops, &Operation{Kind: OpInstallBundle, BundlePath: path, Requested: true})
	return nil
}

// AddUpdateAppstream queues an appstream refresh for a remote.
func (t *Transaction) AddUpdateAppstream(remoteName string) error {
	t.ops = append(t.ops, &Operation{Kind: OpUpdateAppstream, Remote: remoteName, Requested: true})
	return nil
}

// AddReinstall queues a reinstall: the ref is pulled again and the
// active deployment replaced even when the commit is unchanged.
func (t *Transaction) AddReinstall(remoteName, target string) error {
	t.ops = append(t.ops, &Operation{
		Kind:      OpReinstall,
		Remote:    remoteName,
		Requested: true,
		target:    target,
	})
	return nil
}

// AddReinstallAll queues a reinstall of everything installed from a
// remote, repairing local corruption.
func (t *Transaction) AddReinstallAll(remoteName string) error {
	deployed, err := t.inst.Deploy.CollectDeployedRefs(deploy.Filter{Origin: remoteName})
	if err != nil {
		return err
	}
	for _, d := range deployed {
		t.ops = append(t.ops, &Operation{
			Kind:      OpReinstall,
			Ref:       d.Ref,
			Remote:    remoteName,
			Requested: true,
		})
	}
	return nil
}

// Run plans and executes the transaction. With atomic off, individual
// op failures are reported on the event stream and the first error is
// returned after all ops ran; with atomic on, the first failure
// reverts every completed op.
func (t *Transaction) Run(ctx context.Context) error {
	defer func() {
		if t.events != nil {
			close(t.events)
		}
		if t.prompts != nil {
			close(t.prompts)
		}
	}()

	ordered, err := t.plan(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, op := range ordered {
		if err := ctx.Err(); err != nil {
			firstErr = errcode.Wrap(errcode.Cancelled, err, "transaction cancelled")
			break
		}
		t.emit(ctx, Event{Kind: EventOpStarted, Op: op})
		err := t.execute(ctx, op)
		if errcode.Is(err, errcode.AlreadyInstalled) {
			t.emit(ctx, Event{Kind: EventOpEnded, Op: op, Skipped: true})
			continue
		}
		t.emit(ctx, Event{Kind: EventOpEnded, Op: op, Err: err})
		if err == nil {
			continue
		}
		t.logger.Error("operation failed", "op", op.String(), "error", err)
		if firstErr == nil {
			firstErr = err
		}
		if t.opts.Atomic || errcode.Is(err, errcode.Aborted) || errcode.Is(err, errcode.Cancelled) {
			break
		}
	}

	if firstErr != nil && t.opts.Atomic {
		t.rollback()
	}
	return firstErr
}

// pushUndo records how to revert the op just completed.
func (t *Transaction) pushUndo(undo func() error) {
	if t.opts.Atomic {
		t.undo = append(t.undo, undo)
	}
}

func (t *Transaction) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		if err := t.undo[i](); err != nil {
			t.logger.Error("rollback step failed", "error", err)
		}
	}
	t.undo = nil
}
