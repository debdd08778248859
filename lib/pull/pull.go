// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package pull

import (
	"context"
	"log/slog"

	"github.com/capsule-apps/capsule/lib/codec"
	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/remote"
	"github.com/capsule-apps/capsule/lib/store"
	"github.com/capsule-apps/capsule/lib/transport"
)

// decodeObject decodes canonical object bytes already verified by the
// store layer.
func decodeObject(data []byte, v any) error {
	return codec.Unmarshal(data, v)
}

// Options configures a repository pull.
type Options struct {
	// Ref is the canonical ref name to pull.
	Ref string

	// LocalRef is the ref to advance locally; defaults to Ref.
	LocalRef string

	// Commit pins the commit to pull. Zero means resolve Ref through
	// the source.
	Commit store.Checksum

	// Keyring, when non-nil, requires every pulled commit to carry a
	// signature that verifies against it. Verification failures are
	// fatal, never retried.
	Keyring *remote.Keyring

	// Progress, when set, receives cumulative fetched bytes and the
	// expected total (0 when unknown) as file payloads arrive.
	Progress func(done, total int64)

	// ExpectedBytes is the download size advertised by the summary,
	// forwarded to Progress as the total.
	ExpectedBytes int64

	Logger *slog.Logger
}

// puller carries the per-pull state through the closure walk.
type puller struct {
	txn     *store.Transaction
	source  transport.Source
	opts    Options
	fetched int64
}

// Pull fetches the commit closure for opts.Ref from the source and
// advances the local ref, all inside one store transaction. Objects
// already present locally are not fetched again. Returns the pulled
// commit checksum.
//
// Only the target commit is pulled; parent links are kept in the
// commit object but their closures stay remote.
func Pull(ctx context.Context, st *store.Store, source transport.Source, opts Options) (store.Checksum, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LocalRef == "" {
		opts.LocalRef = opts.Ref
	}

	commit := opts.Commit
	if commit.IsZero() {
		resolved, err := source.ResolveRef(ctx, opts.Ref)
		if err != nil {
			return store.Checksum{}, err
		}
		commit = resolved
	}

	txn, err := st.Begin()
	if err != nil {
		return store.Checksum{}, err
	}
	defer txn.Abort()

	p := &puller{txn: txn, source: source, opts: opts}
	if err := p.pullCommit(ctx, commit); err != nil {
		return store.Checksum{}, err
	}

	txn.SetRef(opts.LocalRef, commit)
	if err := txn.Commit(ctx); err != nil {
		return store.Checksum{}, err
	}
	opts.Logger.Info("pull complete",
		"ref", opts.Ref, "commit", commit.Short(), "bytes", p.fetched)
	return commit, nil
}

func (p *puller) pullCommit(ctx context.Context, checksum store.Checksum) error {
	if p.txn.HasObject(checksum, store.ObjectCommit) {
		// The closure may still be partial (an earlier interrupted
		// pull); walk it anyway. Present objects short-circuit below.
		data, err := p.txn.Store().ReadObject(checksum, store.ObjectCommit)
		if err != nil {
			return err
		}
		var commit store.Commit
		if err := decodeObject(data, &commit); err != nil {
			return errcode.Wrap(errcode.ObjectCorrupt, err, "commit %s", checksum.Short())
		}
		return p.pullTree(ctx, commit.RootTree, commit.RootMeta)
	}

	data, err := p.source.FetchMetaObject(ctx, checksum, store.ObjectCommit)
	if err != nil {
		return err
	}
	if err := p.verifyCommitSignature(ctx, checksum, data); err != nil {
		return err
	}
	written, err := p.txn.WriteObject(store.ObjectCommit, data)
	if err != nil {
		return err
	}
	if written != checksum {
		return errcode.New(errcode.ObjectCorrupt, "commit %s hashes to %s", checksum.Short(), written.Short())
	}

	var commit store.Commit
	if err := decodeObject(data, &commit); err != nil {
		return errcode.Wrap(errcode.ObjectCorrupt, err, "commit %s", checksum.Short())
	}
	return p.pullTree(ctx, commit.RootTree, commit.RootMeta)
}

// verifyCommitSignature checks the source's detached signatures for
// the commit against the configured keyring. Any one valid signature
// accepts the commit.
func (p *puller) verifyCommitSignature(ctx context.Context, checksum store.Checksum, data []byte) error {
	if p.opts.Keyring == nil {
		return nil
	}
	signatures, err := p.source.ListSignatures(ctx, checksum)
	if err != nil {
		return err
	}
	if len(signatures) == 0 {
		return errcode.New(errcode.SignatureMismatch, "commit %s is unsigned", checksum.Short())
	}
	var lastErr error
	for _, signature := range signatures {
		if err := p.opts.Keyring.Verify(data, signature); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return errcode.Wrap(errcode.SignatureMismatch, lastErr, "commit %s", checksum.Short())
}

func (p *puller) pullTree(ctx context.Context, treeChecksum, metaChecksum store.Checksum) error {
	if err := ctx.Err(); err != nil {
		return errcode.Wrap(errcode.Cancelled, err, "pull cancelled")
	}

	if !p.txn.HasObject(metaChecksum, store.ObjectDirMeta) {
		if err := p.fetchMeta(ctx, metaChecksum, store.ObjectDirMeta); err != nil {
			return err
		}
	}

	var tree store.DirTree
	if p.txn.HasObject(treeChecksum, store.ObjectDirTree) {
		data, err := p.txn.Store().ReadObject(treeChecksum, store.ObjectDirTree)
		if err != nil {
			return err
		}
		if err := decodeObject(data, &tree); err != nil {
			return errcode.Wrap(errcode.ObjectCorrupt, err, "dirtree %s", treeChecksum.Short())
		}
	} else {
		data, err := p.source.FetchMetaObject(ctx, treeChecksum, store.ObjectDirTree)
		if err != nil {
			return err
		}
		written, err := p.txn.WriteObject(store.ObjectDirTree, data)
		if err != nil {
			return err
		}
		if written != treeChecksum {
			return errcode.New(errcode.ObjectCorrupt, "dirtree %s hashes to %s", treeChecksum.Short(), written.Short())
		}
		if err := decodeObject(data, &tree); err != nil {
			return errcode.Wrap(errcode.ObjectCorrupt, err, "dirtree %s", treeChecksum.Short())
		}
	}

	for _, file := range tree.Files {
		if p.txn.HasObject(file.Checksum, store.ObjectFile) {
			continue
		}
		if err := p.pullFile(ctx, file.Checksum); err != nil {
			return err
		}
	}
	for _, dir := range tree.Dirs {
		if err := p.pullTree(ctx, dir.TreeChecksum, dir.MetaChecksum); err != nil {
			return err
		}
	}
	return nil
}

func (p *puller) fetchMeta(ctx context.Context, checksum store.Checksum, kind store.ObjectKind) error {
	data, err := p.source.FetchMetaObject(ctx, checksum, kind)
	if err != nil {
		return err
	}
	written, err := p.txn.WriteObject(kind, data)
	if err != nil {
		return err
	}
	if written != checksum {
		return errcode.New(errcode.ObjectCorrupt, "%s %s hashes to %s", kind, checksum.Short(), written.Short())
	}
	return nil
}

func (p *puller) pullFile(ctx context.Context, checksum store.Checksum) error {
	if err := ctx.Err(); err != nil {
		return errcode.Wrap(errcode.Cancelled, err, "pull cancelled")
	}
	metaBytes, content, err := p.source.FetchFileObject(ctx, checksum)
	if err != nil {
		return err
	}
	var meta store.FileMeta
	if err := decodeObject(metaBytes, &meta); err != nil {
		return errcode.Wrap(errcode.ObjectCorrupt, err, "file metadata %s", checksum.Short())
	}
	written, err := p.txn.WriteFileObject(meta, content)
	if err != nil {
		return err
	}
	if written != checksum {
		return errcode.New(errcode.ObjectCorrupt, "file %s hashes to %s", checksum.Short(), written.Short())
	}

	p.fetched += int64(len(content))
	if p.opts.Progress != nil {
		p.opts.Progress(p.fetched, p.opts.ExpectedBytes)
	}
	return nil
}
