// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package pull

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/capsule-apps/capsule/lib/codec"
	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/ref"
	"github.com/capsule-apps/capsule/lib/remote"
	"github.com/capsule-apps/capsule/lib/store"
)

// Bundle file layout: magic, a 4-byte big-endian header length, the
// CBOR header, then a compressed tar stream of the object closure
// (entry names are repo-relative object paths).
const bundleMagic = "capsule-bundle\x00"

// Compression codec names accepted in a bundle header.
const (
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
	CompressionNone = "none"
)

// minBundleSize is the smallest parseable bundle: magic plus the
// header-length word.
const minBundleSize = len(bundleMagic) + 4

// maxBundleHeaderSize bounds the header so a corrupt length word
// cannot trigger a giant allocation.
const maxBundleHeaderSize = 1 << 20

type bundleHeader struct {
	Ref         string         `cbor:"ref"`
	Commit      store.Checksum `cbor:"commit"`
	Compression string         `cbor:"compression"`

	// Signature is a detached signature over the commit object bytes.
	Signature []byte `cbor:"signature,omitempty"`
}

// BundleOptions configures CreateBundle.
type BundleOptions struct {
	// Compression selects the payload codec; defaults to zstd.
	Compression string

	// Signature is embedded verbatim (a detached signature over the
	// commit object bytes).
	Signature []byte
}

// CreateBundle serialises a commit closure from the store into a
// single-file bundle on w.
func CreateBundle(st *store.Store, refName string, commit store.Checksum, w io.Writer, opts BundleOptions) error {
	if opts.Compression == "" {
		opts.Compression = CompressionZstd
	}

	header := bundleHeader{
		Ref:         refName,
		Commit:      commit,
		Compression: opts.Compression,
		Signature:   opts.Signature,
	}
	headerBytes, err := codec.Marshal(&header)
	if err != nil {
		return fmt.Errorf("serialising bundle header: %w", err)
	}
	if _, err := io.WriteString(w, bundleMagic); err != nil {
		return fmt.Errorf("writing bundle magic: %w", err)
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(headerBytes)))
	if _, err := w.Write(length[:]); err != nil {
		return fmt.Errorf("writing bundle header length: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing bundle header: %w", err)
	}

	compressed, closeCompressor, err := compressWriter(w, opts.Compression)
	if err != nil {
		return err
	}
	archive := tar.NewWriter(compressed)

	writeEntry := func(name string, data []byte) error {
		entry := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}
		if err := archive.WriteHeader(entry); err != nil {
			return fmt.Errorf("writing bundle entry %s: %w", name, err)
		}
		if _, err := archive.Write(data); err != nil {
			return fmt.Errorf("writing bundle entry %s: %w", name, err)
		}
		return nil
	}

	if err := writeClosure(st, commit, writeEntry); err != nil {
		return err
	}
	if err := archive.Close(); err != nil {
		return fmt.Errorf("closing bundle archive: %w", err)
	}
	return closeCompressor()
}

// writeClosure walks the commit closure and emits every object once.
func writeClosure(st *store.Store, commit store.Checksum, emit func(name string, data []byte) error) error {
	seen := make(map[string]struct{})
	emitOnce := func(name string, data []byte) error {
		if _, done := seen[name]; done {
			return nil
		}
		seen[name] = struct{}{}
		return emit(name, data)
	}

	commitBytes, err := st.ReadObject(commit, store.ObjectCommit)
	if err != nil {
		return err
	}
	if err := emitOnce(store.ObjectRelPath(commit, store.ObjectCommit), commitBytes); err != nil {
		return err
	}
	var decoded store.Commit
	if err := decodeObject(commitBytes, &decoded); err != nil {
		return errcode.Wrap(errcode.ObjectCorrupt, err, "commit %s", commit.Short())
	}

	var walk func(tree, meta store.Checksum) error
	walk = func(tree, meta store.Checksum) error {
		metaBytes, err := st.ReadObject(meta, store.ObjectDirMeta)
		if err != nil {
			return err
		}
		if err := emitOnce(store.ObjectRelPath(meta, store.ObjectDirMeta), metaBytes); err != nil {
			return err
		}
		treeBytes, err := st.ReadObject(tree, store.ObjectDirTree)
		if err != nil {
			return err
		}
		if err := emitOnce(store.ObjectRelPath(tree, store.ObjectDirTree), treeBytes); err != nil {
			return err
		}

		var dirTree store.DirTree
		if err := decodeObject(treeBytes, &dirTree); err != nil {
			return errcode.Wrap(errcode.ObjectCorrupt, err, "dirtree %s", tree.Short())
		}
		for _, file := range dirTree.Files {
			fileMeta, content, err := st.ReadFileObject(file.Checksum)
			if err != nil {
				return err
			}
			metaBytes, err := codec.Marshal(fileMeta)
			if err != nil {
				return err
			}
			if err := emitOnce(store.FileMetaRelPath(file.Checksum), metaBytes); err != nil {
				return err
			}
			if !fileMeta.IsSymlink() {
				if err := emitOnce(store.ObjectRelPath(file.Checksum, store.ObjectFile), content); err != nil {
					return err
				}
			}
		}
		for _, dir := range dirTree.Dirs {
			if err := walk(dir.TreeChecksum, dir.MetaChecksum); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(decoded.RootTree, decoded.RootMeta)
}

func compressWriter(w io.Writer, compression string) (io.Writer, func() error, error) {
	switch compression {
	case CompressionZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, fmt.Errorf("creating zstd writer: %w", err)
		}
		return zw, zw.Close, nil
	case CompressionLZ4:
		lw := lz4.NewWriter(w)
		return lw, lw.Close, nil
	case CompressionNone:
		return w, func() error { return nil }, nil
	default:
		return nil, nil, errcode.New(errcode.InvalidArgs, "unknown bundle compression %q", compression)
	}
}

func decompressReader(r io.Reader, compression string) (io.Reader, error) {
	switch compression {
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil
	case CompressionLZ4:
		return lz4.NewReader(r), nil
	case CompressionNone:
		return r, nil
	default:
		return nil, errcode.New(errcode.InvalidArgs, "unknown bundle compression %q", compression)
	}
}

// ImportBundleOptions configures ImportBundle.
type ImportBundleOptions struct {
	// Keyring, when non-nil, requires the bundle's embedded signature
	// to verify against it.
	Keyring *remote.Keyring

	// LocalRef overrides the ref from the bundle header.
	LocalRef string
}

// ImportBundle imports a bundle file into the store and sets its ref
// in one transaction. Returns the canonical ref name and the commit.
func ImportBundle(ctx context.Context, st *store.Store, path string, opts ImportBundleOptions) (string, store.Checksum, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", store.Checksum{}, fmt.Errorf("opening bundle: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", store.Checksum{}, fmt.Errorf("stat bundle: %w", err)
	}
	if info.Size() < int64(minBundleSize) {
		return "", store.Checksum{}, errcode.New(errcode.InvalidArgs, "%s is too small to be a bundle", path)
	}

	header, body, err := readBundleHeader(file)
	if err != nil {
		return "", store.Checksum{}, err
	}

	refName := header.Ref
	if opts.LocalRef != "" {
		refName = opts.LocalRef
	}
	if _, err := ref.Parse(refName); err != nil {
		return "", store.Checksum{}, err
	}

	txn, err := st.Begin()
	if err != nil {
		return "", store.Checksum{}, err
	}
	defer txn.Abort()

	commitBytes, err := importBundleObjects(txn, body, header.Commit)
	if err != nil {
		return "", store.Checksum{}, err
	}

	if opts.Keyring != nil {
		if len(header.Signature) == 0 {
			return "", store.Checksum{}, errcode.New(errcode.SignatureMismatch, "bundle for %s is unsigned", refName)
		}
		if commitBytes == nil {
			return "", store.Checksum{}, errcode.New(errcode.ObjectCorrupt, "bundle does not contain commit %s", header.Commit.Short())
		}
		if err := opts.Keyring.Verify(commitBytes, header.Signature); err != nil {
			return "", store.Checksum{}, err
		}
	}

	if !txn.HasObject(header.Commit, store.ObjectCommit) {
		return "", store.Checksum{}, errcode.New(errcode.ObjectCorrupt, "bundle does not contain commit %s", header.Commit.Short())
	}

	txn.SetRef(refName, header.Commit)
	if err := txn.Commit(ctx); err != nil {
		return "", store.Checksum{}, err
	}
	return refName, header.Commit, nil
}

// readBundleHeader parses the magic and header, returning the header
// and a reader positioned at the decompressed tar stream.
func readBundleHeader(r io.Reader) (*bundleHeader, *tar.Reader, error) {
	magic := make([]byte, len(bundleMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, errcode.Wrap(errcode.InvalidArgs, err, "not a bundle")
	}
	if !bytes.Equal(magic, []byte(bundleMagic)) {
		return nil, nil, errcode.New(errcode.InvalidArgs, "not a bundle (bad magic)")
	}
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, nil, errcode.Wrap(errcode.InvalidArgs, err, "truncated bundle header")
	}
	headerSize := binary.BigEndian.Uint32(length[:])
	if headerSize == 0 || headerSize > maxBundleHeaderSize {
		return nil, nil, errcode.New(errcode.InvalidArgs, "bundle header size %d out of range", headerSize)
	}
	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, errcode.Wrap(errcode.InvalidArgs, err, "truncated bundle header")
	}
	var header bundleHeader
	if err := codec.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, errcode.Wrap(errcode.InvalidArgs, err, "decoding bundle header")
	}
	if header.Commit.IsZero() {
		return nil, nil, errcode.New(errcode.InvalidArgs, "bundle header has no commit")
	}

	decompressed, err := decompressReader(r, header.Compression)
	if err != nil {
		return nil, nil, err
	}
	return &header, tar.NewReader(decompressed), nil
}

// importBundleObjects streams the tar entries into the transaction.
// File objects arrive as a metadata sidecar plus payload pair; the
// pair is matched regardless of entry order. Returns the bytes of the
// target commit object when present, for signature verification.
func importBundleObjects(txn *store.Transaction, archive *tar.Reader, targetCommit store.Checksum) ([]byte, error) {
	pendingMeta := make(map[store.Checksum][]byte)
	pendingPayload := make(map[store.Checksum][]byte)
	var commitBytes []byte

	writeFile := func(checksum store.Checksum, metaBytes, content []byte) error {
		var meta store.FileMeta
		if err := decodeObject(metaBytes, &meta); err != nil {
			return errcode.Wrap(errcode.ObjectCorrupt, err, "bundle file metadata %s", checksum.Short())
		}
		written, err := txn.WriteFileObject(meta, content)
		if err != nil {
			return err
		}
		if written != checksum {
			return errcode.New(errcode.ObjectCorrupt, "bundle file %s hashes to %s", checksum.Short(), written.Short())
		}
		return nil
	}

	for {
		entry, err := archive.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errcode.Wrap(errcode.InvalidArgs, err, "reading bundle archive")
		}
		checksum, kind, isFileMeta, err := parseObjectEntryName(entry.Name)
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(archive)
		if err != nil {
			return nil, errcode.Wrap(errcode.InvalidArgs, err, "reading bundle entry %s", entry.Name)
		}

		switch {
		case isFileMeta:
			var meta store.FileMeta
			if err := decodeObject(data, &meta); err != nil {
				return nil, errcode.Wrap(errcode.ObjectCorrupt, err, "bundle file metadata %s", checksum.Short())
			}
			if meta.IsSymlink() {
				if err := writeFile(checksum, data, nil); err != nil {
					return nil, err
				}
				continue
			}
			if payload, ok := pendingPayload[checksum]; ok {
				delete(pendingPayload, checksum)
				if err := writeFile(checksum, data, payload); err != nil {
					return nil, err
				}
				continue
			}
			pendingMeta[checksum] = data
		case kind == store.ObjectFile:
			if metaBytes, ok := pendingMeta[checksum]; ok {
				delete(pendingMeta, checksum)
				if err := writeFile(checksum, metaBytes, data); err != nil {
					return nil, err
				}
				continue
			}
			pendingPayload[checksum] = data
		default:
			written, err := txn.WriteObject(kind, data)
			if err != nil {
				return nil, err
			}
			if written != checksum {
				return nil, errcode.New(errcode.ObjectCorrupt, "bundle %s object %s hashes to %s", kind, checksum.Short(), written.Short())
			}
			if kind == store.ObjectCommit && checksum == targetCommit {
				commitBytes = data
			}
		}
	}

	if len(pendingMeta) > 0 || len(pendingPayload) > 0 {
		return nil, errcode.New(errcode.InvalidArgs, "bundle is missing %d file object halves", len(pendingMeta)+len(pendingPayload))
	}
	return commitBytes, nil
}

// parseObjectEntryName maps a repo-relative object path back to its
// checksum and kind.
func parseObjectEntryName(name string) (store.Checksum, store.ObjectKind, bool, error) {
	rest, ok := strings.CutPrefix(name, "objects/")
	if !ok {
		return store.Checksum{}, 0, false, errcode.New(errcode.InvalidArgs, "unexpected bundle entry %q", name)
	}
	shard, base, ok := strings.Cut(rest, "/")
	if !ok || len(shard) != 2 {
		return store.Checksum{}, 0, false, errcode.New(errcode.InvalidArgs, "unexpected bundle entry %q", name)
	}
	dot := strings.IndexByte(base, '.')
	if dot < 0 {
		return store.Checksum{}, 0, false, errcode.New(errcode.InvalidArgs, "unexpected bundle entry %q", name)
	}
	checksum, err := store.ParseChecksum(shard + base[:dot])
	if err != nil {
		return store.Checksum{}, 0, false, errcode.Wrap(errcode.InvalidArgs, err, "bundle entry %q", name)
	}
	switch base[dot:] {
	case ".file":
		return checksum, store.ObjectFile, false, nil
	case ".filemeta":
		return checksum, store.ObjectFile, true, nil
	case ".dirtree":
		return checksum, store.ObjectDirTree, false, nil
	case ".dirmeta":
		return checksum, store.ObjectDirMeta, false, nil
	case ".commit":
		return checksum, store.ObjectCommit, false, nil
	default:
		return store.Checksum{}, 0, false, errcode.New(errcode.InvalidArgs, "unexpected bundle entry %q", name)
	}
}
