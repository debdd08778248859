// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package pull

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/ref"
	"github.com/capsule-apps/capsule/lib/store"
)

// Image annotations consumed on import. The org.flatpak names are the
// published convention for application images.
const (
	annotationRef          = "org.flatpak.ref"
	annotationSubject      = "org.flatpak.subject"
	annotationBody         = "org.flatpak.body"
	annotationParentCommit = "org.flatpak.parent-commit"
	annotationMetadata     = "org.flatpak.metadata"
	annotationTimestamp    = "org.flatpak.timestamp"
)

// BlobFetcher retrieves OCI blobs by digest. The transport package's
// registry client and local OCI layouts both satisfy it.
type BlobFetcher interface {
	FetchBlob(ctx context.Context, dgst digest.Digest) ([]byte, error)
}

// OCIOptions configures ImportOCI.
type OCIOptions struct {
	// LocalRef overrides (or supplies, for images without the ref
	// annotation) the target ref.
	LocalRef string

	Logger *slog.Logger
}

// ImportOCI imports an OCI image as a commit: the filesystem layers
// become the tree, the image annotations become the commit metadata,
// and the target ref advances — all in one store transaction. Returns
// the canonical ref name and the synthesised commit checksum.
func ImportOCI(ctx context.Context, st *store.Store, blobs BlobFetcher, manifestDigest digest.Digest, opts OCIOptions) (string, store.Checksum, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	manifestBytes, err := fetchVerified(ctx, blobs, manifestDigest)
	if err != nil {
		return "", store.Checksum{}, err
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return "", store.Checksum{}, errcode.Wrap(errcode.ObjectCorrupt, err, "decoding OCI manifest %s", manifestDigest)
	}

	refName := manifest.Annotations[annotationRef]
	if opts.LocalRef != "" {
		refName = opts.LocalRef
	}
	if refName == "" {
		return "", store.Checksum{}, errcode.New(errcode.InvalidRef, "image %s has no %s annotation and no ref was given", manifestDigest, annotationRef)
	}
	parsedRef, err := ref.Parse(refName)
	if err != nil {
		return "", store.Checksum{}, err
	}

	tree := store.NewMutableTree(0o40755)
	for _, layer := range manifest.Layers {
		data, err := fetchVerified(ctx, blobs, layer.Digest)
		if err != nil {
			return "", store.Checksum{}, err
		}
		if err := applyLayer(tree, layer.MediaType, data); err != nil {
			return "", store.Checksum{}, fmt.Errorf("applying layer %s: %w", layer.Digest, err)
		}
	}

	commit, err := synthesiseCommit(&manifest, parsedRef.String(), tree)
	if err != nil {
		return "", store.Checksum{}, err
	}

	txn, err := st.Begin()
	if err != nil {
		return "", store.Checksum{}, err
	}
	defer txn.Abort()

	rootTree, rootMeta, err := txn.WriteMTree(tree)
	if err != nil {
		return "", store.Checksum{}, err
	}
	commit.RootTree = rootTree
	commit.RootMeta = rootMeta
	commitChecksum, err := txn.WriteCommit(commit)
	if err != nil {
		return "", store.Checksum{}, err
	}
	txn.SetRef(parsedRef.String(), commitChecksum)
	if err := txn.Commit(ctx); err != nil {
		return "", store.Checksum{}, err
	}

	opts.Logger.Info("OCI image imported",
		"ref", parsedRef.String(), "commit", commitChecksum.Short(), "layers", len(manifest.Layers))
	return parsedRef.String(), commitChecksum, nil
}

// fetchVerified fetches a blob and checks it against its digest.
// Digest failures are fatal, never retried.
func fetchVerified(ctx context.Context, blobs BlobFetcher, dgst digest.Digest) ([]byte, error) {
	if err := dgst.Validate(); err != nil {
		return nil, errcode.Wrap(errcode.InvalidArgs, err, "digest %q", dgst)
	}
	data, err := blobs.FetchBlob(ctx, dgst)
	if err != nil {
		return nil, err
	}
	if actual := digest.FromBytes(data); actual != dgst {
		return nil, errcode.New(errcode.ObjectCorrupt, "blob %s hashes to %s", dgst, actual)
	}
	return data, nil
}

// applyLayer extracts one filesystem layer into the tree. Paths that
// already carry a tree-level prefix (files/, export/, metadata) are
// kept; anything else is treated as application payload under files/.
func applyLayer(tree *store.MutableTree, mediaType string, data []byte) error {
	var reader io.Reader = bytes.NewReader(data)
	switch mediaType {
	case ocispec.MediaTypeImageLayerGzip:
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return fmt.Errorf("opening gzip layer: %w", err)
		}
		defer gz.Close()
		reader = gz
	case ocispec.MediaTypeImageLayerZstd:
		zr, err := zstd.NewReader(reader)
		if err != nil {
			return fmt.Errorf("opening zstd layer: %w", err)
		}
		defer zr.Close()
		reader = zr
	case ocispec.MediaTypeImageLayer:
	default:
		return errcode.New(errcode.InvalidArgs, "unsupported layer media type %q", mediaType)
	}

	archive := tar.NewReader(reader)
	for {
		entry, err := archive.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading layer archive: %w", err)
		}
		name := layerEntryPath(entry.Name)
		if name == "" {
			continue
		}

		switch entry.Typeflag {
		case tar.TypeDir:
			tree.EnsureDir(name, uint32(entry.Mode&0o7777)|0o40000)
		case tar.TypeSymlink:
			err := tree.AddFile(name, &store.MutableFile{
				Meta: store.FileMeta{Mode: 0o120777, Symlink: entry.Linkname},
			})
			if err != nil {
				return err
			}
		case tar.TypeReg:
			content, err := io.ReadAll(archive)
			if err != nil {
				return fmt.Errorf("reading layer entry %s: %w", entry.Name, err)
			}
			err = tree.AddFile(name, &store.MutableFile{
				Meta:    store.FileMeta{Mode: uint32(entry.Mode&0o7777) | 0o100000},
				Content: content,
			})
			if err != nil {
				return err
			}
		default:
			// Hardlinks, devices, and whiteouts are not content.
		}
	}
}

// layerEntryPath normalises a tar entry name into a tree path, or ""
// for entries to skip.
func layerEntryPath(name string) string {
	name = strings.TrimPrefix(name, "./")
	name = strings.Trim(name, "/")
	if name == "" || name == "." {
		return ""
	}
	// OCI whiteout markers delete files from lower layers; imports
	// flatten to a single layer view and skip them.
	if strings.HasPrefix(name, ".wh.") || strings.Contains(name, "/.wh.") {
		return ""
	}
	switch {
	case name == "metadata",
		strings.HasPrefix(name, "files/"),
		strings.HasPrefix(name, "export/"),
		name == "files", name == "export":
		return name
	}
	return "files/" + name
}

// synthesiseCommit builds the commit object from the manifest
// annotations. Root checksums are filled in by the caller after the
// tree is written.
func synthesiseCommit(manifest *ocispec.Manifest, refName string, tree *store.MutableTree) (*store.Commit, error) {
	annotations := manifest.Annotations
	commit := &store.Commit{
		Subject:  annotations[annotationSubject],
		Body:     annotations[annotationBody],
		Metadata: map[string]string{store.AttrRef: refName},
	}
	if commit.Subject == "" {
		commit.Subject = "imported from OCI image"
	}

	if encoded := annotations[annotationMetadata]; encoded != "" {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, errcode.Wrap(errcode.InvalidArgs, err, "decoding %s annotation", annotationMetadata)
		}
		commit.Metadata[store.AttrMetadata] = string(decoded)
		// Images usually omit the metadata file from the layers; the
		// deployed tree still needs one.
		if _, exists := tree.Files["metadata"]; !exists {
			err := tree.AddFile("metadata", &store.MutableFile{
				Meta:    store.FileMeta{Mode: 0o100644},
				Content: decoded,
			})
			if err != nil {
				return nil, err
			}
		}
	}

	if parentHex := annotations[annotationParentCommit]; parentHex != "" {
		raw, err := hex.DecodeString(parentHex)
		if err != nil || len(raw) != 32 {
			return nil, errcode.New(errcode.InvalidArgs, "bad %s annotation %q", annotationParentCommit, parentHex)
		}
		var parent store.Checksum
		copy(parent[:], raw)
		commit.Parent = &parent
	}

	timestamp := annotations[annotationTimestamp]
	if timestamp == "" {
		timestamp = annotations[ocispec.AnnotationCreated]
	}
	if timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, timestamp)
		if err != nil {
			return nil, errcode.Wrap(errcode.InvalidArgs, err, "bad image timestamp %q", timestamp)
		}
		commit.Timestamp = parsed.Unix()
	}
	return commit, nil
}
