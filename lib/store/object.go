// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"fmt"
	"time"

	"github.com/capsule-apps/capsule/lib/codec"
	"github.com/capsule-apps/capsule/lib/errcode"
)

// ObjectKind identifies the four object types in the store. The kind
// selects the filename suffix, the hash domain, and (for metadata
// kinds) the canonical CBOR schema.
type ObjectKind int

const (
	// ObjectFile is a content blob: a raw payload file plus a sidecar
	// metadata record (mode, ownership, xattrs, symlink target). The
	// payload is stored byte-identical to the content so checkouts can
	// hardlink it.
	ObjectFile ObjectKind = iota

	// ObjectDirTree is the ordered (name → checksum) listing of one
	// directory level.
	ObjectDirTree

	// ObjectDirMeta is the mode/ownership/xattrs of one directory.
	ObjectDirMeta

	// ObjectCommit is the root of a snapshot: tree + dirmeta
	// checksums, parent link, subject/body, timestamp, attributes.
	ObjectCommit
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectFile:
		return "file"
	case ObjectDirTree:
		return "dirtree"
	case ObjectDirMeta:
		return "dirmeta"
	case ObjectCommit:
		return "commit"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// suffix returns the on-disk filename suffix for the kind. File
// objects have two entries: the payload (.file) and the metadata
// sidecar (.filemeta).
func (k ObjectKind) suffix() string {
	switch k {
	case ObjectFile:
		return ".file"
	case ObjectDirTree:
		return ".dirtree"
	case ObjectDirMeta:
		return ".dirmeta"
	case ObjectCommit:
		return ".commit"
	default:
		panic("store: suffix on kind " + k.String())
	}
}

const fileMetaSuffix = ".filemeta"

// ObjectRelPath returns the repo-relative slash path of an object
// ("objects/aa/rest.suffix"). HTTP repositories publish objects under
// the same layout the local store uses, so transports build URLs from
// this.
func ObjectRelPath(checksum Checksum, kind ObjectKind) string {
	hex := checksum.String()
	return "objects/" + hex[:2] + "/" + hex[2:] + kind.suffix()
}

// FileMetaRelPath returns the repo-relative slash path of a file
// object's metadata sidecar.
func FileMetaRelPath(checksum Checksum) string {
	hex := checksum.String()
	return "objects/" + hex[:2] + "/" + hex[2:] + fileMetaSuffix
}

// RefRelPath returns the repo-relative slash path of a ref file.
func RefRelPath(name string) string {
	return "refs/heads/" + name
}

// FileMeta is the metadata half of a file object. Its canonical CBOR
// serialisation is hashed together with the content to form the
// object checksum, so two files with identical bytes but different
// modes are distinct objects.
type FileMeta struct {
	Mode    uint32            `cbor:"mode"`
	UID     uint32            `cbor:"uid"`
	GID     uint32            `cbor:"gid"`
	Xattrs  map[string][]byte `cbor:"xattrs,omitempty"`
	Symlink string            `cbor:"symlink,omitempty"`
	Size    int64             `cbor:"size"`
}

// IsSymlink reports whether the object is a symbolic link. Symlink
// objects have an empty payload; the target lives in the metadata.
func (m FileMeta) IsSymlink() bool { return m.Symlink != "" }

// IsExecutable reports whether any execute bit is set.
func (m FileMeta) IsExecutable() bool { return m.Mode&0o111 != 0 }

// TreeEntry is one file child of a directory, by name.
type TreeEntry struct {
	Name     string   `cbor:"name"`
	Checksum Checksum `cbor:"checksum"`
}

// DirEntry is one subdirectory child: the checksum of its own dirtree
// object plus the checksum of its dirmeta object.
type DirEntry struct {
	Name         string   `cbor:"name"`
	TreeChecksum Checksum `cbor:"tree"`
	MetaChecksum Checksum `cbor:"meta"`
}

// DirTree is the tree-metadata object: the sorted listing of one
// directory level. Entries must be sorted by name — canonicality is
// enforced at write time, not re-derived at read time.
type DirTree struct {
	Files []TreeEntry `cbor:"files"`
	Dirs  []DirEntry  `cbor:"dirs"`
}

// DirMeta is the per-directory metadata object.
type DirMeta struct {
	Mode   uint32            `cbor:"mode"`
	UID    uint32            `cbor:"uid"`
	GID    uint32            `cbor:"gid"`
	Xattrs map[string][]byte `cbor:"xattrs,omitempty"`
}

// Commit attribute keys in the attribute map. The xa. prefix matches
// the keys remotes publish in summaries.
const (
	AttrRuntime      = "xa.runtime"       // runtime ref an app requires
	AttrMetadata     = "xa.metadata"      // the app's keyfile metadata blob
	AttrCollectionID = "xa.collection-id" // collection binding of the publishing remote
	AttrRef          = "xa.ref"           // the ref this commit was published under
	AttrEndOfLife    = "xa.end-of-life"   // end-of-life notice text
	AttrEOLRebase    = "xa.eol-rebase"    // replacement ref for EOL'd refs
)

// Commit is the commit object. Timestamp is seconds since the epoch,
// UTC; sub-second precision would leak wall-clock jitter into object
// identity.
type Commit struct {
	RootTree  Checksum          `cbor:"root_tree"`
	RootMeta  Checksum          `cbor:"root_meta"`
	Parent    *Checksum         `cbor:"parent,omitempty"`
	Subject   string            `cbor:"subject"`
	Body      string            `cbor:"body,omitempty"`
	Timestamp int64             `cbor:"timestamp"`
	Metadata  map[string]string `cbor:"metadata,omitempty"`
}

// Time returns the commit timestamp as a time.Time in UTC.
func (c *Commit) Time() time.Time {
	return time.Unix(c.Timestamp, 0).UTC()
}

// RuntimeRef returns the runtime attribute, or "" for runtimes and
// apps without one.
func (c *Commit) RuntimeRef() string {
	return c.Metadata[AttrRuntime]
}

// canonicalMarshal serialises v with the deterministic codec and
// verifies the round trip stays canonical. The decode+re-encode check
// catches struct definitions that cannot round-trip (which would make
// write_object(read_object(x)) change the checksum).
func canonicalMarshal(v any) ([]byte, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical serialisation: %w", err)
	}
	return data, nil
}

// verifyCanonical checks that data is the canonical serialisation of
// its own decoding for the given metadata kind. Rejecting
// non-canonical bytes at write time keeps the content-addressable law:
// any bytes accepted under checksum c re-serialise to exactly c.
func verifyCanonical(kind ObjectKind, data []byte) error {
	var decoded any
	switch kind {
	case ObjectDirTree:
		decoded = new(DirTree)
	case ObjectDirMeta:
		decoded = new(DirMeta)
	case ObjectCommit:
		decoded = new(Commit)
	default:
		return fmt.Errorf("verifyCanonical: kind %s is not a metadata kind", kind)
	}
	if err := codec.Unmarshal(data, decoded); err != nil {
		return errcode.Wrap(errcode.ObjectCorrupt, err, "decoding %s object", kind)
	}
	reencoded, err := codec.Marshal(decoded)
	if err != nil {
		return fmt.Errorf("re-encoding %s object: %w", kind, err)
	}
	if !bytes.Equal(data, reencoded) {
		return errcode.New(errcode.ObjectCorrupt, "%s object bytes are not canonical", kind)
	}
	return nil
}

func decodeFileMeta(data []byte, meta *FileMeta) error {
	return codec.Unmarshal(data, meta)
}

// sortedTree returns whether the entries of t are strictly sorted by
// name with no duplicates across files and dirs.
func sortedTree(t *DirTree) error {
	for i := 1; i < len(t.Files); i++ {
		if t.Files[i-1].Name >= t.Files[i].Name {
			return fmt.Errorf("dirtree file entries not strictly sorted at %q", t.Files[i].Name)
		}
	}
	for i := 1; i < len(t.Dirs); i++ {
		if t.Dirs[i-1].Name >= t.Dirs[i].Name {
			return fmt.Errorf("dirtree dir entries not strictly sorted at %q", t.Dirs[i].Name)
		}
	}
	seen := make(map[string]struct{}, len(t.Files))
	for _, f := range t.Files {
		seen[f.Name] = struct{}{}
	}
	for _, d := range t.Dirs {
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("dirtree has %q as both file and directory", d.Name)
		}
	}
	return nil
}
