// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package pull

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/capsule-apps/capsule/lib/errcode"
	"github.com/capsule-apps/capsule/lib/store"
)

// mapBlobs is a BlobFetcher over an in-memory digest → blob map.
type mapBlobs map[digest.Digest][]byte

func (m mapBlobs) FetchBlob(_ context.Context, dgst digest.Digest) ([]byte, error) {
	blob, ok := m[dgst]
	if !ok {
		return nil, errcode.New(errcode.ObjectMissing, "no blob %s", dgst)
	}
	return blob, nil
}

func (m mapBlobs) add(data []byte) digest.Digest {
	dgst := digest.FromBytes(data)
	m[dgst] = data
	return dgst
}

// gzipLayer builds a tar.gz layer from path → content (paths ending
// in "/" become directories, values starting with "->" symlinks).
func gzipLayer(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buffer bytes.Buffer
	gz := gzip.NewWriter(&buffer)
	archive := tar.NewWriter(gz)
	for path, content := range entries {
		switch {
		case len(path) > 0 && path[len(path)-1] == '/':
			err := archive.WriteHeader(&tar.Header{
				Name: path, Typeflag: tar.TypeDir, Mode: 0o755,
			})
			if err != nil {
				t.Fatalf("writing dir entry: %v", err)
			}
		case len(content) > 2 && content[:2] == "->":
			err := archive.WriteHeader(&tar.Header{
				Name: path, Typeflag: tar.TypeSymlink, Linkname: content[2:], Mode: 0o777,
			})
			if err != nil {
				t.Fatalf("writing symlink entry: %v", err)
			}
		default:
			err := archive.WriteHeader(&tar.Header{
				Name: path, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content)),
			})
			if err != nil {
				t.Fatalf("writing file entry: %v", err)
			}
			if _, err := archive.Write([]byte(content)); err != nil {
				t.Fatalf("writing file content: %v", err)
			}
		}
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("closing archive: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("closing gzip: %v", err)
	}
	return buffer.Bytes()
}

func manifestBlob(t *testing.T, blobs mapBlobs, layers []digest.Digest, annotations map[string]string) digest.Digest {
	t.Helper()
	manifest := ocispec.Manifest{Annotations: annotations}
	for _, layer := range layers {
		manifest.Layers = append(manifest.Layers, ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    layer,
			Size:      int64(len(blobs[layer])),
		})
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshalling manifest: %v", err)
	}
	return blobs.add(data)
}

func TestImportOCI(t *testing.T) {
	blobs := mapBlobs{}
	layer := blobs.add(gzipLayer(t, map[string]string{
		"bin/":        "",
		"bin/hello":   "#!/bin/sh\necho hello\n",
		"share/link":  "->../bin/hello",
		"export/app":  "exported",
	}))
	metadata := "[Application]\nname=org.example.Hello\n"
	manifest := manifestBlob(t, blobs, []digest.Digest{layer}, map[string]string{
		annotationRef:       "app/org.example.Hello/x86_64/stable",
		annotationSubject:   "hello 1.0",
		annotationMetadata:  base64.StdEncoding.EncodeToString([]byte(metadata)),
		annotationTimestamp: "2026-04-05T06:07:08Z",
	})

	st := newTestStore(t)
	refName, commit, err := ImportOCI(context.Background(), st, blobs, manifest, OCIOptions{})
	if err != nil {
		t.Fatalf("ImportOCI failed: %v", err)
	}
	if refName != "app/org.example.Hello/x86_64/stable" {
		t.Errorf("ref = %s", refName)
	}

	decoded, err := st.ReadCommit(commit)
	if err != nil {
		t.Fatalf("ReadCommit failed: %v", err)
	}
	if decoded.Subject != "hello 1.0" {
		t.Errorf("subject = %q", decoded.Subject)
	}
	if decoded.Metadata[store.AttrMetadata] != metadata {
		t.Errorf("metadata annotation not carried into commit")
	}
	if decoded.Time().Year() != 2026 {
		t.Errorf("timestamp = %v", decoded.Time())
	}

	// Bare layer paths land under files/; export/ stays put; the
	// metadata file is synthesised from the annotation.
	tree, err := st.ReadDirTree(decoded.RootTree)
	if err != nil {
		t.Fatalf("ReadDirTree failed: %v", err)
	}
	var names []string
	for _, f := range tree.Files {
		names = append(names, f.Name)
	}
	for _, d := range tree.Dirs {
		names = append(names, d.Name+"/")
	}
	want := map[string]bool{"metadata": true, "files/": true, "export/": true}
	for _, name := range names {
		if !want[name] {
			t.Errorf("unexpected root entry %q", name)
		}
		delete(want, name)
	}
	for name := range want {
		t.Errorf("missing root entry %q", name)
	}

	if complete, err := st.HasCommitClosure(commit); err != nil || !complete {
		t.Errorf("imported closure incomplete: complete=%v err=%v", complete, err)
	}
}

func TestImportOCIMissingRef(t *testing.T) {
	blobs := mapBlobs{}
	layer := blobs.add(gzipLayer(t, map[string]string{"bin/x": "x"}))
	manifest := manifestBlob(t, blobs, []digest.Digest{layer}, nil)

	st := newTestStore(t)
	if _, _, err := ImportOCI(context.Background(), st, blobs, manifest, OCIOptions{}); !errcode.Is(err, errcode.InvalidRef) {
		t.Errorf("import without ref: %v", err)
	}

	// An explicit ref rescues the annotationless image.
	refName, _, err := ImportOCI(context.Background(), st, blobs, manifest, OCIOptions{
		LocalRef: "app/org.example.X/x86_64/stable",
	})
	if err != nil {
		t.Fatalf("ImportOCI with explicit ref failed: %v", err)
	}
	if refName != "app/org.example.X/x86_64/stable" {
		t.Errorf("ref = %s", refName)
	}
}

func TestImportOCICorruptBlob(t *testing.T) {
	blobs := mapBlobs{}
	layer := blobs.add(gzipLayer(t, map[string]string{"bin/x": "x"}))
	manifest := manifestBlob(t, blobs, []digest.Digest{layer}, map[string]string{
		annotationRef: "app/org.example.X/x86_64/stable",
	})
	// Corrupt the layer after the manifest recorded its digest.
	blobs[layer] = append([]byte("tampered"), blobs[layer]...)

	st := newTestStore(t)
	if _, _, err := ImportOCI(context.Background(), st, blobs, manifest, OCIOptions{}); !errcode.Is(err, errcode.ObjectCorrupt) {
		t.Errorf("import with corrupt layer: %v", err)
	}
}
