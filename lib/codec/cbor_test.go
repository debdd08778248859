// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"reflect"
	"testing"
)

type sampleRecord struct {
	Subject string            `cbor:"subject"`
	Parent  string            `cbor:"parent,omitempty"`
	Size    int64             `cbor:"size"`
	Attrs   map[string]string `cbor:"attrs,omitempty"`
}

func TestMarshalDeterministic(t *testing.T) {
	record := sampleRecord{
		Subject: "import org.example.X",
		Size:    4096,
		Attrs: map[string]string{
			"xa.metadata":  "[Application]",
			"xa.token":     "t",
			"collection":   "org.example.Apps",
			"architecture": "x86_64",
		},
	}

	first, err := Marshal(record)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	for i := 0; i < 16; i++ {
		again, err := Marshal(record)
		if err != nil {
			t.Fatalf("Marshal failed on iteration %d: %v", i, err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not deterministic: iteration %d differs", i)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	in := sampleRecord{Subject: "s", Parent: "p", Size: 1}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var out sampleRecord
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Errorf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestDefaultMapTypeIsStringKeyed(t *testing.T) {
	data, err := Marshal(map[string]any{"nested": map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var out map[string]any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	nested, ok := out["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested value decoded as %T, want map[string]any", out["nested"])
	}
	if nested["k"] != "v" {
		t.Errorf("nested value lost: %v", nested)
	}
}

func TestStreamEncoding(t *testing.T) {
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for _, subject := range []string{"a", "b", "c"} {
		if err := encoder.Encode(sampleRecord{Subject: subject}); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for _, want := range []string{"a", "b", "c"} {
		var record sampleRecord
		if err := decoder.Decode(&record); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if record.Subject != want {
			t.Errorf("decoded subject %q, want %q", record.Subject, want)
		}
	}
}
