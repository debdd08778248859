// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyfile reads and writes the INI-style keyfiles capsule uses
// for human-editable configuration: the per-installation repo config
// (groups [core] and [remote "name"]), .flatpakrepo files, application
// metadata, permission overrides, and sandbox instance info files.
//
// The format is the desktop keyfile dialect: groups in brackets,
// key=value pairs, semicolon-terminated string lists. gopkg.in/ini.v1
// does the parsing; this package pins the options (case-sensitive
// keys, no value escaping surprises) and adds the list and boolean
// conventions so callers do not each configure the library.
package keyfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// loadOptions pins the ini dialect. Spaces around "=" are written by
// other implementations; boolean and list conventions are handled in
// the accessors, not the parser.
var loadOptions = ini.LoadOptions{
	KeyValueDelimiters:       "=",
	IgnoreInlineComment:      true,
	AllowNonUniqueSections:   false,
	SpaceBeforeInlineComment: true,
}

// File is a parsed keyfile.
type File struct {
	ini *ini.File
}

// New returns an empty keyfile.
func New() *File {
	file := ini.Empty(loadOptions)
	return &File{ini: file}
}

// Load parses a keyfile from disk.
func Load(path string) (*File, error) {
	file, err := ini.LoadSources(loadOptions, path)
	if err != nil {
		return nil, fmt.Errorf("loading keyfile %s: %w", path, err)
	}
	return &File{ini: file}, nil
}

// Parse parses a keyfile from bytes.
func Parse(data []byte) (*File, error) {
	file, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return nil, fmt.Errorf("parsing keyfile: %w", err)
	}
	return &File{ini: file}, nil
}

// Save writes the keyfile to path atomically (tmp file + rename in the
// same directory).
func (f *File) Save(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".keyfile-*")
	if err != nil {
		return fmt.Errorf("creating temp keyfile: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := f.ini.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("writing keyfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp keyfile: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming keyfile to %s: %w", path, err)
	}
	success = true
	return nil
}

// Bytes serialises the keyfile.
func (f *File) Bytes() ([]byte, error) {
	var builder strings.Builder
	if _, err := f.ini.WriteTo(&builder); err != nil {
		return nil, fmt.Errorf("serialising keyfile: %w", err)
	}
	return []byte(builder.String()), nil
}

// Groups lists group names in file order, excluding the implicit
// default section.
func (f *File) Groups() []string {
	var names []string
	for _, name := range f.ini.SectionStrings() {
		if name == ini.DefaultSection {
			continue
		}
		names = append(names, name)
	}
	return names
}

// HasGroup reports whether the named group exists.
func (f *File) HasGroup(group string) bool {
	return f.ini.HasSection(group)
}

// DeleteGroup removes a group and all its keys.
func (f *File) DeleteGroup(group string) {
	f.ini.DeleteSection(group)
}

// Keys lists key names within a group, in file order.
func (f *File) Keys(group string) []string {
	section, err := f.ini.GetSection(group)
	if err != nil {
		return nil
	}
	return section.KeyStrings()
}

// String returns the value for key in group, or "" when absent.
func (f *File) String(group, key string) string {
	section, err := f.ini.GetSection(group)
	if err != nil {
		return ""
	}
	if !section.HasKey(key) {
		return ""
	}
	return section.Key(key).String()
}

// Has reports whether group contains key.
func (f *File) Has(group, key string) bool {
	section, err := f.ini.GetSection(group)
	if err != nil {
		return false
	}
	return section.HasKey(key)
}

// SetString sets key in group, creating the group as needed.
func (f *File) SetString(group, key, value string) {
	f.ini.Section(group).Key(key).SetValue(value)
}

// Delete removes key from group.
func (f *File) Delete(group, key string) {
	section, err := f.ini.GetSection(group)
	if err != nil {
		return
	}
	section.DeleteKey(key)
}

// Bool returns the boolean value for key, using the keyfile convention
// (true/false). Absent or unparseable values return fallback.
func (f *File) Bool(group, key string, fallback bool) bool {
	raw := f.String(group, key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

// SetBool sets key to "true" or "false".
func (f *File) SetBool(group, key string, value bool) {
	f.SetString(group, key, strconv.FormatBool(value))
}

// Int returns the integer value for key, or fallback.
func (f *File) Int(group, key string, fallback int) int {
	raw := f.String(group, key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

// SetInt sets key to the decimal form of value.
func (f *File) SetInt(group, key string, value int) {
	f.SetString(group, key, strconv.Itoa(value))
}

// Int64 returns the 64-bit integer value for key, or fallback.
func (f *File) Int64(group, key string, fallback int64) int64 {
	raw := f.String(group, key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

// StringList returns the semicolon-separated list value for key. A
// trailing semicolon (the convention other implementations write) does
// not produce an empty trailing element.
func (f *File) StringList(group, key string) []string {
	raw := f.String(group, key)
	if raw == "" {
		return nil
	}
	raw = strings.TrimSuffix(raw, ";")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ";")
}

// SetStringList sets key to the semicolon-terminated list form.
func (f *File) SetStringList(group, key string, values []string) {
	if len(values) == 0 {
		f.Delete(group, key)
		return
	}
	f.SetString(group, key, strings.Join(values, ";")+";")
}
