// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/capsule-apps/capsule/lib/errcode"
)

// Filter is a parsed ref-filter file: ordered allow/deny rules with
// glob patterns over canonical ref names. The first matching rule
// decides; refs matching no rule are allowed.
type Filter struct {
	rules []filterRule
}

type filterRule struct {
	allow   bool
	pattern string
}

// LoadFilter parses the filter file at filterPath. Lines are
// "allow PATTERN" or "deny PATTERN"; blank lines and #-comments are
// skipped.
func LoadFilter(filterPath string) (*Filter, error) {
	file, err := os.Open(filterPath)
	if err != nil {
		return nil, fmt.Errorf("opening filter file: %w", err)
	}
	defer file.Close()

	filter := &Filter{}
	scanner := bufio.NewScanner(file)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		verb, pattern, ok := strings.Cut(line, " ")
		pattern = strings.TrimSpace(pattern)
		if !ok || pattern == "" {
			return nil, errcode.New(errcode.InvalidArgs, "%s:%d: expected \"allow PATTERN\" or \"deny PATTERN\"", filterPath, lineNumber)
		}
		// Validate the glob now so a bad pattern fails at load, not
		// silently during matching.
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, errcode.Wrap(errcode.InvalidArgs, err, "%s:%d: bad pattern %q", filterPath, lineNumber, pattern)
		}
		switch verb {
		case "allow":
			filter.rules = append(filter.rules, filterRule{allow: true, pattern: pattern})
		case "deny":
			filter.rules = append(filter.rules, filterRule{allow: false, pattern: pattern})
		default:
			return nil, errcode.New(errcode.InvalidArgs, "%s:%d: unknown verb %q", filterPath, lineNumber, verb)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading filter file: %w", err)
	}
	return filter, nil
}

// Allows reports whether a canonical ref name passes the filter.
func (f *Filter) Allows(refName string) bool {
	for _, rule := range f.rules {
		matched, err := path.Match(rule.pattern, refName)
		if err != nil {
			continue
		}
		if matched {
			return rule.allow
		}
	}
	return true
}
