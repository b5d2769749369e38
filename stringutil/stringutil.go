// Copyright (c) Red Hat, Inc.
// Licensed under the Apache License 2.0.

// Package stringutil contains small string and JSON file helpers shared by the
// other packages.
package stringutil

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// CutPrefix behaves like strings.Cut, but only cuts a prefix, not anywhere in the string.
func CutPrefix(s, prefix string) (after string, found bool) {
	if strings.HasPrefix(s, prefix) {
		return s[len(prefix):], true
	}
	return s, false
}

// ReadJSONFile reads one JSON value from the given file path into i.
func ReadJSONFile(path string, i any) (err error) {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("unable to open JSON file %q: %w", path, err)
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()

	d := json.NewDecoder(f)
	if err := d.Decode(i); err != nil {
		return fmt.Errorf("unable to decode JSON file %q: %w", path, err)
	}
	return nil
}

// JoinInts renders ints as a comma-separated decimal string. The store keeps
// short bounded lists in this form rather than a separate table.
func JoinInts(ids []int) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.Itoa(id))
	}
	return strings.Join(parts, ",")
}

// SplitInts parses a comma-separated decimal string produced by JoinInts.
func SplitInts(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("unable to parse %q as an ID list: %v", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
