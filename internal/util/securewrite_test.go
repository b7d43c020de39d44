// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAtomicWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := AtomicWrite(path, []byte("port: 8765\n"), 0o644); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file back: %v", err)
	}
	if string(content) != "port: 8765\n" {
		t.Errorf("Unexpected content %q", content)
	}

	// No temp files may survive a successful write.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read directory: %v", err)
	}
	for _, entry := range entries {
		if entry.Name() != "config.yaml" {
			t.Errorf("Leftover file in directory: %s", entry.Name())
		}
	}
}

func TestAtomicWriteOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := AtomicWrite(path, []byte("old"), 0o600); err != nil {
		t.Fatalf("First write failed: %v", err)
	}
	if err := AtomicWrite(path, []byte("new"), 0o600); err != nil {
		t.Fatalf("Second write failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file back: %v", err)
	}
	if string(content) != "new" {
		t.Errorf("Expected replaced content, got %q", content)
	}
}

func TestAtomicWritePermissions(t *testing.T) {
	dir := t.TempDir()

	testCases := []struct {
		name string
		perm os.FileMode
		want os.FileMode
	}{
		{name: "explicit", perm: 0o644, want: 0o644},
		{name: "zero defaults to owner-only", perm: 0, want: 0o600},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name)
			if err := AtomicWrite(path, []byte("x"), tc.perm); err != nil {
				t.Fatalf("AtomicWrite failed: %v", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("Failed to stat file: %v", err)
			}
			if got := info.Mode().Perm(); got != tc.want {
				t.Errorf("Expected permissions %o, got %o", tc.want, got)
			}
		})
	}
}

func TestAtomicWriteCreatesParents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deep", "config.yaml")

	if err := AtomicWrite(path, []byte("ok"), 0o644); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file back: %v", err)
	}
	if string(content) != "ok" {
		t.Errorf("Unexpected content %q", content)
	}
}
