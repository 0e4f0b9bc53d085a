// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains small file system helpers shared by the experiment runner.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether the file or directory exists, or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to stat %q", path)
}

// ReplaceTildeInDir by the user's home directory. Returns dir unchanged if it doesn't start with "~".
//
// It returns an error if dir refers to an unknown user (e.g.: `~unknown/...`).
func ReplaceTildeInDir(dir string) (string, error) {
	if dir == "" || dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		sepIdx := strings.IndexRune(dir, '/')
		if sepIdx == -1 {
			userName = dir[1:]
		} else {
			userName = dir[1:sepIdx]
		}
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return filepath.Join(usr.HomeDir, dir[1+len(userName):]), nil
}

// MkdirAll creates dir and its parents with mode 0755, wrapping the error with the path.
func MkdirAll(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dir)
	}
	return nil
}

// VersionDirs lists the sub-directories of root named "version_<n>", sorted by n.
// A missing root yields an empty list.
func VersionDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to list %q", root)
	}
	type versioned struct {
		n    int
		path string
	}
	var found []versioned
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		n, ok := ParseVersion(entry.Name())
		if !ok {
			continue
		}
		found = append(found, versioned{n, filepath.Join(root, entry.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })
	dirs := make([]string, len(found))
	for i, v := range found {
		dirs[i] = v.path
	}
	return dirs, nil
}

// ParseVersion parses directory names of the form "version_<n>".
func ParseVersion(name string) (int, bool) {
	suffix, ok := strings.CutPrefix(name, "version_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
