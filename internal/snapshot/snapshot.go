// Package snapshot captures a directory tree as a path → modification time
// map and computes the change-set between two captures.
//
// A capture is a full re-enumeration of the tree. That is cheap for the
// project-sized trees this tool targets; very large trees would want an
// incremental index instead.
package snapshot

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"time"
)

// Snapshot maps absolute paths to their last modification time. It holds
// one entry per regular file or directory under the captured root.
type Snapshot map[string]time.Time

// Paths returns every path in s, sorted.
func (s Snapshot) Paths() []string {
	paths := make([]string, 0, len(s))
	for p := range s {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// PathSet is a set of absolute paths.
type PathSet map[string]struct{}

// Add inserts p.
func (s PathSet) Add(p string) { s[p] = struct{}{} }

// Has reports whether p is in the set.
func (s PathSet) Has(p string) bool {
	_, ok := s[p]
	return ok
}

// Sorted returns the members of s in lexical order, which puts every
// directory before its children.
func (s PathSet) Sorted() []string {
	paths := make([]string, 0, len(s))
	for p := range s {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ChangeSet is the difference between two snapshots. Changed holds added
// and modified paths, Removed holds paths that disappeared. The two sets
// are disjoint.
type ChangeSet struct {
	Changed PathSet
	Removed PathSet
}

// Empty reports whether the change-set carries no change at all.
func (c ChangeSet) Empty() bool {
	return len(c.Changed) == 0 && len(c.Removed) == 0
}

// Take walks root and records the modification time of every regular file
// and directory below it. The root itself is not recorded. Entries that
// vanish during the walk are skipped.
func Take(root string) (Snapshot, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	snap := make(Snapshot)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			// Removed between the directory read and the stat.
			return nil
		}
		snap[path] = info.ModTime()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Diff reports which paths were added or modified and which were removed
// going from old to new. It runs in O(len(old)+len(new)).
func Diff(old, new Snapshot) ChangeSet {
	changes := ChangeSet{
		Changed: make(PathSet),
		Removed: make(PathSet, len(old)),
	}

	// Start with every old path as "removed" and strike the survivors.
	for p := range old {
		changes.Removed.Add(p)
	}

	for p, modTime := range new {
		prev, existed := old[p]
		if !existed {
			changes.Changed.Add(p)
			continue
		}
		delete(changes.Removed, p)
		if !prev.Equal(modTime) {
			changes.Changed.Add(p)
		}
	}

	return changes
}
