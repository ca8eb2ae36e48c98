// Package bundle applies received changes to a local copy of the pushed
// tree. Every operation resolves its path under the bundle root and
// refuses paths that would leave it.
package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/1ureka/tether/internal/protocol"
)

// ErrOutsideRoot is wrapped by errors for paths that escape the root.
var ErrOutsideRoot = errors.New("path escapes the bundle root")

// CoordinationError reports a failed filesystem operation. It is logged by
// the caller and never retried.
type CoordinationError struct {
	Op   string // "write", "mkdir", "delete" or "empty"
	Path string // relative path as received
	Err  error
}

func (e *CoordinationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("bundle: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("bundle: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CoordinationError) Unwrap() error { return e.Err }

// Bundle is a directory that mirrors the pusher's tree. Operations are
// serialized so a write is never observed half-applied by a later delete.
type Bundle struct {
	root string
	mu   sync.Mutex
}

// Open prepares root, creating it if needed.
func Open(root string) (*Bundle, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, &CoordinationError{Op: "mkdir", Err: err}
	}
	return &Bundle{root: abs}, nil
}

// Root returns the absolute bundle root.
func (b *Bundle) Root() string { return b.root }

// resolve maps a slash-separated relative path to an absolute path strictly
// below the root.
func (b *Bundle) resolve(op, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", &CoordinationError{Op: op, Path: rel, Err: ErrOutsideRoot}
	}
	p := filepath.Join(b.root, filepath.FromSlash(rel))
	r, err := filepath.Rel(b.root, p)
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", &CoordinationError{Op: op, Path: rel, Err: ErrOutsideRoot}
	}
	return p, nil
}

// Write applies a fileWrite request. Directory requests create the
// directory; file requests replace the file atomically, creating missing
// parent directories.
func (b *Bundle) Write(req protocol.FileWriteRequest) error {
	op := "write"
	if req.IsDir() {
		op = "mkdir"
	}
	p, err := b.resolve(op, req.Path)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if req.IsDir() {
		// A file where the directory goes is replaced.
		if info, err := os.Lstat(p); err == nil && !info.IsDir() {
			if err := os.Remove(p); err != nil {
				return &CoordinationError{Op: op, Path: req.Path, Err: err}
			}
		}
		if err := os.MkdirAll(p, 0o755); err != nil {
			return &CoordinationError{Op: op, Path: req.Path, Err: err}
		}
		return nil
	}

	if err := writeAtomic(p, req.Content); err != nil {
		return &CoordinationError{Op: op, Path: req.Path, Err: err}
	}
	return nil
}

func writeAtomic(p string, content []byte) error {
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tether-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	// Rename cannot replace a directory.
	if info, err := os.Lstat(p); err == nil && info.IsDir() {
		if err := os.RemoveAll(p); err != nil {
			return err
		}
	}
	return os.Rename(tmp.Name(), p)
}

// Delete removes rel and everything below it. Deleting a path that does
// not exist succeeds.
func (b *Bundle) Delete(rel string) error {
	p, err := b.resolve("delete", rel)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.RemoveAll(p); err != nil {
		return &CoordinationError{Op: "delete", Path: rel, Err: err}
	}
	return nil
}

// Empty removes everything below the root, keeping the root itself.
func (b *Bundle) Empty() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := os.ReadDir(b.root)
	if err != nil {
		return &CoordinationError{Op: "empty", Err: err}
	}

	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(b.root, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &CoordinationError{Op: "empty", Err: errors.Join(errs...)}
	}
	return nil
}
