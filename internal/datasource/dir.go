package datasource

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Dir serves files below a root directory. Symlinks are followed only
// while their target stays inside the root.
type Dir struct {
	root       string
	allowWrite bool
}

// NewDir returns a DataSource rooted at root. If allowWrite is false every
// OpenWrite fails with ErrAccessViolation.
func NewDir(root string, allowWrite bool) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", abs)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", abs, err)
	}
	return &Dir{root: real, allowWrite: allowWrite}, nil
}

// Root returns the absolute root directory.
func (d *Dir) Root() string {
	return d.root
}

// resolve maps a requested name to a path inside the root. Clients often
// send absolute names ("/pxelinux.0"); those are taken relative to the root.
func (d *Dir) resolve(name string) (string, error) {
	name = filepath.FromSlash(strings.ReplaceAll(name, `\`, "/"))
	clean := filepath.Clean(string(filepath.Separator) + name)
	rel := strings.TrimPrefix(clean, string(filepath.Separator))
	if rel == "" || rel == "." {
		return "", fmt.Errorf("%w: %q names the root", ErrAccessViolation, name)
	}
	p := filepath.Join(d.root, rel)
	if !d.within(p) {
		return "", fmt.Errorf("%w: %q escapes the root", ErrAccessViolation, name)
	}
	return d.confine(p)
}

// confine follows symlinks in p and rejects a target outside the root. A
// file that does not exist yet has only its directory followed.
func (d *Dir) confine(p string) (string, error) {
	real, err := filepath.EvalSymlinks(p)
	if errors.Is(err, fs.ErrNotExist) {
		dir, derr := filepath.EvalSymlinks(filepath.Dir(p))
		if derr != nil {
			return "", mapOSError(derr)
		}
		real = filepath.Join(dir, filepath.Base(p))
	} else if err != nil {
		return "", mapOSError(err)
	}
	if !d.within(real) {
		rel, _ := filepath.Rel(d.root, p)
		return "", fmt.Errorf("%w: %s links outside the root", ErrAccessViolation, rel)
	}
	return real, nil
}

func (d *Dir) within(p string) bool {
	return p == d.root || strings.HasPrefix(p, d.root+string(filepath.Separator))
}

// OpenRead opens a regular file for reading.
func (d *Dir) OpenRead(name string) (io.ReadCloser, error) {
	p, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, mapOSError(err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapOSError(err)
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrAccessViolation, name)
	}
	return f, nil
}

// OpenWrite creates a new file. Existing files are never overwritten.
func (d *Dir) OpenWrite(name string) (WriteStream, error) {
	if !d.allowWrite {
		return nil, fmt.Errorf("%w: writes are disabled", ErrAccessViolation)
	}
	p, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, mapOSError(err)
	}
	return &fileWriter{f: f, path: p}, nil
}

// fileWriter removes its file when a transfer is aborted.
type fileWriter struct {
	f    *os.File
	path string
}

func (w *fileWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, mapOSError(err)
	}
	return n, nil
}

func (w *fileWriter) Close() error {
	if err := w.f.Close(); err != nil {
		return mapOSError(err)
	}
	return nil
}

// Abort may follow a failed Close, so an already closed file is not an
// error.
func (w *fileWriter) Abort() error {
	cerr := w.f.Close()
	if errors.Is(cerr, os.ErrClosed) {
		cerr = nil
	}
	return errors.Join(cerr, os.Remove(w.path))
}

func mapOSError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EISDIR):
		return fmt.Errorf("%w: %v", ErrAccessViolation, err)
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return fmt.Errorf("%w: %v", ErrDiskFull, err)
	default:
		return err
	}
}
