// Package filemap stores a zmap dataset as a directory tree.
//
// Every content-bearing key is a regular file; structural keys are
// directories. Byte-range writes are done in place.
package filemap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/TuSKan/nczarr-go/zmap"
)

const (
	// Scheme is the URL scheme accepted in locators.
	Scheme = "file"

	dirPermissionBits  = 0o755
	filePermissionBits = 0o644
)

// Backend creates and opens directory-tree maps.
type Backend struct {
	log logrus.FieldLogger
}

var _ zmap.Backend = (*Backend)(nil)

// NewBackend returns a filesystem backend logging to log. A nil log
// discards output.
func NewBackend(log logrus.FieldLogger) *Backend {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Backend{log: log}
}

// Root converts a locator ("file:///abs/dir" or a plain path) into a
// directory path.
func Root(locator string) (string, error) {
	p := strings.TrimPrefix(locator, Scheme+"://")
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "", fmt.Errorf("%w: empty path in %q", zmap.ErrInvalidLocator, locator)
	}
	return filepath.Abs(filepath.FromSlash(p))
}

// Create makes a new directory at locator.
func (b *Backend) Create(ctx context.Context, locator string, mode zmap.Mode) (zmap.Map, error) {
	root, err := Root(locator)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(root); err == nil {
		return nil, fmt.Errorf("%w: %s", zmap.ErrExists, root)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat %s: %w", root, err)
	}
	if err := os.MkdirAll(root, dirPermissionBits); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", root, err)
	}
	b.log.WithFields(logrus.Fields{"backend": Scheme, "root": root}).Info("created dataset")
	return &Map{root: root, mode: mode | zmap.ModeWrite, log: b.log.WithField("root", root)}, nil
}

// Open opens the existing directory at locator.
func (b *Backend) Open(ctx context.Context, locator string, mode zmap.Mode) (zmap.Map, error) {
	root, err := Root(locator)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", zmap.ErrNotFound, root)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", zmap.ErrInvalidLocator, root)
	}
	b.log.WithFields(logrus.Fields{"backend": Scheme, "root": root, "mode": mode}).Info("opened dataset")
	return &Map{root: root, mode: mode, log: b.log.WithField("root", root)}, nil
}

// Map is a dataset rooted at a directory.
type Map struct {
	root   string
	mode   zmap.Mode
	log    logrus.FieldLogger
	closed bool
}

var _ zmap.Map = (*Map)(nil)

func (m *Map) path(key string) string {
	return filepath.Join(m.root, filepath.FromSlash(strings.TrimPrefix(key, "/")))
}

func (m *Map) check(key string, write bool) (string, error) {
	if m.closed {
		return "", zmap.ErrClosed
	}
	if write && !m.mode.Writable() {
		return "", fmt.Errorf("%w: %s", zmap.ErrReadOnly, m.root)
	}
	return zmap.ObjectKey(key)
}

// readErr maps filesystem errors on lookups. A directory, or a path
// running through a file, is not content-bearing.
func readErr(err error, key string) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) || errors.Is(err, syscall.EISDIR) {
		return fmt.Errorf("%w: %s", zmap.ErrNotFound, key)
	}
	return fmt.Errorf("failed to access %s: %w", key, err)
}

// writeErr maps filesystem errors on writes. ENOTDIR and EISDIR mean the
// write would put content on a prefix of another content-bearing key.
func writeErr(err error, key string) error {
	if errors.Is(err, syscall.ENOTDIR) || errors.Is(err, syscall.EISDIR) || errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s conflicts with an existing key", zmap.ErrInvalidArgument, key)
	}
	return fmt.Errorf("failed to write %s: %w", key, err)
}

func (m *Map) stat(key string) (fs.FileInfo, error) {
	info, err := os.Stat(m.path(key))
	if err != nil {
		return nil, readErr(err, key)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", zmap.ErrNotFound, key)
	}
	return info, nil
}

// Mode implements zmap.Map.
func (m *Map) Mode() zmap.Mode { return m.mode }

// Exists implements zmap.Map.
func (m *Map) Exists(ctx context.Context, key string) (bool, error) {
	k, err := m.check(key, false)
	if err != nil {
		return false, err
	}
	if _, err := m.stat(k); err != nil {
		if errors.Is(err, zmap.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Len implements zmap.Map.
func (m *Map) Len(ctx context.Context, key string) (int64, error) {
	k, err := m.check(key, false)
	if err != nil {
		return 0, err
	}
	info, err := m.stat(k)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Define implements zmap.Map.
func (m *Map) Define(ctx context.Context, key string, length int64) error {
	k, err := m.check(key, true)
	if err != nil {
		return err
	}
	if _, err := m.stat(k); err == nil {
		return nil
	} else if !errors.Is(err, zmap.ErrNotFound) {
		return err
	}
	f, err := m.create(k, os.O_RDWR|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(length); err != nil {
		return fmt.Errorf("failed to size %s: %w", k, err)
	}
	return nil
}

func (m *Map) create(key string, flag int) (*os.File, error) {
	p := m.path(key)
	if err := os.MkdirAll(filepath.Dir(p), dirPermissionBits); err != nil {
		return nil, writeErr(err, key)
	}
	f, err := os.OpenFile(p, flag, filePermissionBits)
	if err != nil {
		return nil, writeErr(err, key)
	}
	return f, nil
}

// Read implements zmap.Map.
func (m *Map) Read(ctx context.Context, key string, start, count int64) ([]byte, error) {
	k, err := m.check(key, false)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(m.path(k))
	if err != nil {
		return nil, readErr(err, k)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, readErr(err, k)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", zmap.ErrNotFound, k)
	}
	if err := zmap.CheckRange(k, info.Size(), start, count); err != nil {
		return nil, err
	}

	buf := make([]byte, count)
	if _, err := io.ReadFull(io.NewSectionReader(f, start, count), buf); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", k, err)
	}
	return buf, nil
}

// Write implements zmap.Map.
func (m *Map) Write(ctx context.Context, key string, start int64, p []byte) error {
	k, err := m.check(key, true)
	if err != nil {
		return err
	}
	if start < 0 {
		return fmt.Errorf("%w: negative offset %d", zmap.ErrInvalidArgument, start)
	}
	f, err := m.create(k, os.O_RDWR|os.O_CREATE)
	if err != nil {
		return err
	}
	defer f.Close()

	if len(p) > 0 {
		if _, err := f.WriteAt(p, start); err != nil {
			return fmt.Errorf("failed to write %s: %w", k, err)
		}
	}
	m.log.WithFields(logrus.Fields{"key": k, "start": start, "count": len(p)}).Debug("wrote object")
	return f.Close()
}

// ReadMeta implements zmap.Map.
func (m *Map) ReadMeta(ctx context.Context, key string) ([]byte, error) {
	k, err := m.check(key, false)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(m.path(k))
	if err != nil {
		return nil, readErr(err, k)
	}
	return data, nil
}

// WriteMeta implements zmap.Map.
func (m *Map) WriteMeta(ctx context.Context, key string, p []byte) error {
	k, err := m.check(key, true)
	if err != nil {
		return err
	}
	f, err := m.create(k, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(p); err != nil {
		return fmt.Errorf("failed to write %s: %w", k, err)
	}
	return f.Close()
}

// ListAll implements zmap.Map.
func (m *Map) ListAll(ctx context.Context, prefix string) ([]string, error) {
	if m.closed {
		return nil, zmap.ErrClosed
	}
	pfx, err := zmap.CleanKey(prefix)
	if err != nil {
		return nil, err
	}

	var keys []string
	err = filepath.WalkDir(m.path(pfx), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(m.root, p)
		if err != nil {
			return err
		}
		k := "/" + filepath.ToSlash(rel)
		if zmap.Under(k, pfx) {
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", pfx, err)
	}
	slices.Sort(keys)
	return keys, nil
}

// ListChildren implements zmap.Map.
func (m *Map) ListChildren(ctx context.Context, prefix string) ([]string, error) {
	pfx, err := zmap.CleanKey(prefix)
	if err != nil {
		return nil, err
	}
	keys, err := m.ListAll(ctx, pfx)
	if err != nil {
		return nil, err
	}
	return zmap.Children(pfx, keys), nil
}

// Close implements zmap.Map.
func (m *Map) Close(ctx context.Context, delete bool) error {
	if m.closed {
		return nil
	}
	m.closed = true
	if delete {
		if err := os.RemoveAll(m.root); err != nil {
			return fmt.Errorf("failed to delete %s: %w", m.root, err)
		}
	}
	m.log.WithField("delete", delete).Info("closed dataset")
	return nil
}
