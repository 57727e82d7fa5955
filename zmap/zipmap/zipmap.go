// Package zipmap stores a zmap dataset inside a single zip archive.
//
// Entries are read lazily from the archive. Modifications are kept in
// memory and the archive is rewritten when the map is closed, so a
// dataset that is never closed is never updated on disk.
package zipmap

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
	"sync"

	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"

	"github.com/TuSKan/nczarr-go/zmap"
)

// Scheme is the URL scheme accepted in locators.
const Scheme = "zip"

// Backend creates and opens zip-archive maps.
type Backend struct {
	log logrus.FieldLogger
	// Method is the compression method for entries written on close.
	Method uint16
}

var _ zmap.Backend = (*Backend)(nil)

// NewBackend returns a zip backend that deflates entries.
func NewBackend(log logrus.FieldLogger) *Backend {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Backend{log: log, Method: zip.Deflate}
}

// Path converts a locator ("zip:///abs/file.zip" or a plain path) into an
// archive path.
func Path(locator string) (string, error) {
	p := strings.TrimPrefix(locator, Scheme+"://")
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "", fmt.Errorf("%w: empty path in %q", zmap.ErrInvalidLocator, locator)
	}
	return filepath.Abs(filepath.FromSlash(p))
}

// Create starts a new, empty archive at locator. The file appears on Close.
func (b *Backend) Create(ctx context.Context, locator string, mode zmap.Mode) (zmap.Map, error) {
	path, err := Path(locator)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", zmap.ErrExists, path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	b.log.WithFields(logrus.Fields{"backend": Scheme, "root": path}).Info("created dataset")
	return &Map{
		path:    path,
		mode:    mode | zmap.ModeWrite,
		method:  b.Method,
		entries: map[string]*entry{},
		dirs:    map[string]struct{}{},
		dirty:   true,
		log:     b.log.WithField("root", path),
	}, nil
}

// Open opens the archive at locator.
func (b *Backend) Open(ctx context.Context, locator string, mode zmap.Mode) (zmap.Map, error) {
	path, err := Path(locator)
	if err != nil {
		return nil, err
	}
	rc, err := zip.OpenReader(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", zmap.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: failed to open archive %s: %w", zmap.ErrInvalidLocator, path, err)
	}

	m := &Map{
		path:    path,
		mode:    mode,
		method:  b.Method,
		reader:  rc,
		entries: map[string]*entry{},
		dirs:    map[string]struct{}{},
		log:     b.log.WithField("root", path),
	}
	for _, f := range rc.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		k, err := zmap.ObjectKey(f.Name)
		if err != nil {
			continue
		}
		m.add(k, &entry{file: f})
	}
	b.log.WithFields(logrus.Fields{"backend": Scheme, "root": path, "entries": len(m.entries)}).Info("opened dataset")
	return m, nil
}

type entry struct {
	file *zip.File
	data []byte
	// loaded is set once data holds the entry's content.
	loaded bool
}

// Map is a dataset held in a zip archive.
type Map struct {
	mu      sync.Mutex
	path    string
	mode    zmap.Mode
	method  uint16
	reader  *zip.ReadCloser
	entries map[string]*entry
	// dirs holds every strict prefix of a key in entries.
	dirs    map[string]struct{}
	dirty   bool
	closed  bool
	log     logrus.FieldLogger
}

var _ zmap.Map = (*Map)(nil)

func (m *Map) check(key string, write bool) (string, error) {
	if m.closed {
		return "", zmap.ErrClosed
	}
	if write && !m.mode.Writable() {
		return "", fmt.Errorf("%w: %s", zmap.ErrReadOnly, m.path)
	}
	return zmap.ObjectKey(key)
}

func (m *Map) load(k string) (*entry, error) {
	e, ok := m.entries[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", zmap.ErrNotFound, k)
	}
	if e.loaded {
		return e, nil
	}
	r, err := e.file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open entry %s: %w", k, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read entry %s: %w", k, err)
	}
	e.data, e.loaded = data, true
	return e, nil
}

// conflicts reports whether adding k would break the leaves-only rule.
func (m *Map) conflicts(k string) bool {
	if _, ok := m.dirs[k]; ok {
		return true
	}
	for _, a := range ancestors(k) {
		if _, ok := m.entries[a]; ok {
			return true
		}
	}
	return false
}

// ancestors returns the strict prefixes of a clean key, root excluded.
func ancestors(k string) []string {
	segs := zmap.Segments(k)
	out := make([]string, 0, len(segs))
	for i := 1; i < len(segs); i++ {
		out = append(out, "/"+strings.Join(segs[:i], "/"))
	}
	return out
}

func (m *Map) add(k string, e *entry) {
	m.entries[k] = e
	for _, a := range ancestors(k) {
		m.dirs[a] = struct{}{}
	}
}

func (m *Map) put(k string, data []byte) error {
	if _, ok := m.entries[k]; !ok && m.conflicts(k) {
		return fmt.Errorf("%w: %s conflicts with an existing key", zmap.ErrInvalidArgument, k)
	}
	m.add(k, &entry{data: data, loaded: true})
	m.dirty = true
	return nil
}

// Mode implements zmap.Map.
func (m *Map) Mode() zmap.Mode { return m.mode }

// Exists implements zmap.Map.
func (m *Map) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := m.check(key, false)
	if err != nil {
		return false, err
	}
	_, ok := m.entries[k]
	return ok, nil
}

// Len implements zmap.Map.
func (m *Map) Len(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := m.check(key, false)
	if err != nil {
		return 0, err
	}
	e, ok := m.entries[k]
	if !ok {
		return 0, fmt.Errorf("%w: %s", zmap.ErrNotFound, k)
	}
	if e.loaded {
		return int64(len(e.data)), nil
	}
	return int64(e.file.UncompressedSize64), nil
}

// Define implements zmap.Map.
func (m *Map) Define(ctx context.Context, key string, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := m.check(key, true)
	if err != nil {
		return err
	}
	if _, ok := m.entries[k]; ok {
		return nil
	}
	return m.put(k, make([]byte, length))
}

// Read implements zmap.Map.
func (m *Map) Read(ctx context.Context, key string, start, count int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := m.check(key, false)
	if err != nil {
		return nil, err
	}
	e, err := m.load(k)
	if err != nil {
		return nil, err
	}
	if err := zmap.CheckRange(k, int64(len(e.data)), start, count); err != nil {
		return nil, err
	}
	return slices.Clone(e.data[start : start+count]), nil
}

// Write implements zmap.Map.
func (m *Map) Write(ctx context.Context, key string, start int64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := m.check(key, true)
	if err != nil {
		return err
	}
	if start < 0 {
		return fmt.Errorf("%w: negative offset %d", zmap.ErrInvalidArgument, start)
	}
	var old []byte
	if _, ok := m.entries[k]; ok {
		e, err := m.load(k)
		if err != nil {
			return err
		}
		old = e.data
	}
	return m.put(k, zmap.Splice(old, start, p))
}

// ReadMeta implements zmap.Map.
func (m *Map) ReadMeta(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := m.check(key, false)
	if err != nil {
		return nil, err
	}
	e, err := m.load(k)
	if err != nil {
		return nil, err
	}
	return slices.Clone(e.data), nil
}

// WriteMeta implements zmap.Map.
func (m *Map) WriteMeta(ctx context.Context, key string, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, err := m.check(key, true)
	if err != nil {
		return err
	}
	return m.put(k, slices.Clone(p))
}

// ListAll implements zmap.Map.
func (m *Map) ListAll(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, zmap.ErrClosed
	}
	pfx, err := zmap.CleanKey(prefix)
	if err != nil {
		return nil, err
	}
	var keys []string
	for k := range m.entries {
		if zmap.Under(k, pfx) {
			keys = append(keys, k)
		}
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

// Close implements zmap.Map. A modified archive is rewritten to a
// temporary file and renamed over the original.
func (m *Map) Close(ctx context.Context, delete bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var err error
	if !delete && m.dirty && m.mode.Writable() {
		err = m.commit()
	}
	if m.reader != nil {
		if cerr := m.reader.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if delete {
		if rerr := os.Remove(m.path); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) && err == nil {
			err = fmt.Errorf("failed to delete %s: %w", m.path, rerr)
		}
	}
	m.log.WithField("delete", delete).Info("closed dataset")
	return err
}

func (m *Map) commit() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", m.path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	zw := zip.NewWriter(tmp)
	for _, k := range keys {
		e, err := m.load(k)
		if err != nil {
			tmp.Close()
			return err
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: strings.TrimPrefix(k, "/"), Method: m.method})
		if err != nil {
			tmp.Close()
			return fmt.Errorf("failed to add entry %s: %w", k, err)
		}
		if _, err := w.Write(e.data); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write entry %s: %w", k, err)
		}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", m.path, err)
	}
	m.log.WithField("entries", len(keys)).Debug("committed archive")
	return nil
}
