// Package blobmap stores a zmap dataset in an object store through
// gocloud.dev/blob.
//
// Object stores cannot modify part of an object, so Write reads the whole
// object, splices the new bytes in and writes the whole object back. Two
// writers updating the same key concurrently can therefore lose updates;
// callers must keep to one writer per key.
package blobmap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
	"golang.org/x/time/rate"

	"github.com/TuSKan/nczarr-go/zmap"
)

// Options configures a Backend.
type Options struct {
	Log logrus.FieldLogger
	// RequestsPerSecond limits the request rate of each map; zero means
	// unlimited.
	RequestsPerSecond float64
	// Burst is the limiter's burst size; it defaults to 1.
	Burst int
}

// Backend creates and opens object-store maps.
type Backend struct {
	opts Options

	mu  sync.Mutex
	mem map[string]*blob.Bucket
}

var _ zmap.Backend = (*Backend)(nil)

// NewBackend returns an object-store backend.
func NewBackend(opts Options) *Backend {
	if opts.Log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Log = l
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Backend{opts: opts, mem: map[string]*blob.Bucket{}}
}

// Create makes a new dataset at locator; it fails when any object already
// exists below the dataset root.
func (b *Backend) Create(ctx context.Context, locator string, mode zmap.Mode) (zmap.Map, error) {
	d, err := ParseLocator(locator)
	if err != nil {
		return nil, err
	}
	return b.CreateDescriptor(ctx, d, mode)
}

// Open opens the dataset at locator; it fails when nothing is stored
// below the dataset root.
func (b *Backend) Open(ctx context.Context, locator string, mode zmap.Mode) (zmap.Map, error) {
	d, err := ParseLocator(locator)
	if err != nil {
		return nil, err
	}
	return b.OpenDescriptor(ctx, d, mode)
}

// CreateDescriptor is Create for an already resolved descriptor.
func (b *Backend) CreateDescriptor(ctx context.Context, d Descriptor, mode zmap.Mode) (zmap.Map, error) {
	m, err := b.newMap(ctx, d, mode|zmap.ModeWrite)
	if err != nil {
		return nil, err
	}
	found, err := m.any(ctx)
	if err != nil {
		m.release()
		return nil, err
	}
	if found {
		m.release()
		return nil, fmt.Errorf("%w: %s", zmap.ErrExists, d)
	}
	m.log.Info("created dataset")
	return m, nil
}

// OpenDescriptor is Open for an already resolved descriptor.
func (b *Backend) OpenDescriptor(ctx context.Context, d Descriptor, mode zmap.Mode) (zmap.Map, error) {
	m, err := b.newMap(ctx, d, mode)
	if err != nil {
		return nil, err
	}
	found, err := m.any(ctx)
	if err != nil {
		m.release()
		return nil, err
	}
	if !found {
		m.release()
		return nil, fmt.Errorf("%w: %s", zmap.ErrNotFound, d)
	}
	m.log.WithField("mode", mode).Info("opened dataset")
	return m, nil
}

func (b *Backend) newMap(ctx context.Context, d Descriptor, mode zmap.Mode) (*Map, error) {
	m := &Map{
		desc: d,
		mode: mode,
		log:  b.opts.Log.WithFields(logrus.Fields{"backend": d.Scheme, "root": d.String()}),
	}
	if d.Prefix != "" {
		m.prefix = d.Prefix + "/"
	}
	if b.opts.RequestsPerSecond > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(b.opts.RequestsPerSecond), b.opts.Burst)
	}

	if d.Scheme == "mem" {
		// Every "mem://" URL opens a fresh bucket, so buckets are kept by
		// name for the backend's lifetime to make reopening work.
		b.mu.Lock()
		bucket, ok := b.mem[d.Bucket]
		if !ok {
			bucket = memblob.OpenBucket(nil)
			b.mem[d.Bucket] = bucket
		}
		b.mu.Unlock()
		m.bucket, m.shared = bucket, true
		return m, nil
	}

	bucket, err := blob.OpenBucket(ctx, d.BucketURL())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open bucket %s: %w", zmap.ErrInvalidLocator, d, err)
	}
	m.bucket = bucket
	return m, nil
}

// Map is a dataset stored below a prefix of a bucket.
type Map struct {
	desc    Descriptor
	bucket  *blob.Bucket
	shared  bool
	prefix  string
	mode    zmap.Mode
	limiter *rate.Limiter
	log     logrus.FieldLogger
	closed  bool
}

var _ zmap.Map = (*Map)(nil)

// Descriptor returns the location the map was opened at.
func (m *Map) Descriptor() Descriptor { return m.desc }

func (m *Map) objectKey(k string) string {
	return m.prefix + strings.TrimPrefix(k, "/")
}

func (m *Map) zmapKey(obj string) string {
	return "/" + strings.TrimPrefix(obj, m.prefix)
}

func (m *Map) check(key string, write bool) (string, error) {
	if m.closed {
		return "", zmap.ErrClosed
	}
	if write && !m.mode.Writable() {
		return "", fmt.Errorf("%w: %s", zmap.ErrReadOnly, m.desc)
	}
	return zmap.ObjectKey(key)
}

func (m *Map) wait(ctx context.Context) error {
	if m.limiter == nil {
		return nil
	}
	return m.limiter.Wait(ctx)
}

// classify maps gocloud error codes onto the zmap error kinds.
func classify(err error, key string) error {
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return fmt.Errorf("%w: %s", zmap.ErrNotFound, key)
	case gcerrors.AlreadyExists:
		return fmt.Errorf("%w: %s: %w", zmap.ErrExists, key, err)
	case gcerrors.InvalidArgument:
		return fmt.Errorf("%w: %s: %w", zmap.ErrInvalidArgument, key, err)
	}
	return fmt.Errorf("object store request for %s failed: %w", key, err)
}

func (m *Map) any(ctx context.Context) (bool, error) {
	if err := m.wait(ctx); err != nil {
		return false, err
	}
	it := m.bucket.List(&blob.ListOptions{Prefix: m.prefix})
	_, err := it.Next(ctx)
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, classify(err, m.desc.String())
	}
	return true, nil
}

// Mode implements zmap.Map.
func (m *Map) Mode() zmap.Mode { return m.mode }

// Exists implements zmap.Map.
func (m *Map) Exists(ctx context.Context, key string) (bool, error) {
	k, err := m.check(key, false)
	if err != nil {
		return false, err
	}
	if err := m.wait(ctx); err != nil {
		return false, err
	}
	ok, err := m.bucket.Exists(ctx, m.objectKey(k))
	if err != nil {
		return false, classify(err, k)
	}
	return ok, nil
}

func (m *Map) size(ctx context.Context, k string) (int64, error) {
	if err := m.wait(ctx); err != nil {
		return 0, err
	}
	attrs, err := m.bucket.Attributes(ctx, m.objectKey(k))
	if err != nil {
		return 0, classify(err, k)
	}
	return attrs.Size, nil
}

// Len implements zmap.Map.
func (m *Map) Len(ctx context.Context, key string) (int64, error) {
	k, err := m.check(key, false)
	if err != nil {
		return 0, err
	}
	return m.size(ctx, k)
}

// Define implements zmap.Map.
func (m *Map) Define(ctx context.Context, key string, length int64) error {
	k, err := m.check(key, true)
	if err != nil {
		return err
	}
	if _, err := m.size(ctx, k); err == nil {
		return nil
	} else if !errors.Is(err, zmap.ErrNotFound) {
		return err
	}
	return m.create(ctx, k, make([]byte, length))
}

// Read implements zmap.Map.
func (m *Map) Read(ctx context.Context, key string, start, count int64) ([]byte, error) {
	k, err := m.check(key, false)
	if err != nil {
		return nil, err
	}
	n, err := m.size(ctx, k)
	if err != nil {
		return nil, err
	}
	if err := zmap.CheckRange(k, n, start, count); err != nil {
		return nil, err
	}
	if count == 0 {
		return []byte{}, nil
	}
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	r, err := m.bucket.NewRangeReader(ctx, m.objectKey(k), start, count, nil)
	if err != nil {
		return nil, classify(err, k)
	}
	defer r.Close()

	buf := make([]byte, count)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", k, err)
	}
	return buf, nil
}

func (m *Map) get(ctx context.Context, k string) ([]byte, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	data, err := m.bucket.ReadAll(ctx, m.objectKey(k))
	if err != nil {
		return nil, classify(err, k)
	}
	return data, nil
}

func (m *Map) put(ctx context.Context, k string, p []byte) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	if err := m.bucket.WriteAll(ctx, m.objectKey(k), p, nil); err != nil {
		return classify(err, k)
	}
	return nil
}

// conflicts reports whether a new object at k would sit on a strict prefix
// of an existing key or below an existing key.
func (m *Map) conflicts(ctx context.Context, k string) (bool, error) {
	segs := zmap.Segments(k)
	for i := 1; i < len(segs); i++ {
		anc := "/" + strings.Join(segs[:i], "/")
		if err := m.wait(ctx); err != nil {
			return false, err
		}
		ok, err := m.bucket.Exists(ctx, m.objectKey(anc))
		if err != nil {
			return false, classify(err, anc)
		}
		if ok {
			return true, nil
		}
	}
	if err := m.wait(ctx); err != nil {
		return false, err
	}
	it := m.bucket.List(&blob.ListOptions{Prefix: m.objectKey(k) + "/"})
	_, err := it.Next(ctx)
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, classify(err, k)
	}
	return true, nil
}

// create writes the first version of an object.
func (m *Map) create(ctx context.Context, k string, p []byte) error {
	conflict, err := m.conflicts(ctx, k)
	if err != nil {
		return err
	}
	if conflict {
		return fmt.Errorf("%w: %s conflicts with an existing key", zmap.ErrInvalidArgument, k)
	}
	return m.put(ctx, k, p)
}

// Write implements zmap.Map by rewriting the whole object.
func (m *Map) Write(ctx context.Context, key string, start int64, p []byte) error {
	k, err := m.check(key, true)
	if err != nil {
		return err
	}
	if start < 0 {
		return fmt.Errorf("%w: negative offset %d", zmap.ErrInvalidArgument, start)
	}
	old, err := m.get(ctx, k)
	switch {
	case errors.Is(err, zmap.ErrNotFound):
		err = m.create(ctx, k, zmap.Splice(nil, start, p))
	case err == nil:
		err = m.put(ctx, k, zmap.Splice(old, start, p))
	}
	if err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"key": k, "start": start, "count": len(p)}).Debug("rewrote object")
	return nil
}

// ReadMeta implements zmap.Map.
func (m *Map) ReadMeta(ctx context.Context, key string) ([]byte, error) {
	k, err := m.check(key, false)
	if err != nil {
		return nil, err
	}
	return m.get(ctx, k)
}

// WriteMeta implements zmap.Map.
func (m *Map) WriteMeta(ctx context.Context, key string, p []byte) error {
	k, err := m.check(key, true)
	if err != nil {
		return err
	}
	if err := m.wait(ctx); err != nil {
		return err
	}
	exists, err := m.bucket.Exists(ctx, m.objectKey(k))
	if err != nil {
		return classify(err, k)
	}
	if exists {
		return m.put(ctx, k, p)
	}
	return m.create(ctx, k, p)
}

func (m *Map) listPrefix(pfx string) string {
	if pfx == "/" {
		return m.prefix
	}
	return m.objectKey(pfx) + "/"
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
	if err := m.wait(ctx); err != nil {
		return nil, err
	}

	var keys []string
	it := m.bucket.List(&blob.ListOptions{Prefix: m.listPrefix(pfx)})
	for {
		obj, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classify(err, pfx)
		}
		keys = append(keys, m.zmapKey(obj.Key))
	}
	slices.Sort(keys)
	return keys, nil
}

// ListChildren implements zmap.Map using a delimited listing.
func (m *Map) ListChildren(ctx context.Context, prefix string) ([]string, error) {
	if m.closed {
		return nil, zmap.ErrClosed
	}
	pfx, err := zmap.CleanKey(prefix)
	if err != nil {
		return nil, err
	}
	if err := m.wait(ctx); err != nil {
		return nil, err
	}

	lp := m.listPrefix(pfx)
	var names []string
	it := m.bucket.List(&blob.ListOptions{Prefix: lp, Delimiter: "/"})
	for {
		obj, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classify(err, pfx)
		}
		name := strings.TrimSuffix(strings.TrimPrefix(obj.Key, lp), "/")
		if name != "" {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

// Close implements zmap.Map.
func (m *Map) Close(ctx context.Context, delete bool) error {
	if m.closed {
		return nil
	}
	var err error
	if delete {
		err = m.deleteAll(ctx)
	}
	m.closed = true
	if rerr := m.release(); rerr != nil && err == nil {
		err = rerr
	}
	m.log.WithField("delete", delete).Info("closed dataset")
	return err
}

func (m *Map) deleteAll(ctx context.Context) error {
	keys, err := m.ListAll(ctx, "/")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := m.wait(ctx); err != nil {
			return err
		}
		if err := m.bucket.Delete(ctx, m.objectKey(k)); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return classify(err, k)
		}
	}
	return nil
}

func (m *Map) release() error {
	if m.shared {
		return nil
	}
	return m.bucket.Close()
}
