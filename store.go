package zarr

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/TuSKan/nczarr-go/zmap"
	"github.com/TuSKan/nczarr-go/zmap/blobmap"
	"github.com/TuSKan/nczarr-go/zmap/filemap"
	"github.com/TuSKan/nczarr-go/zmap/zipmap"
)

// Kind names a storage backend variant.
type Kind int

const (
	// KindFile stores each key as a file below a directory.
	KindFile Kind = iota
	// KindZip stores the dataset in a single zip archive.
	KindZip
	// KindObject stores each key as an object in an object store.
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindZip:
		return "zip"
	case KindObject:
		return "object"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// KindOf selects the backend kind for a locator. Plain paths and file://
// URLs name directories unless they end in ".zip".
func KindOf(locator string) (Kind, error) {
	if locator == "" {
		return 0, fmt.Errorf("%w: empty locator", zmap.ErrInvalidLocator)
	}
	scheme := ""
	if i := strings.Index(locator, "://"); i > 0 {
		u, err := url.Parse(locator)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", zmap.ErrInvalidLocator, err)
		}
		scheme = u.Scheme
	}
	switch scheme {
	case "", filemap.Scheme:
		if strings.HasSuffix(strings.TrimSuffix(locator, "/"), ".zip") {
			return KindZip, nil
		}
		return KindFile, nil
	case zipmap.Scheme:
		return KindZip, nil
	case "s3", "mem", blobmap.FileScheme:
		return KindObject, nil
	}
	return 0, fmt.Errorf("%w: unsupported scheme %q", zmap.ErrInvalidLocator, scheme)
}

// Registry maps backend kinds to backends. Registries are independent;
// there is no process-wide instance.
type Registry struct {
	backends map[Kind]zmap.Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: map[Kind]zmap.Backend{}}
}

// DefaultRegistry returns a registry holding the built-in backends.
func DefaultRegistry(opts ...Option) *Registry {
	o := buildOptions(opts)
	r := NewRegistry()
	r.Register(KindFile, filemap.NewBackend(o.log))
	r.Register(KindZip, zipmap.NewBackend(o.log))
	r.Register(KindObject, blobmap.NewBackend(blobmap.Options{
		Log:               o.log,
		RequestsPerSecond: o.requestsPerSecond,
		Burst:             o.burst,
	}))
	return r
}

// Register sets the backend for a kind, replacing any previous one.
func (r *Registry) Register(k Kind, b zmap.Backend) {
	r.backends[k] = b
}

// Backend returns the backend registered for a kind.
func (r *Registry) Backend(k Kind) (zmap.Backend, error) {
	b, ok := r.backends[k]
	if !ok {
		return nil, fmt.Errorf("%w: no %s backend registered", zmap.ErrUnsupported, k)
	}
	return b, nil
}

func (r *Registry) backendFor(locator string) (zmap.Backend, string, error) {
	k, err := KindOf(locator)
	if err != nil {
		return nil, "", err
	}
	b, err := r.Backend(k)
	if err != nil {
		return nil, "", err
	}
	if k == KindZip && strings.HasPrefix(locator, filemap.Scheme+"://") {
		locator = strings.TrimPrefix(locator, filemap.Scheme+"://")
	}
	return b, locator, nil
}

// Create makes a new dataset at locator.
func (r *Registry) Create(ctx context.Context, locator string, mode zmap.Mode) (zmap.Map, error) {
	b, loc, err := r.backendFor(locator)
	if err != nil {
		return nil, err
	}
	return b.Create(ctx, loc, mode)
}

// Open opens an existing dataset at locator.
func (r *Registry) Open(ctx context.Context, locator string, mode zmap.Mode) (zmap.Map, error) {
	b, loc, err := r.backendFor(locator)
	if err != nil {
		return nil, err
	}
	return b.Open(ctx, loc, mode)
}
