// Package zmap defines the key-value map that chunked arrays are stored
// in.
//
// A Map owns every key below its root. Keys are "/"-separated paths. A
// key either carries content (possibly zero bytes) or is purely
// structural, i.e. a prefix of some content-bearing key. Only
// content-bearing keys are visible: a key without content behaves as not
// found. No content-bearing key may be a strict prefix of another.
//
// Every operation may block on backend I/O. Implementations provide
// read-after-write consistency on a single Map value and nothing stronger.
package zmap

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key or dataset does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating a dataset that already exists.
	ErrExists = errors.New("already exists")
	// ErrOutOfRange is returned when a read extends past the end of an object.
	ErrOutOfRange = errors.New("out of range")
	// ErrInvalidArgument is returned for malformed keys and arguments.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidLocator is returned when a dataset locator cannot be used.
	ErrInvalidLocator = errors.New("invalid locator")
	// ErrReadOnly is returned when modifying a map opened without ModeWrite.
	ErrReadOnly = errors.New("read-only map")
	// ErrClosed is returned by operations on a closed map.
	ErrClosed = errors.New("map closed")
	// ErrUnsupported is returned for features a backend or array cannot provide.
	ErrUnsupported = errors.New("unsupported")
)

// Mode controls what a Map may do.
type Mode uint8

const (
	// ModeRead permits read operations. It is implied by every mode.
	ModeRead Mode = 1 << iota
	// ModeWrite permits modifications.
	ModeWrite
)

// Writable reports whether m permits modifications.
func (m Mode) Writable() bool { return m&ModeWrite != 0 }

func (m Mode) String() string {
	if m.Writable() {
		return "rw"
	}
	return "r"
}

// Map is an open dataset.
type Map interface {
	// Mode returns the access mode the map was opened with.
	Mode() Mode
	// Exists reports whether key carries content.
	Exists(ctx context.Context, key string) (bool, error)
	// Len returns the content length of key.
	Len(ctx context.Context, key string) (int64, error)
	// Define makes key content-bearing with at least length bytes. An
	// existing object is left as it is.
	Define(ctx context.Context, key string, length int64) error
	// Read returns count bytes of key starting at start.
	Read(ctx context.Context, key string, start, count int64) ([]byte, error)
	// Write stores p into key at start, creating the key when needed. A
	// zero-length write still makes the key content-bearing.
	Write(ctx context.Context, key string, start int64, p []byte) error
	// ReadMeta returns the whole content of key.
	ReadMeta(ctx context.Context, key string) ([]byte, error)
	// WriteMeta replaces the whole content of key.
	WriteMeta(ctx context.Context, key string, p []byte) error
	// ListChildren returns the next path segment after prefix of every
	// content-bearing key below prefix, sorted and without duplicates.
	ListChildren(ctx context.Context, prefix string) ([]string, error)
	// ListAll returns every content-bearing key below prefix as full keys,
	// sorted.
	ListAll(ctx context.Context, prefix string) ([]string, error)
	// Close releases the map. With delete set, all content is removed.
	Close(ctx context.Context, delete bool) error
}

// Backend creates and opens maps of one implementation.
type Backend interface {
	// Create makes a new dataset at locator. It fails with ErrExists when
	// one is already there.
	Create(ctx context.Context, locator string, mode Mode) (Map, error)
	// Open opens an existing dataset at locator. It fails with ErrNotFound
	// when there is none.
	Open(ctx context.Context, locator string, mode Mode) (Map, error)
}
