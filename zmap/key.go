package zmap

import (
	"fmt"
	"slices"
	"strings"
)

// CleanKey validates key and returns it in canonical form: rooted at "/",
// no empty, "." or ".." segments, no trailing slash. The root itself is
// "/".
func CleanKey(key string) (string, error) {
	if key == "" || key == "/" {
		return "/", nil
	}
	segs := strings.Split(strings.Trim(key, "/"), "/")
	for _, s := range segs {
		switch s {
		case "", ".", "..":
			return "", fmt.Errorf("%w: key %q", ErrInvalidArgument, key)
		}
	}
	return "/" + strings.Join(segs, "/"), nil
}

// ObjectKey validates a key naming an object; the root is not an object.
func ObjectKey(key string) (string, error) {
	k, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	if k == "/" {
		return "", fmt.Errorf("%w: root is not an object key", ErrInvalidArgument)
	}
	return k, nil
}

// Join joins segments into a key.
func Join(parts ...string) string {
	var segs []string
	for _, p := range parts {
		for _, s := range strings.Split(p, "/") {
			if s != "" {
				segs = append(segs, s)
			}
		}
	}
	return "/" + strings.Join(segs, "/")
}

// Segments splits a clean key into its path segments.
func Segments(key string) []string {
	t := strings.Trim(key, "/")
	if t == "" {
		return nil
	}
	return strings.Split(t, "/")
}

// Under reports whether key lies strictly below prefix. Both must be clean.
func Under(key, prefix string) bool {
	if prefix == "/" {
		return key != "/"
	}
	return strings.HasPrefix(key, prefix+"/")
}

// Children derives the immediate child names of prefix from a set of
// content-bearing keys.
func Children(prefix string, keys []string) []string {
	depth := len(Segments(prefix))
	seen := map[string]struct{}{}
	for _, k := range keys {
		if !Under(k, prefix) {
			continue
		}
		seen[Segments(k)[depth]] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Splice writes p into old at start, growing old with zero bytes as
// needed, and returns the result. Backends that cannot write in place
// rewrite the whole object with it.
func Splice(old []byte, start int64, p []byte) []byte {
	end := start + int64(len(p))
	if end > int64(len(old)) {
		grown := make([]byte, end)
		copy(grown, old)
		old = grown
	}
	copy(old[start:end], p)
	return old
}

// CheckRange reports ErrOutOfRange when [start, start+count) does not fit
// in an object of size length.
func CheckRange(key string, length, start, count int64) error {
	if start < 0 || count < 0 || start+count > length {
		return fmt.Errorf("%w: %s [%d,%d) of %d bytes", ErrOutOfRange, key, start, start+count, length)
	}
	return nil
}
