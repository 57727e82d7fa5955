package blobmap

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/TuSKan/nczarr-go/zmap"
)

// Descriptor is a resolved object-store location. How its fields were
// discovered (profiles, environment, URL fragments) is not this package's
// concern.
type Descriptor struct {
	// Scheme selects the gocloud driver: "s3", "mem" or "file".
	Scheme string
	// Bucket is the bucket name; for "file" it is the directory holding
	// the objects.
	Bucket   string
	Region   string
	Endpoint string
	Profile  string
	// Prefix is the dataset root inside the bucket, without slashes at
	// either end.
	Prefix string
}

// FileScheme is the locator scheme for object-store semantics over a
// local directory; plain "file://" locators select the filesystem backend.
const FileScheme = "blob+file"

// ParseLocator parses "s3://bucket/prefix?region=..&endpoint=..",
// "mem://name/prefix" or "blob+file:///dir?prefix=..".
func ParseLocator(locator string) (Descriptor, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %w", zmap.ErrInvalidLocator, err)
	}
	q := u.Query()
	d := Descriptor{
		Region:   q.Get("region"),
		Endpoint: q.Get("endpoint"),
		Profile:  q.Get("profile"),
	}
	switch u.Scheme {
	case "s3", "mem":
		d.Scheme = u.Scheme
		d.Bucket = u.Host
		d.Prefix = strings.Trim(u.Path, "/")
	case FileScheme:
		d.Scheme = "file"
		d.Bucket = u.Path
		d.Prefix = strings.Trim(q.Get("prefix"), "/")
	default:
		return Descriptor{}, fmt.Errorf("%w: unsupported object-store scheme %q", zmap.ErrInvalidLocator, u.Scheme)
	}
	if d.Bucket == "" && d.Scheme != "mem" {
		return Descriptor{}, fmt.Errorf("%w: missing bucket in %q", zmap.ErrInvalidLocator, locator)
	}
	return d, nil
}

// BucketURL returns the gocloud URL opening the descriptor's bucket.
func (d Descriptor) BucketURL() string {
	switch d.Scheme {
	case "file":
		return (&url.URL{Scheme: "file", Path: d.Bucket}).String()
	case "mem":
		return "mem://"
	}
	q := url.Values{}
	if d.Region != "" {
		q.Set("region", d.Region)
	}
	if d.Endpoint != "" {
		q.Set("endpoint", d.Endpoint)
		q.Set("use_path_style", "true")
	}
	if d.Profile != "" {
		q.Set("profile", d.Profile)
	}
	u := url.URL{Scheme: d.Scheme, Host: d.Bucket, RawQuery: q.Encode()}
	return u.String()
}

func (d Descriptor) String() string {
	if d.Prefix == "" {
		return d.Scheme + "://" + d.Bucket
	}
	return d.Scheme + "://" + d.Bucket + "/" + d.Prefix
}

// Locator returns the locator ParseLocator maps back to d.
func (d Descriptor) Locator() string {
	q := url.Values{}
	if d.Region != "" {
		q.Set("region", d.Region)
	}
	if d.Endpoint != "" {
		q.Set("endpoint", d.Endpoint)
	}
	if d.Profile != "" {
		q.Set("profile", d.Profile)
	}
	u := url.URL{Scheme: d.Scheme, Host: d.Bucket}
	if d.Prefix != "" {
		u.Path = "/" + d.Prefix
	}
	if d.Scheme == "file" {
		u = url.URL{Scheme: FileScheme, Path: d.Bucket}
		if d.Prefix != "" {
			q.Set("prefix", d.Prefix)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
