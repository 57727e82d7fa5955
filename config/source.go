package config

import (
	"os"

	"github.com/TuSKan/nczarr-go/zmap/blobmap"
)

// Object-store settings looked up in sources.
const (
	FieldRegion   = "region"
	FieldEndpoint = "endpoint"
	FieldProfile  = "profile"
)

// Source supplies object-store settings by field name.
type Source interface {
	Lookup(field string) (string, bool)
}

// Values is a Source backed by a map. Empty values count as undefined.
type Values map[string]string

// Lookup implements Source.
func (v Values) Lookup(field string) (string, bool) {
	s, ok := v[field]
	return s, ok && s != ""
}

// Env is a Source reading the standard AWS environment variables.
type Env struct {
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

var envNames = map[string][]string{
	FieldRegion:   {"AWS_REGION", "AWS_DEFAULT_REGION"},
	FieldEndpoint: {"AWS_ENDPOINT_URL_S3", "AWS_ENDPOINT_URL"},
	FieldProfile:  {"AWS_PROFILE"},
}

// Lookup implements Source.
func (e Env) Lookup(field string) (string, bool) {
	lookup := e.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, name := range envNames[field] {
		if v, ok := lookup(name); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// Profiles is a Source holding named profiles; Active selects one.
type Profiles struct {
	Active string
	Sets   map[string]Values
}

// Lookup implements Source.
func (p Profiles) Lookup(field string) (string, bool) {
	set, ok := p.Sets[p.Active]
	if !ok {
		return "", false
	}
	return set.Lookup(field)
}

// Resolve parses an object-store locator and fills every setting the
// locator leaves empty from the first source that defines it.
func Resolve(locator string, sources ...Source) (blobmap.Descriptor, error) {
	d, err := blobmap.ParseLocator(locator)
	if err != nil {
		return blobmap.Descriptor{}, err
	}
	for field, dst := range map[string]*string{
		FieldRegion:   &d.Region,
		FieldEndpoint: &d.Endpoint,
		FieldProfile:  &d.Profile,
	} {
		if *dst != "" {
			continue
		}
		for _, s := range sources {
			if v, ok := s.Lookup(field); ok {
				*dst = v
				break
			}
		}
	}
	return d, nil
}
