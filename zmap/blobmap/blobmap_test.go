package blobmap_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TuSKan/nczarr-go/zmap"
	"github.com/TuSKan/nczarr-go/zmap/blobmap"
	"github.com/TuSKan/nczarr-go/zmap/zmaptest"
)

func TestContract_Mem(t *testing.T) {
	b := blobmap.NewBackend(blobmap.Options{})
	zmaptest.Run(t, func(t *testing.T) zmap.Map {
		name := strings.NewReplacer("/", "-", "_", "-").Replace(strings.ToLower(t.Name()))
		m, err := b.Create(context.Background(), "mem://"+name+"/ds", zmap.ModeWrite)
		require.NoError(t, err)
		return m
	})
}

func TestContract_FileBlob(t *testing.T) {
	b := blobmap.NewBackend(blobmap.Options{RequestsPerSecond: 10000, Burst: 100})
	zmaptest.Run(t, func(t *testing.T) zmap.Map {
		m, err := b.Create(context.Background(), blobmap.FileScheme+"://"+t.TempDir()+"?prefix=ds", zmap.ModeWrite)
		require.NoError(t, err)
		return m
	})
}

func TestParseLocator(t *testing.T) {
	tests := []struct {
		locator   string
		expected  blobmap.Descriptor
		expectErr bool
	}{
		{
			locator:  "s3://bucket/data/ds.zarr?region=eu-west-1&endpoint=http://localhost:9000",
			expected: blobmap.Descriptor{Scheme: "s3", Bucket: "bucket", Prefix: "data/ds.zarr", Region: "eu-west-1", Endpoint: "http://localhost:9000"},
		},
		{
			locator:  "mem://scratch",
			expected: blobmap.Descriptor{Scheme: "mem", Bucket: "scratch"},
		},
		{
			locator:  "blob+file:///tmp/objects?prefix=/ds/",
			expected: blobmap.Descriptor{Scheme: "file", Bucket: "/tmp/objects", Prefix: "ds"},
		},
		{locator: "ftp://host/x", expectErr: true},
		{locator: "s3:///nobucket", expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.locator, func(t *testing.T) {
			d, err := blobmap.ParseLocator(tt.locator)
			if tt.expectErr {
				assert.ErrorIs(t, err, zmap.ErrInvalidLocator)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d)
		})
	}
}

func TestDescriptor_BucketURL(t *testing.T) {
	d := blobmap.Descriptor{Scheme: "s3", Bucket: "b", Region: "us-east-1", Endpoint: "http://minio:9000"}
	assert.Equal(t, "s3://b?endpoint=http%3A%2F%2Fminio%3A9000&region=us-east-1&use_path_style=true", d.BucketURL())
	assert.Equal(t, "mem://", blobmap.Descriptor{Scheme: "mem"}.BucketURL())
}

func TestCreateOpenMem(t *testing.T) {
	ctx := context.Background()
	b := blobmap.NewBackend(blobmap.Options{})

	_, err := b.Open(ctx, "mem://shared/ds", zmap.ModeRead)
	assert.ErrorIs(t, err, zmap.ErrNotFound)

	m, err := b.Create(ctx, "mem://shared/ds", zmap.ModeWrite)
	require.NoError(t, err)
	require.NoError(t, m.Write(ctx, "/v/0", 0, []byte{1, 2, 3}))
	require.NoError(t, m.Close(ctx, false))

	_, err = b.Create(ctx, "mem://shared/ds", zmap.ModeWrite)
	assert.ErrorIs(t, err, zmap.ErrExists)

	// A sibling prefix is a different dataset.
	other, err := b.Create(ctx, "mem://shared/ds2", zmap.ModeWrite)
	require.NoError(t, err)
	require.NoError(t, other.Close(ctx, true))

	m, err = b.Open(ctx, "mem://shared/ds", zmap.ModeRead)
	require.NoError(t, err)
	got, err := m.Read(ctx, "/v/0", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3}, got)
	assert.ErrorIs(t, m.Write(ctx, "/v/0", 0, nil), zmap.ErrReadOnly)
	require.NoError(t, m.Close(ctx, false))

	m, err = b.Open(ctx, "mem://shared/ds", zmap.ModeWrite)
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx, true))

	_, err = b.Open(ctx, "mem://shared/ds", zmap.ModeRead)
	assert.ErrorIs(t, err, zmap.ErrNotFound)
}

func TestDescriptor_LocatorRoundTrip(t *testing.T) {
	for _, d := range []blobmap.Descriptor{
		{Scheme: "s3", Bucket: "bucket", Prefix: "data/ds.zarr", Region: "eu-west-1", Endpoint: "http://localhost:9000", Profile: "ci"},
		{Scheme: "s3", Bucket: "bucket"},
		{Scheme: "mem", Bucket: "scratch", Prefix: "ds"},
		{Scheme: "file", Bucket: "/tmp/objects", Prefix: "ds"},
	} {
		back, err := blobmap.ParseLocator(d.Locator())
		require.NoError(t, err, d.Locator())
		assert.Equal(t, d, back)
	}
}
