// Package zmaptest checks that a zmap backend honours the map contract.
package zmaptest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TuSKan/nczarr-go/zmap"
)

// Factory returns a fresh, empty, writable map. The test closes it.
type Factory func(t *testing.T) zmap.Map

// Run runs the contract tests against maps produced by newMap.
func Run(t *testing.T, newMap Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, ctx context.Context, m zmap.Map)
	}{
		{"MissingKey", testMissingKey},
		{"ZeroLengthWrite", testZeroLengthWrite},
		{"ReadAfterWrite", testReadAfterWrite},
		{"PartialWrite", testPartialWrite},
		{"ReadOutOfRange", testReadOutOfRange},
		{"DefineIdempotent", testDefineIdempotent},
		{"WriteMetaReplaces", testWriteMetaReplaces},
		{"List", testList},
		{"InvalidKey", testInvalidKey},
		{"LeavesOnly", testLeavesOnly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := newMap(t)
			defer func() {
				require.NoError(t, m.Close(ctx, true))
			}()
			tt.fn(t, ctx, m)
		})
	}
}

func testMissingKey(t *testing.T, ctx context.Context, m zmap.Map) {
	ok, err := m.Exists(ctx, "/never/written")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Len(ctx, "/never/written")
	assert.ErrorIs(t, err, zmap.ErrNotFound)

	_, err = m.Read(ctx, "/never/written", 0, 0)
	assert.ErrorIs(t, err, zmap.ErrNotFound)

	_, err = m.ReadMeta(ctx, "/never/written")
	assert.ErrorIs(t, err, zmap.ErrNotFound)
}

func testZeroLengthWrite(t *testing.T, ctx context.Context, m zmap.Map) {
	require.NoError(t, m.Write(ctx, "/empty", 0, nil))

	ok, err := m.Exists(ctx, "/empty")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := m.Len(ctx, "/empty")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	data, err := m.ReadMeta(ctx, "/empty")
	require.NoError(t, err)
	assert.Empty(t, data)
}

func testReadAfterWrite(t *testing.T, ctx context.Context, m zmap.Map) {
	payload := []byte("chunk payload")
	require.NoError(t, m.Write(ctx, "/var/0.0", 0, payload))

	got, err := m.Read(ctx, "/var/0.0", 0, int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	got, err = m.Read(ctx, "/var/0.0", 6, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func testPartialWrite(t *testing.T, ctx context.Context, m zmap.Map) {
	require.NoError(t, m.Write(ctx, "/k", 0, []byte{1, 2, 3, 4}))
	require.NoError(t, m.Write(ctx, "/k", 2, []byte{8, 9, 10}))

	n, err := m.Len(ctx, "/k")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	got, err := m.Read(ctx, "/k", 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 8, 9, 10}, got)
}

func testReadOutOfRange(t *testing.T, ctx context.Context, m zmap.Map) {
	require.NoError(t, m.Write(ctx, "/k", 0, []byte{1, 2, 3}))
	_, err := m.Read(ctx, "/k", 2, 5)
	assert.ErrorIs(t, err, zmap.ErrOutOfRange)
}

func testDefineIdempotent(t *testing.T, ctx context.Context, m zmap.Map) {
	require.NoError(t, m.Define(ctx, "/d", 8))
	n, err := m.Len(ctx, "/d")
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)

	require.NoError(t, m.Write(ctx, "/d", 0, []byte{7, 7}))
	require.NoError(t, m.Define(ctx, "/d", 8))

	got, err := m.Read(ctx, "/d", 0, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 7, 0, 0, 0, 0, 0, 0}, got)
}

func testWriteMetaReplaces(t *testing.T, ctx context.Context, m zmap.Map) {
	require.NoError(t, m.WriteMeta(ctx, "/a/.zattrs", []byte(`{"long":"document"}`)))
	require.NoError(t, m.WriteMeta(ctx, "/a/.zattrs", []byte(`{}`)))

	got, err := m.ReadMeta(ctx, "/a/.zattrs")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{}`), got)
}

func testList(t *testing.T, ctx context.Context, m zmap.Map) {
	for _, k := range []string{"/.zgroup", "/a/.zarray", "/a/0.0", "/a/0.1", "/b/c/.zarray"} {
		require.NoError(t, m.WriteMeta(ctx, k, []byte("x")))
	}

	children, err := m.ListChildren(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, []string{".zgroup", "a", "b"}, children)

	children, err = m.ListChildren(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []string{".zarray", "0.0", "0.1"}, children)

	all, err := m.ListAll(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"/.zgroup", "/a/.zarray", "/a/0.0", "/a/0.1", "/b/c/.zarray"}, all)

	all, err = m.ListAll(ctx, "/b")
	require.NoError(t, err)
	assert.Equal(t, []string{"/b/c/.zarray"}, all)

	children, err = m.ListChildren(ctx, "/missing")
	require.NoError(t, err)
	assert.Empty(t, children)
}

func testInvalidKey(t *testing.T, ctx context.Context, m zmap.Map) {
	err := m.Write(ctx, "/a/../b", 0, []byte{1})
	assert.ErrorIs(t, err, zmap.ErrInvalidArgument)
}

func testLeavesOnly(t *testing.T, ctx context.Context, m zmap.Map) {
	require.NoError(t, m.WriteMeta(ctx, "/a/b", []byte("leaf")))

	// A strict prefix of a content-bearing key cannot carry content.
	assert.ErrorIs(t, m.WriteMeta(ctx, "/a", []byte("x")), zmap.ErrInvalidArgument)
	assert.ErrorIs(t, m.Write(ctx, "/a", 0, []byte("x")), zmap.ErrInvalidArgument)
	assert.ErrorIs(t, m.Define(ctx, "/a", 4), zmap.ErrInvalidArgument)

	// Nor can a key below one.
	assert.ErrorIs(t, m.WriteMeta(ctx, "/a/b/c", []byte("x")), zmap.ErrInvalidArgument)
	assert.ErrorIs(t, m.Write(ctx, "/a/b/c/d", 0, []byte("x")), zmap.ErrInvalidArgument)
	assert.ErrorIs(t, m.Define(ctx, "/a/b/c", 4), zmap.ErrInvalidArgument)

	// Rewriting the leaf and adding siblings are fine.
	require.NoError(t, m.WriteMeta(ctx, "/a/b", []byte("leaf2")))
	require.NoError(t, m.Write(ctx, "/a/b", 4, []byte("!")))
	require.NoError(t, m.WriteMeta(ctx, "/a/bc", []byte("sibling")))

	all, err := m.ListAll(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"/a/b", "/a/bc"}, all)
}
