package zarr

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/TuSKan/nczarr-go/zmap"
)

// CreateGroup writes a .zgroup at key. An existing group is left alone.
func CreateGroup(ctx context.Context, m zmap.Map, key string) error {
	metaKey := zmap.Join(key, GroupMetaKey)
	exists, err := m.Exists(ctx, metaKey)
	if err != nil || exists {
		return err
	}
	return m.WriteMeta(ctx, metaKey, []byte("{\n    \"zarr_format\": 2\n}"))
}

// IsGroup reports whether key holds a group.
func IsGroup(ctx context.Context, m zmap.Map, key string) (bool, error) {
	return m.Exists(ctx, zmap.Join(key, GroupMetaKey))
}

// ListArrays returns the keys of every array at or below prefix, sorted.
func ListArrays(ctx context.Context, m zmap.Map, prefix string) ([]string, error) {
	return listNodes(ctx, m, prefix, ArrayMetaKey)
}

// ListGroups returns the keys of every group at or below prefix, sorted.
func ListGroups(ctx context.Context, m zmap.Map, prefix string) ([]string, error) {
	return listNodes(ctx, m, prefix, GroupMetaKey)
}

func listNodes(ctx context.Context, m zmap.Map, prefix, metaKey string) ([]string, error) {
	keys, err := m.ListAll(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		if path.Base(k) == metaKey {
			out = append(out, path.Dir(k))
		}
	}
	return out, nil
}

func readAttrs(ctx context.Context, m zmap.Map, key string) (map[string]interface{}, error) {
	raw, err := m.ReadMeta(ctx, zmap.Join(key, AttrsMetaKey))
	if isNotFound(err) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, err
	}
	attrs := map[string]interface{}{}
	if strings.TrimSpace(string(raw)) == "" {
		return attrs, nil
	}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, fmt.Errorf("failed to decode %s attributes: %w", key, err)
	}
	return attrs, nil
}

func writeAttrs(ctx context.Context, m zmap.Map, key string, attrs map[string]interface{}) error {
	raw, err := json.MarshalIndent(attrs, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode %s attributes: %w", key, err)
	}
	return m.WriteMeta(ctx, zmap.Join(key, AttrsMetaKey), raw)
}

// GroupAttributes returns the user attributes of the group at key.
func GroupAttributes(ctx context.Context, m zmap.Map, key string) (map[string]interface{}, error) {
	return readAttrs(ctx, m, key)
}

// SetGroupAttributes replaces the user attributes of the group at key.
func SetGroupAttributes(ctx context.Context, m zmap.Map, key string, attrs map[string]interface{}) error {
	return writeAttrs(ctx, m, key, attrs)
}
