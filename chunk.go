package zarr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/TuSKan/nczarr-go/zmap"
)

// GridShape calculates the number of chunks in each dimension.
// For each dimension i, the number of chunks is ceil(shape[i] / chunks[i]).
func GridShape(shape, chunks []int) []int {
	if len(shape) == 0 || len(chunks) == 0 {
		return []int{} // 0D scalar
	}
	grid := make([]int, len(shape))
	for i := range shape {
		grid[i] = (shape[i] + chunks[i] - 1) / chunks[i]
	}
	return grid
}

// ChunkKey generates the key for a chunk given its indices and a separator.
// For Zarr V2, the separator is typically ".".
// Example: indices=[1, 4], separator="." -> "1.4"
// For 0D arrays (empty indices), it returns "0".
func ChunkKey(indices []int, separator string) string {
	if len(indices) == 0 {
		return "0"
	}

	if len(indices) == 1 {
		return strconv.Itoa(indices[0])
	}

	var sb strings.Builder
	for i, idx := range indices {
		if i > 0 {
			sb.WriteString(separator)
		}
		sb.WriteString(strconv.Itoa(idx))
	}
	return sb.String()
}

// ChunkPath returns the map key of a chunk of the array rooted at
// arrayKey.
func ChunkPath(arrayKey string, indices []int, separator string) string {
	return zmap.Join(arrayKey, ChunkKey(indices, separator))
}

// ParseChunkKey is the inverse of ChunkKey for an array of the given rank.
func ParseChunkKey(s string, rank int, separator string) ([]int, error) {
	if rank == 0 {
		if s != "0" {
			return nil, fmt.Errorf("invalid scalar chunk key %q", s)
		}
		return []int{}, nil
	}
	parts := strings.Split(s, separator)
	if len(parts) != rank {
		return nil, fmt.Errorf("chunk key %q has %d indices, want %d", s, len(parts), rank)
	}
	indices := make([]int, rank)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid chunk index %q in %q", p, s)
		}
		indices[i] = v
	}
	return indices, nil
}

// chunkID linearizes chunk indices over the chunk grid in row-major order.
func chunkID(indices, grid []int) uint64 {
	var id uint64
	for d, i := range indices {
		id = id*uint64(grid[d]) + uint64(i)
	}
	return id
}
