package zarr

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/TuSKan/nczarr-go/zmap"
)

// chunkCache keeps decoded chunk buffers of one array in LRU order. Dirty
// chunks are written back to the map when evicted, flushed or closed.
type chunkCache struct {
	m          zmap.Map
	arrayKey   string
	separator  string
	grid       []int
	chunkBytes int
	capacity   int
	log        logrus.FieldLogger

	flight singleflight.Group

	mu      sync.Mutex
	entries map[uint64]*list.Element
	lru     *list.List
	dirty   *roaring64.Bitmap
}

type cacheEntry struct {
	id      uint64
	indices []int
	buf     []byte
	// fresh marks a buffer that was created rather than fetched and has
	// not yet been handed to a transfer.
	fresh bool
}

type fetched struct {
	buf     []byte
	created bool
}

func newChunkCache(m zmap.Map, arrayKey string, meta *Metadata, elemSize, capacity int, log logrus.FieldLogger) *chunkCache {
	n := elemSize
	for _, c := range meta.Chunks {
		n *= c
	}
	if capacity < 1 {
		capacity = 1
	}
	return &chunkCache{
		m:          m,
		arrayKey:   arrayKey,
		separator:  meta.Separator(),
		grid:       GridShape(meta.Shape, meta.Chunks),
		chunkBytes: n,
		capacity:   capacity,
		log:        log,
		entries:    make(map[uint64]*list.Element),
		lru:        list.New(),
		dirty:      roaring64.New(),
	}
}

// ReadChunk returns the cached buffer of a chunk, fetching it on a miss.
// created is reported once per created chunk, to the first transfer that
// receives it.
func (c *chunkCache) ReadChunk(ctx context.Context, indices []int) ([]byte, bool, error) {
	e, err := c.load(ctx, indices)
	if err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	created := e.fresh
	e.fresh = false
	return e.buf, created, nil
}

// MarkModified records that a cached chunk must be written back.
func (c *chunkCache) MarkModified(ctx context.Context, indices []int) error {
	id := chunkID(indices, c.grid)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; !ok {
		return fmt.Errorf("chunk %s is not cached", ChunkKey(indices, c.separator))
	}
	c.dirty.Add(id)
	return nil
}

// load returns the cache entry of a chunk. Concurrent loads of the same
// chunk share one fetch.
func (c *chunkCache) load(ctx context.Context, indices []int) (*cacheEntry, error) {
	id := chunkID(indices, c.grid)
	if e := c.lookup(id); e != nil {
		return e, nil
	}

	key := ChunkPath(c.arrayKey, indices, c.separator)
	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		if e := c.lookup(id); e != nil {
			return e, nil
		}
		f, err := c.fetch(ctx, key)
		if err != nil {
			return nil, err
		}
		return c.insert(ctx, id, indices, f)
	})
	if err != nil {
		return nil, err
	}
	return v.(*cacheEntry), nil
}

func (c *chunkCache) lookup(id uint64) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[id]; ok {
		c.lru.MoveToFront(el)
		return el.Value.(*cacheEntry)
	}
	return nil
}

func (c *chunkCache) fetch(ctx context.Context, key string) (fetched, error) {
	data, err := c.m.ReadMeta(ctx, key)
	if errors.Is(err, zmap.ErrNotFound) {
		c.log.WithField("chunk", key).Debug("creating chunk")
		return fetched{buf: make([]byte, c.chunkBytes), created: true}, nil
	}
	if err != nil {
		return fetched{}, fmt.Errorf("failed to read chunk %s: %w", key, err)
	}
	switch {
	case len(data) > c.chunkBytes:
		return fetched{}, fmt.Errorf("chunk %s has %d bytes, expected %d", key, len(data), c.chunkBytes)
	case len(data) < c.chunkBytes:
		c.log.WithFields(logrus.Fields{"chunk": key, "size": len(data)}).Warn("padding short chunk")
		buf := make([]byte, c.chunkBytes)
		copy(buf, data)
		data = buf
	}
	c.log.WithField("chunk", key).Debug("fetched chunk")
	return fetched{buf: data}, nil
}

// insert adds a fetched chunk and evicts past capacity. An eviction that
// fails to write back leaves the victim cached and dirty.
func (c *chunkCache) insert(ctx context.Context, id uint64, indices []int, f fetched) (*cacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &cacheEntry{id: id, indices: append([]int(nil), indices...), buf: f.buf, fresh: f.created}
	c.entries[id] = c.lru.PushFront(e)

	for c.lru.Len() > c.capacity {
		el := c.lru.Back()
		victim := el.Value.(*cacheEntry)
		if c.dirty.Contains(victim.id) {
			if err := c.writeBack(ctx, victim); err != nil {
				return e, err
			}
		}
		c.lru.Remove(el)
		delete(c.entries, victim.id)
		c.log.WithField("chunk", ChunkKey(victim.indices, c.separator)).Debug("evicted chunk")
	}
	return e, nil
}

// writeBack stores a dirty chunk. The caller holds mu.
func (c *chunkCache) writeBack(ctx context.Context, e *cacheEntry) error {
	key := ChunkPath(c.arrayKey, e.indices, c.separator)
	if err := c.m.WriteMeta(ctx, key, e.buf); err != nil {
		return fmt.Errorf("failed to write chunk %s: %w", key, err)
	}
	c.dirty.Remove(e.id)
	c.log.WithField("chunk", key).Debug("flushed chunk")
	return nil
}

// Flush writes every dirty chunk back, in chunk order. The first failure
// stops the flush; chunks already written stay written.
func (c *chunkCache) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.dirty.ToArray() {
		if err := ctx.Err(); err != nil {
			return err
		}
		el, ok := c.entries[id]
		if !ok {
			c.dirty.Remove(id)
			continue
		}
		if err := c.writeBack(ctx, el.Value.(*cacheEntry)); err != nil {
			return err
		}
	}
	return nil
}

// Dirty reports how many chunks await write-back.
func (c *chunkCache) Dirty() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty.GetCardinality()
}

// Len reports how many chunks are cached.
func (c *chunkCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Close flushes and drops every cached chunk.
func (c *chunkCache) Close(ctx context.Context) error {
	if err := c.Flush(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*list.Element)
	c.lru.Init()
	c.dirty.Clear()
	return nil
}
