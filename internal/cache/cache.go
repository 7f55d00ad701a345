package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	apperrors "go-wanglab/internal/errors"
	"go-wanglab/internal/extractor"
	"go-wanglab/internal/logger"
	"go-wanglab/pkg/imaging"
)

// Key identifies one cached vector. Version is empty for memory-only
// caches.
type Key struct {
	ImageID    string
	ConfigHash string
	Version    string
}

func (k Key) String() string {
	return k.Version + "/" + k.ConfigHash + "/" + k.ImageID
}

// ComputeFunc produces the vector for a cache miss.
type ComputeFunc func(ctx context.Context) (*extractor.FeatureVector, error)

// Options configures a Cache.
type Options struct {
	// MaxEntries bounds the in-memory LRU. Zero means unbounded.
	MaxEntries int
	// Store persists vectors across processes when set.
	Store Store
	// Compression applies to records written to Store.
	Compression Compression
	// Version tags persisted records. Defaults to extractor.Version.
	Version string
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Computes    int64 `json:"computes"`
	Evictions   int64 `json:"evictions"`
	Corruptions int64 `json:"corruptions"`
	StoreHits   int64 `json:"store_hits"`
	Entries     int   `json:"entries"`
}

// Cache memoizes feature vectors by (image, config). Concurrent requests
// for the same key share a single computation; distinct keys never wait on
// each other.
type Cache struct {
	mem         *lru
	store       Store
	compression Compression
	version     string
	group       singleflight.Group
	log         *logrus.Entry

	hits        atomic.Int64
	misses      atomic.Int64
	computes    atomic.Int64
	evictions   atomic.Int64
	corruptions atomic.Int64
	storeHits   atomic.Int64
}

// New creates a cache.
func New(opts Options) *Cache {
	c := &Cache{
		store:       opts.Store,
		compression: opts.Compression,
		version:     opts.Version,
		log:         logger.Component("cache"),
	}
	if c.store != nil && c.version == "" {
		c.version = extractor.Version
	}
	c.mem = newLRU(opts.MaxEntries, func() { c.evictions.Add(1) })
	return c
}

func (c *Cache) key(img *imaging.Image, cfg *extractor.PipelineConfig) Key {
	k := Key{ImageID: img.Key(), ConfigHash: cfg.Hash()}
	if c.store != nil {
		k.Version = c.version
	}
	return k
}

// GetOrCompute returns the vector for (img, cfg), calling compute at most
// once per key no matter how many callers ask concurrently. Every caller
// of one computation receives the same *FeatureVector. A caller whose ctx
// ends while it waits returns a cancellation error without disturbing the
// computation.
func (c *Cache) GetOrCompute(ctx context.Context, img *imaging.Image, cfg *extractor.PipelineConfig, compute ComputeFunc) (*extractor.FeatureVector, error) {
	if cfg == nil {
		return nil, apperrors.NewInvalidConfigError("nil pipeline config", nil)
	}
	if img == nil {
		return nil, apperrors.NewMalformedInputError("nil image", nil)
	}

	key := c.key(img, cfg)
	if fv, ok := c.mem.get(key); ok {
		c.hits.Add(1)
		return fv, nil
	}
	c.misses.Add(1)

	for {
		ch := c.group.DoChan(key.String(), func() (any, error) {
			return c.fill(ctx, key, compute)
		})

		select {
		case <-ctx.Done():
			return nil, apperrors.NewCancelledError(fmt.Sprintf("stopped waiting for features of %s", key.ImageID), ctx.Err())
		case res := <-ch:
			if res.Err != nil {
				// The computation belonged to a caller that gave up; ours is
				// still live, so start another one.
				if res.Shared && ctx.Err() == nil && apperrors.IsType(res.Err, apperrors.ErrorTypeCancelled) {
					continue
				}
				return nil, res.Err
			}
			return res.Val.(*extractor.FeatureVector), nil
		}
	}
}

// fill runs inside the single flight for key.
func (c *Cache) fill(ctx context.Context, key Key, compute ComputeFunc) (*extractor.FeatureVector, error) {
	if fv, ok := c.mem.get(key); ok {
		return fv, nil
	}

	var corrupt error
	if c.store != nil {
		fv, err := c.load(ctx, key)
		switch {
		case err == nil:
			c.storeHits.Add(1)
			return c.mem.add(key, fv), nil
		case apperrors.IsType(err, apperrors.ErrorTypeCacheCorruption):
			corrupt = err
			c.corruptions.Add(1)
			c.log.WithError(err).WithField("image_id", key.ImageID).Warn("Discarding corrupt cache record")
		case errors.Is(err, ErrNotFound):
		default:
			c.log.WithError(err).WithField("image_id", key.ImageID).Warn("Cache store read failed")
		}
	}

	c.computes.Add(1)
	fv, err := compute(ctx)
	if err != nil {
		if corrupt != nil {
			return nil, withCause(err, corrupt)
		}
		return nil, err
	}

	if c.store != nil {
		c.persist(ctx, key, fv)
	}
	return c.mem.add(key, fv), nil
}

func (c *Cache) load(ctx context.Context, key Key) (*extractor.FeatureVector, error) {
	data, err := c.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	fv, tag, err := decodeRecord(data)
	if err != nil {
		return nil, apperrors.NewCacheCorruptionError(fmt.Sprintf("record for %s is unreadable", key.ImageID), err)
	}
	if tag != key.Version {
		return nil, apperrors.NewCacheCorruptionError(
			fmt.Sprintf("record for %s has version %q, want %q", key.ImageID, tag, key.Version), nil)
	}
	if fv.ImageID != key.ImageID || fv.ConfigHash != key.ConfigHash {
		return nil, apperrors.NewCacheCorruptionError(fmt.Sprintf("record for %s belongs to another key", key.ImageID), nil)
	}
	return fv, nil
}

func (c *Cache) persist(ctx context.Context, key Key, fv *extractor.FeatureVector) {
	data, err := encodeRecord(fv, key.Version, c.compression)
	if err == nil {
		err = c.store.Save(ctx, key, data)
	}
	if err != nil {
		c.log.WithError(err).WithField("image_id", key.ImageID).Warn("Failed to persist feature vector")
	}
}

// withCause attaches the corruption that forced a recompute to the
// recompute's own error.
func withCause(err, cause error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		wrapped := *appErr
		wrapped.Cause = errors.Join(appErr.Cause, cause)
		return &wrapped
	}
	return errors.Join(err, cause)
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Computes:    c.computes.Load(),
		Evictions:   c.evictions.Load(),
		Corruptions: c.corruptions.Load(),
		StoreHits:   c.storeHits.Load(),
		Entries:     c.mem.len(),
	}
}

// Invalidate removes the entry for (img, cfg) from memory and from the
// store.
func (c *Cache) Invalidate(ctx context.Context, img *imaging.Image, cfg *extractor.PipelineConfig) error {
	key := c.key(img, cfg)
	c.mem.remove(key)
	if c.store == nil {
		return nil
	}
	return c.store.Delete(ctx, key)
}

// Purge drops every in-memory entry. Persisted records are kept.
func (c *Cache) Purge() {
	c.mem.purge()
}
