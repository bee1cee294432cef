package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"pointcloud-api/domain"
)

type registryBackend interface {
	ListFiles(ctx context.Context, projectID string, status domain.FileStatus, page, size int) ([]domain.PointCloudFile, int, error)
	ProjectStats(ctx context.Context, projectID string) (*domain.ProjectStats, error)
	InsertFile(ctx context.Context, f *domain.PointCloudFile) error
	SoftDelete(ctx context.Context, projectID, fileID string) (bool, error)
}

// Cache wraps a Registry with Redis-backed caching for the listing and
// stats reads. Single-file reads stay uncached so status polling sees
// every transition immediately.
type Cache struct {
	*Registry
	base  registryBackend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Registry wrapper using the provided Redis
// client and TTL.
func NewCache(base registryBackend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base registry is nil")
	}
	if ttl < 0 {
		ttl = 0
	}

	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if r, ok := base.(*Registry); ok {
		c.Registry = r
	}
	return c
}

type cachedListing struct {
	Items []domain.PointCloudFile `json:"items"`
	Total int                     `json:"total"`
}

func (c *Cache) ListFiles(ctx context.Context, projectID string, status domain.FileStatus, page, size int) ([]domain.PointCloudFile, int, error) {
	key := listingCacheKey(projectID, status, page, size)
	if listing, ok := c.loadListing(ctx, key); ok {
		return listing.Items, listing.Total, nil
	}

	items, total, err := c.base.ListFiles(ctx, projectID, status, page, size)
	if err != nil {
		return nil, 0, err
	}

	c.storeListing(ctx, key, cachedListing{Items: items, Total: total})
	return items, total, nil
}

func (c *Cache) ProjectStats(ctx context.Context, projectID string) (*domain.ProjectStats, error) {
	if stats, ok := c.loadStats(ctx, projectID); ok {
		return stats, nil
	}

	stats, err := c.base.ProjectStats(ctx, projectID)
	if err != nil {
		return nil, err
	}

	c.storeStats(ctx, projectID, stats)
	return stats, nil
}

func (c *Cache) InsertFile(ctx context.Context, f *domain.PointCloudFile) error {
	if err := c.base.InsertFile(ctx, f); err != nil {
		return err
	}

	c.Invalidate(ctx, f.ProjectID)
	return nil
}

func (c *Cache) SoftDelete(ctx context.Context, projectID, fileID string) (bool, error) {
	ok, err := c.base.SoftDelete(ctx, projectID, fileID)
	if err != nil {
		return ok, err
	}

	c.Invalidate(ctx, projectID)
	return ok, nil
}

// Invalidate drops every cached read for the project. Writers that reach
// the registry directly call this once their change is committed.
func (c *Cache) Invalidate(ctx context.Context, projectID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, statsCacheKey(projectID)).Err()
	iter := c.redis.Scan(ctx, 0, listingCachePrefix(projectID)+"*", 64).Iterator()
	for iter.Next(ctx) {
		_ = c.redis.Del(ctx, iter.Val()).Err()
	}
	_ = iter.Err()
}

func (c *Cache) loadListing(ctx context.Context, key string) (cachedListing, bool) {
	if c.redis == nil {
		return cachedListing{}, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the registry without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return cachedListing{}, false
	}
	var listing cachedListing
	if err := json.Unmarshal(data, &listing); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return cachedListing{}, false
	}
	return listing, true
}

func (c *Cache) storeListing(ctx context.Context, key string, listing cachedListing) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(listing)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func (c *Cache) loadStats(ctx context.Context, projectID string) (*domain.ProjectStats, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, statsCacheKey(projectID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, statsCacheKey(projectID)).Err()
		}
		return nil, false
	}
	var stats domain.ProjectStats
	if err := json.Unmarshal(data, &stats); err != nil {
		_ = c.redis.Del(ctx, statsCacheKey(projectID)).Err()
		return nil, false
	}
	return &stats, true
}

func (c *Cache) storeStats(ctx context.Context, projectID string, stats *domain.ProjectStats) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, statsCacheKey(projectID), data, c.ttl).Err()
}

func listingCachePrefix(projectID string) string {
	return "files:" + projectID + ":"
}

func listingCacheKey(projectID string, status domain.FileStatus, page, size int) string {
	return listingCachePrefix(projectID) + string(status) + ":" + strconv.Itoa(page) + ":" + strconv.Itoa(size)
}

func statsCacheKey(projectID string) string {
	return "stats:" + projectID
}
