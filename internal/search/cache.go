package search

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"musehub/searchservice/internal/domain"
	"musehub/searchservice/internal/metrics"
)

const (
	defaultCacheTTL        = 30 * time.Minute
	defaultCacheMaxEntries = 256
)

// ErrStoreFull signals storage pressure; the cache responds by sweeping the
// oldest half of all entries and retrying the write once.
var ErrStoreFull = errors.New("cache store is full")

// Store is the persistent key-value backend behind the caches. Values are
// opaque bytes; expiry is enforced by the cache layer on read, the ttl is a
// hint for backends with native expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

func searchCacheKey(query string, source domain.SourceID) string {
	return "search|" + string(source) + "|" + NormalizeQuery(query)
}

func itemCacheKey(source domain.SourceID, id string) string {
	return "item|" + string(source) + "|" + id
}

// ResultCache holds one completed fetch per (query, source). Writes replace
// whole entries; the last writer for a key wins.
type ResultCache struct {
	store Store
	ttl   time.Duration
}

func NewResultCache(store Store, ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &ResultCache{store: store, ttl: ttl}
}

func (c *ResultCache) TTL() time.Duration {
	if c == nil {
		return 0
	}
	return c.ttl
}

// Get returns the unexpired entry for (query, source). An expired entry is
// deleted as a side effect, so a second call after expiry behaves the same.
// Store errors count as a miss, never as a failure.
func (c *ResultCache) Get(ctx context.Context, query string, source domain.SourceID) (domain.CacheEntry, bool) {
	if c == nil || c.store == nil {
		return domain.CacheEntry{}, false
	}
	key := searchCacheKey(query, source)
	data, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		metrics.CacheMissesTotal.Inc()
		return domain.CacheEntry{}, false
	}
	var entry domain.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		_ = c.store.Delete(ctx, key)
		metrics.CacheMissesTotal.Inc()
		return domain.CacheEntry{}, false
	}
	if entry.Expired(time.Now(), c.ttl) {
		_ = c.store.Delete(ctx, key)
		metrics.CacheEvictionsTotal.WithLabelValues("expired").Inc()
		metrics.CacheMissesTotal.Inc()
		return domain.CacheEntry{}, false
	}
	metrics.CacheHitsTotal.Inc()
	return entry, true
}

// Put stores the entry, sweeping and retrying once under storage pressure.
func (c *ResultCache) Put(ctx context.Context, entry domain.CacheEntry) error {
	if c == nil || c.store == nil {
		return nil
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	entry.Query = NormalizeQuery(entry.Query)
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := searchCacheKey(entry.Query, entry.Source)
	err = c.store.Set(ctx, key, data, c.ttl)
	if errors.Is(err, ErrStoreFull) {
		sweepOldestHalf(ctx, c.store)
		err = c.store.Set(ctx, key, data, c.ttl)
	}
	return err
}

// Evict removes the entries for one query across the given sources. Used by
// the session's explicit refresh action.
func (c *ResultCache) Evict(ctx context.Context, query string, sources ...domain.SourceID) {
	if c == nil || c.store == nil {
		return
	}
	for _, source := range sources {
		if err := c.store.Delete(ctx, searchCacheKey(query, source)); err == nil {
			metrics.CacheEvictionsTotal.WithLabelValues("refresh").Inc()
		}
	}
}

// LookupResponse serves a whole search from cache. It only hits when every
// requested source has an unexpired entry, so the caller is never handed a
// partial merge with no fetch running behind it.
func (c *ResultCache) LookupResponse(ctx context.Context, query string, sources []domain.SourceID) (domain.SearchResponse, bool) {
	if c == nil || c.store == nil || len(sources) == 0 {
		return domain.SearchResponse{}, false
	}

	entries := make([]domain.CacheEntry, 0, len(sources))
	for _, source := range sources {
		entry, ok := c.Get(ctx, query, source)
		if !ok {
			return domain.SearchResponse{}, false
		}
		entries = append(entries, entry)
	}

	seen := make(map[string]struct{})
	items := make([]domain.ResultItem, 0)
	statuses := make([]domain.SourceStatus, 0, len(entries))
	total := 0
	for _, entry := range entries {
		total += entry.Total
		for _, item := range entry.Items {
			key := item.Key()
			if _, exists := seen[key]; exists {
				continue
			}
			seen[key] = struct{}{}
			items = append(items, item)
		}
		statuses = append(statuses, domain.SourceStatus{
			Source:    entry.Source,
			OK:        true,
			Total:     entry.Total,
			Count:     len(entry.Items),
			FromCache: true,
		})
	}

	return domain.SearchResponse{
		Query:     NormalizeQuery(query),
		Items:     items,
		Total:     total,
		Sources:   statuses,
		FromCache: true,
		Phase:     domain.PhaseComplete,
		Final:     true,
	}, true
}

// StoreResponse writes one entry per contributing source from a completed
// search. Only successful non-empty source results are persisted; responses
// that were themselves served from cache are left alone.
func (c *ResultCache) StoreResponse(ctx context.Context, response domain.SearchResponse) {
	if c == nil || c.store == nil || response.FromCache {
		return
	}

	bySource := make(map[domain.SourceID][]domain.ResultItem)
	for _, item := range response.Items {
		bySource[item.Source] = append(bySource[item.Source], item)
	}

	for _, status := range response.Sources {
		if !status.OK || status.Count == 0 {
			continue
		}
		items := bySource[status.Source]
		if len(items) == 0 {
			continue
		}
		entry := domain.CacheEntry{
			Query:  response.Query,
			Source: status.Source,
			Total:  status.Total,
			Items:  items,
		}
		if err := c.Put(ctx, entry); err != nil {
			slog.Warn("cache store failed",
				slog.String("query", response.Query),
				slog.String("source", string(status.Source)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ItemCache holds record details per (source, id), independent of any search
// session.
type ItemCache struct {
	store Store
	ttl   time.Duration
}

type cachedItem struct {
	Item      domain.ResultItem `json:"item"`
	Timestamp int64             `json:"timestamp"`
}

func NewItemCache(store Store, ttl time.Duration) *ItemCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &ItemCache{store: store, ttl: ttl}
}

func (c *ItemCache) Get(ctx context.Context, source domain.SourceID, id string) (*domain.ResultItem, bool) {
	if c == nil || c.store == nil {
		return nil, false
	}
	key := itemCacheKey(source, id)
	data, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	var cached cachedItem
	if err := json.Unmarshal(data, &cached); err != nil {
		_ = c.store.Delete(ctx, key)
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	if time.Now().UnixMilli()-cached.Timestamp > c.ttl.Milliseconds() {
		_ = c.store.Delete(ctx, key)
		metrics.CacheEvictionsTotal.WithLabelValues("expired").Inc()
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	metrics.CacheHitsTotal.Inc()
	item := cached.Item
	return &item, true
}

func (c *ItemCache) Put(ctx context.Context, item domain.ResultItem) error {
	if c == nil || c.store == nil {
		return nil
	}
	data, err := json.Marshal(cachedItem{Item: item, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	key := itemCacheKey(item.Source, item.ID)
	err = c.store.Set(ctx, key, data, c.ttl)
	if errors.Is(err, ErrStoreFull) {
		sweepOldestHalf(ctx, c.store)
		err = c.store.Set(ctx, key, data, c.ttl)
	}
	return err
}

// sweepOldestHalf discards the oldest half of all entries across every
// namespace, oldest-by-timestamp first. Entries that fail to decode are
// removed outright.
func sweepOldestHalf(ctx context.Context, store Store) {
	keys, err := store.Keys(ctx)
	if err != nil || len(keys) == 0 {
		return
	}

	type aged struct {
		key       string
		timestamp int64
	}
	entries := make([]aged, 0, len(keys))
	for _, key := range keys {
		data, ok, err := store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var stamp struct {
			Timestamp int64 `json:"timestamp"`
		}
		if err := json.Unmarshal(data, &stamp); err != nil {
			_ = store.Delete(ctx, key)
			continue
		}
		entries = append(entries, aged{key: key, timestamp: stamp.Timestamp})
	}
	if len(entries) == 0 {
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].timestamp < entries[j].timestamp
	})

	drop := len(entries) / 2
	if drop == 0 {
		drop = 1
	}
	for _, entry := range entries[:drop] {
		if err := store.Delete(ctx, entry.key); err == nil {
			metrics.CacheEvictionsTotal.WithLabelValues("sweep").Inc()
		}
	}
	slog.Debug("cache sweep complete", slog.Int("dropped", drop), slog.Int("kept", len(entries)-drop))
}
