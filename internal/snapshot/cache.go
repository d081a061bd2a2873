// Package snapshot serves point-in-time quote snapshots.
//
// Reads go to Redis first (ltp:<instrumentKey>, JSON, short TTL). Misses
// are fetched from the broker REST API behind singleflight, so a burst of
// identical snapshot requests costs one upstream call. Fetched quotes are
// written back fire-and-forget with a jittered TTL to avoid synchronized
// expiry stampedes. The live tick stream also writes through, keeping the
// cache warm for hot symbols.
package snapshot

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"papertrade/internal/config"
	"papertrade/internal/metrics"
	"papertrade/pkg/types"
)

const (
	keyPrefix       = "ltp:"
	prevClosePrefix = "prevclose:"
	writeQueueSlots = 1024
)

// QuoteFetcher pulls quotes from the broker on a cache miss.
type QuoteFetcher interface {
	GetQuotes(ctx context.Context, keys []string) (map[string]types.QuoteRecord, error)
}

// redisAPI is the slice of go-redis the cache uses. *redis.Client satisfies it.
type redisAPI interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Cache is the snapshot read path.
type Cache struct {
	rdb     redisAPI
	fetcher QuoteFetcher
	ttl     time.Duration
	jitter  time.Duration
	sf      singleflight.Group
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	writes chan map[string]types.QuoteRecord
	done   chan struct{}
}

// New creates a snapshot cache backed by rdb, filling misses via fetcher.
// A single write-behind worker persists ticks and fetched quotes, so a hot
// feed never spawns a goroutine per tick.
func New(rdb redisAPI, fetcher QuoteFetcher, cfg config.RedisConfig, logger *slog.Logger) *Cache {
	c := &Cache{
		rdb:     rdb,
		fetcher: fetcher,
		ttl:     cfg.TTL,
		jitter:  cfg.TTLJitter,
		logger:  logger.With("component", "snapshot"),
		writes:  make(chan map[string]types.QuoteRecord, writeQueueSlots),
		done:    make(chan struct{}),
	}
	go c.writer()
	return c
}

// Close stops the write-behind worker after draining queued writes.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.writes)
	c.mu.Unlock()
	<-c.done
}

// GetSnapshot returns quotes for the given canonical keys. Cached entries
// are served as-is; the rest are fetched in one broker call. Symbols the
// broker does not know are simply absent from the result.
func (c *Cache) GetSnapshot(ctx context.Context, keys []string) (map[string]types.QuoteRecord, error) {
	out := make(map[string]types.QuoteRecord, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = keyPrefix + k
	}

	var missing []string
	vals, err := c.rdb.MGet(ctx, redisKeys...).Result()
	if err != nil {
		// Redis being down degrades to broker-only reads.
		c.logger.Warn("snapshot cache read failed", "error", err)
		missing = keys
	} else {
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				missing = append(missing, keys[i])
				metrics.CacheMisses.Inc()
				continue
			}
			var rec types.QuoteRecord
			if err := json.Unmarshal([]byte(s), &rec); err != nil {
				missing = append(missing, keys[i])
				metrics.CacheMisses.Inc()
				continue
			}
			out[keys[i]] = rec
			metrics.CacheHits.Inc()
		}
	}

	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := c.fetchMissing(ctx, missing)
	if err != nil {
		if len(out) > 0 {
			// Partial result beats an error when the cache had some symbols.
			c.logger.Warn("snapshot fetch failed, serving partial", "missing", len(missing), "error", err)
			return out, nil
		}
		return nil, err
	}
	for k, rec := range fetched {
		out[k] = rec
	}
	return out, nil
}

// fetchMissing collapses concurrent identical fetches into one broker call.
func (c *Cache) fetchMissing(ctx context.Context, missing []string) (map[string]types.QuoteRecord, error) {
	sorted := append([]string(nil), missing...)
	sort.Strings(sorted)
	sum := sha1.Sum([]byte(strings.Join(sorted, ",")))
	sfKey := "snapshot:" + hex.EncodeToString(sum[:])

	metrics.SnapshotInflight.Inc()
	defer metrics.SnapshotInflight.Dec()

	v, err, shared := c.sf.Do(sfKey, func() (interface{}, error) {
		quotes, err := c.fetcher.GetQuotes(ctx, sorted)
		if err != nil {
			return nil, err
		}
		c.writeBack(quotes)
		return quotes, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		metrics.SingleflightHits.Inc()
	}
	return v.(map[string]types.QuoteRecord), nil
}

// StoreTick write-through from the live feed. Fire-and-forget.
func (c *Cache) StoreTick(tick types.NormalizedTick) {
	rec := types.QuoteRecord{
		InstrumentKey: tick.InstrumentKey,
		Symbol:        tick.Symbol,
		Price:         tick.Price,
		PrevClose:     tick.PrevClose,
		Timestamp:     tick.Timestamp,
	}
	if tick.PrevClose > 0 {
		rec.Change = tick.Price - tick.PrevClose
		rec.ChangePct = rec.Change / tick.PrevClose * 100
	}
	c.writeBack(map[string]types.QuoteRecord{tick.InstrumentKey: rec})
}

// writeBack hands quotes to the write-behind worker. Fire-and-forget: a
// full queue drops the batch rather than stall the feed.
func (c *Cache) writeBack(quotes map[string]types.QuoteRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.writes <- quotes:
	default:
		c.logger.Debug("snapshot write queue full, dropping batch")
	}
}

func (c *Cache) writer() {
	defer close(c.done)
	for quotes := range c.writes {
		c.persist(quotes)
	}
}

// persist writes quotes with a jittered TTL, plus a prevclose:<key> entry
// alongside each quote that carries a previous close.
func (c *Cache) persist(quotes map[string]types.QuoteRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for k, rec := range quotes {
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		ttl := c.ttl
		if c.jitter > 0 {
			ttl += time.Duration(rand.Int63n(int64(c.jitter)))
		}
		if err := c.rdb.Set(ctx, keyPrefix+k, data, ttl).Err(); err != nil {
			c.logger.Debug("snapshot writeback failed", "symbol", k, "error", err)
			return
		}
		if rec.PrevClose > 0 {
			val := strconv.FormatFloat(rec.PrevClose, 'f', -1, 64)
			if err := c.rdb.Set(ctx, prevClosePrefix+k, val, ttl).Err(); err != nil {
				c.logger.Debug("prevclose writeback failed", "symbol", k, "error", err)
				return
			}
		}
	}
}
