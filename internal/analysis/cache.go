package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"docpipe/internal/metrics"
	"docpipe/internal/models"
)

// Cache keys scoring results by a version tag plus normalized inputs. Bumping
// the version tag moves every key into a fresh, disjoint key space, so results
// computed under older scoring logic become unreachable without any explicit
// purge; once nothing reads them they simply age out via the idle-TTL sweep.
type Cache struct {
	scorer  Scorer
	version string
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group
}

type entry struct {
	result     Result
	lastAccess time.Time
}

// NewCache creates an analysis cache in front of the given scorer.
func NewCache(scorer Scorer, version string, ttl time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Cache {
	return &Cache{
		scorer:  scorer,
		version: version,
		ttl:     ttl,
		metrics: m,
		logger:  logger.With().Str("component", "analysis_cache").Logger(),
		entries: make(map[string]*entry),
	}
}

// Key derives the deterministic cache key for a request under the cache's
// current version tag.
func (c *Cache) Key(req Request) string {
	normalized := struct {
		Version      string   `json:"version"`
		Digests      []string `json:"digests"`
		AskingPrice  int64    `json:"asking_price"`
		BuyerProfile string   `json:"buyer_profile"`
	}{
		Version:      c.version,
		Digests:      append([]string(nil), req.DocumentDigests...),
		AskingPrice:  req.AskingPrice,
		BuyerProfile: strings.ToLower(strings.TrimSpace(req.BuyerProfile)),
	}
	sort.Strings(normalized.Digests)

	// Field order is fixed by the struct, so the encoding is canonical.
	data, _ := json.Marshal(normalized)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// LookupOrCompute returns the cached result for the request, or invokes the
// scorer exactly once per key. Concurrent callers for the same key wait on a
// single in-flight computation and all receive its result. Scorer failures are
// surfaced to the caller and never stored, so a later call retries.
func (c *Cache) LookupOrCompute(ctx context.Context, req Request) (Result, error) {
	key := c.Key(req)

	if res, ok := c.lookup(key); ok {
		c.metrics.IncrementCacheHits()
		return res, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent caller may have stored the entry between our lookup
		// and joining the flight.
		if res, ok := c.lookup(key); ok {
			return res, nil
		}

		c.metrics.IncrementCacheMisses()
		res, err := c.scorer.Score(ctx, req)
		if err != nil {
			return Result{}, models.NewError(models.ErrCacheCompute, "risk scoring failed", err)
		}

		now := time.Now()
		c.mu.Lock()
		c.entries[key] = &entry{result: res, lastAccess: now}
		c.mu.Unlock()

		c.logger.Debug().Str("key", key).Msg("stored analysis result")
		return res, nil
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (c *Cache) lookup(key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}
	now := time.Now()
	if c.ttl > 0 && now.Sub(e.lastAccess) > c.ttl {
		delete(c.entries, key)
		return Result{}, false
	}
	e.lastAccess = now
	return e.result, true
}

// Sweep evicts entries idle for longer than the TTL and returns the eviction
// count. Hits refresh lastAccess, so a hot entry outlives its creation time.
func (c *Cache) Sweep(now time.Time) int {
	if c.ttl <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key, e := range c.entries {
		if now.Sub(e.lastAccess) > c.ttl {
			delete(c.entries, key)
			evicted++
		}
	}
	if evicted > 0 {
		c.metrics.AddCacheEvictions(evicted)
	}
	return evicted
}

// RunSweeper evicts expired entries at the given interval until the context
// is done.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(time.Now()); n > 0 {
				c.logger.Info().Int("evicted", n).Msg("analysis cache sweep")
			}
		}
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// DigestDocument computes the content digest used to identify a document in
// cache keys.
func DigestDocument(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("sha256:%s", hex.EncodeToString(sum[:]))
}
