package geocoder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/Rafael-2109/frete-sistema-sub020/internal/integrations/geocode"
)

// Geocoder wraps the external geocoding collaborator with address
// normalization and a process-local cache. Addresses do not move, so
// entries never expire; a cold cache after restart is fine.
type Geocoder struct {
	client      geocode.Client
	countryHint string
	timeout     time.Duration

	cache *resultCache
}

func New(client geocode.Client, countryHint string, timeout time.Duration, cacheSize int) *Geocoder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Geocoder{
		client:      client,
		countryHint: countryHint,
		timeout:     timeout,
		cache:       newResultCache(cacheSize),
	}
}

// Resolve returns coordinates for a free-text address. Errors are the
// collaborator's domain split: models.ErrNotFound (definitive) or
// models.ErrProviderUnavailable (retryable). NotFound не кэшируем:
// адрес могут поправить и повторить.
func (g *Geocoder) Resolve(ctx context.Context, address string) (geocode.Result, error) {
	key := CacheKey(address)
	if res, ok := g.cache.get(key); ok {
		return res, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	res, err := g.client.Resolve(ctx, NormalizeAddress(address), g.countryHint)
	if err != nil {
		return geocode.Result{}, err
	}

	g.cache.put(key, res)
	return res, nil
}

func (g *Geocoder) CacheLen() int { return g.cache.len() }

// NormalizeAddress folds case and collapses whitespace so that trivially
// different spellings share a cache entry.
func NormalizeAddress(address string) string {
	return strings.Join(strings.Fields(strings.ToLower(address)), " ")
}

func CacheKey(address string) string {
	sum := sha256.Sum256([]byte(NormalizeAddress(address)))
	return hex.EncodeToString(sum[:])
}

// resultCache is a bounded FIFO map owned by one Geocoder instance.
// Плоская карта с порядком вставки: проще LRU, и для адресов достаточно.
type resultCache struct {
	mu    sync.Mutex
	max   int
	order []string
	m     map[string]geocode.Result
}

func newResultCache(max int) *resultCache {
	if max <= 0 {
		max = 10_000
	}
	return &resultCache{max: max, m: make(map[string]geocode.Result, max)}
}

func (c *resultCache) get(key string) (geocode.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.m[key]
	return res, ok
}

func (c *resultCache) put(key string, res geocode.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.m[key]; ok {
		c.m[key] = res
		return
	}
	for len(c.m) >= c.max && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.m, oldest)
	}
	c.m[key] = res
	c.order = append(c.order, key)
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
