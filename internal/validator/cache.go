package validator

import (
	"github.com/dgraph-io/ristretto/v2"

	"agent-engine/internal/domain"
)

// Cache memoizes validation results keyed by (content hash, policy version).
// A policy version bump changes every key, so stale results age out on their
// own; nothing is invalidated in place.
type Cache struct {
	c *ristretto.Cache[string, domain.ValidationResult]
}

// NewCache creates a result cache holding up to maxEntries results.
func NewCache(maxEntries int64) (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, domain.ValidationResult]{
		NumCounters: maxEntries * 10, // ~10x expected items
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get returns the cached result for a (hash, policy version) pair.
func (c *Cache) Get(hash, policyVersion string) (domain.ValidationResult, bool) {
	return c.c.Get(cacheKey(hash, policyVersion))
}

// Put stores a result under its own hash and policy version.
func (c *Cache) Put(res domain.ValidationResult) {
	c.c.Set(cacheKey(res.CodeHash, res.PolicyVersion), res, 1)
}

// Close releases the cache's internal goroutines.
func (c *Cache) Close() {
	c.c.Close()
}

func cacheKey(hash, policyVersion string) string {
	return hash + ":" + policyVersion
}
