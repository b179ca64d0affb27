package hasher

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"privacyvaults/vault-core/field"
)

type cacheKey struct {
	arity int
	a, b  field.Element
}

// Cached memoizes another Hasher. Zero-subtree precomputation and proof
// extraction hash the same pairs over and over, which is what this is for.
type Cached struct {
	next  Hasher
	cache *lru.Cache[cacheKey, field.Element]
}

func NewCached(next Hasher, size int) (*Cached, error) {
	cache, err := lru.New[cacheKey, field.Element](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create hash cache: %w", err)
	}
	return &Cached{next: next, cache: cache}, nil
}

func (c *Cached) Hash(ctx context.Context, inputs ...field.Element) (field.Element, error) {
	if len(inputs) < 1 || len(inputs) > 2 {
		return c.next.Hash(ctx, inputs...)
	}
	key := cacheKey{arity: len(inputs), a: inputs[0]}
	if len(inputs) == 2 {
		key.b = inputs[1]
	}
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	v, err := c.next.Hash(ctx, inputs...)
	if err != nil {
		return field.Zero, err
	}
	c.cache.Add(key, v)
	return v, nil
}

func (c *Cached) Len() int {
	return c.cache.Len()
}
