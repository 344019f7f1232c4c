package clients

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/promptforge/teleprompt/internal/clients/cache"
)

// CachingLM decorates a BaseLM with an in-process LRU response cache and
// an optional persistent disk tier. Keys hash the full request shape, so
// a temperature change is a different entry.
type CachingLM struct {
	inner  BaseLM
	memory *lru.Cache[string, *Response]
	disk   *cache.DiskCache
}

// NewCachingLM wraps inner with an LRU of the given size. disk may be nil.
func NewCachingLM(inner BaseLM, size int, disk *cache.DiskCache) (*CachingLM, error) {
	memory, err := lru.New[string, *Response](size)
	if err != nil {
		return nil, err
	}
	return &CachingLM{
		inner:  inner,
		memory: memory,
		disk:   disk,
	}, nil
}

// cacheKey derives a stable key from the request contents.
func (c *CachingLM) cacheKey(request *Request) string {
	payload, _ := json.Marshal(map[string]interface{}{
		"model":       c.inner.Name(),
		"messages":    request.Messages,
		"temperature": request.Temperature,
		"max_tokens":  request.MaxTokens,
		"stop":        request.StopSequences,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Call implements BaseLM.Call.
func (c *CachingLM) Call(ctx context.Context, request *Request) (*Response, error) {
	key := c.cacheKey(request)

	if resp, ok := c.memory.Get(key); ok {
		return resp, nil
	}

	if c.disk != nil {
		if data, ok, err := c.disk.Get(key); err == nil && ok {
			var resp Response
			if err := cache.Unmarshal(data, &resp); err == nil {
				c.memory.Add(key, &resp)
				return &resp, nil
			}
		}
	}

	resp, err := c.inner.Call(ctx, request)
	if err != nil {
		return nil, err
	}

	c.memory.Add(key, resp)
	if c.disk != nil {
		if data, err := cache.Marshal(resp); err == nil {
			_ = c.disk.Set(key, data)
		}
	}
	return resp, nil
}

// Name implements BaseLM.Name.
func (c *CachingLM) Name() string {
	return c.inner.Name()
}

// Provider implements BaseLM.Provider.
func (c *CachingLM) Provider() string {
	return c.inner.Provider()
}
