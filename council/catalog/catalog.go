// Copyright 2025 Conclave
// SPDX-License-Identifier: Apache-2.0

// Package catalog caches the provider's model listing so the picker UI and
// config validation never hit the provider on every request.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"conclave/platform/shared/logger"
)

const (
	// DefaultEndpoint is the OpenRouter model listing endpoint.
	DefaultEndpoint = "https://openrouter.ai/api/v1/models"

	// DefaultTTL matches the upstream guidance of refreshing the catalog
	// roughly once a day.
	DefaultTTL = 24 * time.Hour

	redisKey = "catalog:models"
)

// Model is one entry in the provider catalog, reduced to the fields the
// picker UI needs.
type Model struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	ContextLength int     `json:"context_length"`
	PromptPrice   float64 `json:"prompt_price"`
	CompletePrice float64 `json:"completion_price"`
}

// listResponse mirrors the provider's wire shape.
type listResponse struct {
	Data []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		ContextLength int    `json:"context_length"`
		Pricing       struct {
			Prompt     string `json:"prompt"`
			Completion string `json:"completion"`
		} `json:"pricing"`
	} `json:"data"`
}

// Cache serves the provider model catalog with a TTL. Fresh entries are
// served from memory; when a Redis client is configured the fetched catalog
// is also mirrored there so sibling instances can warm up without hitting
// the provider. Redis being down never fails a request.
type Cache struct {
	endpoint string
	apiKey   string
	ttl      time.Duration
	client   *http.Client
	rdb      *redis.Client
	now      func() time.Time
	log      *logger.Logger

	mu        sync.Mutex
	models    []Model
	fetchedAt time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithEndpoint overrides the provider listing URL.
func WithEndpoint(endpoint string) Option {
	return func(c *Cache) { c.endpoint = endpoint }
}

// WithTTL overrides the cache lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) { c.client = client }
}

// WithRedis adds a shared Redis tier. Nil is allowed and means memory only.
func WithRedis(rdb *redis.Client) Option {
	return func(c *Cache) { c.rdb = rdb }
}

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a catalog cache. The API key may be empty; the listing
// endpoint is public.
func NewCache(apiKey string, opts ...Option) *Cache {
	c := &Cache{
		endpoint: DefaultEndpoint,
		apiKey:   apiKey,
		ttl:      DefaultTTL,
		client:   &http.Client{Timeout: 30 * time.Second},
		now:      time.Now,
		log:      logger.New("catalog"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// List returns the model catalog. force bypasses both cache tiers. The
// second return reports whether the result came from a cache rather than a
// live provider call. When a refresh fails but a stale copy exists, the
// stale copy is served.
func (c *Cache) List(ctx context.Context, force bool) ([]Model, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force {
		if c.models != nil && c.now().Sub(c.fetchedAt) < c.ttl {
			return c.models, true, nil
		}
		if models := c.fromRedis(ctx); models != nil {
			c.models = models
			c.fetchedAt = c.now()
			return models, true, nil
		}
	}

	models, err := c.fetch(ctx)
	if err != nil {
		if c.models != nil {
			c.log.Warn("", "", "catalog refresh failed, serving stale copy", map[string]interface{}{
				"error": err.Error(),
				"age":   c.now().Sub(c.fetchedAt).String(),
			})
			return c.models, true, nil
		}
		return nil, false, err
	}

	c.models = models
	c.fetchedAt = c.now()
	c.toRedis(ctx, models)
	return models, false, nil
}

func (c *Cache) fetch(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building catalog request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching model catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("model catalog returned status %d: %s", resp.StatusCode, string(body))
	}

	var wire listResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decoding model catalog: %w", err)
	}

	models := make([]Model, 0, len(wire.Data))
	for _, m := range wire.Data {
		entry := Model{
			ID:            m.ID,
			Name:          m.Name,
			ContextLength: m.ContextLength,
		}
		// Prices arrive as decimal strings; unparseable ones stay zero.
		entry.PromptPrice, _ = strconv.ParseFloat(m.Pricing.Prompt, 64)
		entry.CompletePrice, _ = strconv.ParseFloat(m.Pricing.Completion, 64)
		models = append(models, entry)
	}
	return models, nil
}

// fromRedis loads the shared copy. Any failure means a cache miss.
func (c *Cache) fromRedis(ctx context.Context) []Model {
	if c.rdb == nil {
		return nil
	}
	raw, err := c.rdb.Get(ctx, redisKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("", "", "redis catalog read failed", map[string]interface{}{"error": err.Error()})
		}
		return nil
	}
	var models []Model
	if err := json.Unmarshal(raw, &models); err != nil {
		c.log.Warn("", "", "redis catalog entry corrupt, discarding", map[string]interface{}{"error": err.Error()})
		return nil
	}
	return models
}

// toRedis mirrors a freshly fetched catalog. Best effort.
func (c *Cache) toRedis(ctx context.Context, models []Model) {
	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(models)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, redisKey, raw, c.ttl).Err(); err != nil {
		c.log.Warn("", "", "redis catalog write failed", map[string]interface{}{"error": err.Error()})
	}
}
