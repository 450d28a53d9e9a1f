package classifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelmux/modelmux/internal/infrastructure/cache"
)

// CachedClient fronts Client with the durable read-through cache so repeated
// classification requests answer from cache while a background refresh keeps
// entries current.
type CachedClient struct {
	client *Client
	tiers  *cache.TwoTier
}

// NewCachedClient wraps client with tiers.
func NewCachedClient(client *Client, tiers *cache.TwoTier) *CachedClient {
	return &CachedClient{client: client, tiers: tiers}
}

// Enabled reports whether the underlying service is configured.
func (c *CachedClient) Enabled() bool { return c.client.Enabled() }

// ClassifyModels classifies the full model list, serving from cache when a
// fresh entry exists for this user. The second return reports a cache hit.
func (c *CachedClient) ClassifyModels(ctx context.Context, userID string, list *LoadedModelList) (*ClassifiedModelResponse, bool, error) {
	return c.cached(ctx, userID, "classified-models", func(ctx context.Context) (*ClassifiedModelResponse, error) {
		return c.client.ClassifyModels(ctx, list)
	})
}

// ClassifyModelsWithCriteria is the criteria-filtered variant; the cache key
// incorporates the criteria fingerprint.
func (c *CachedClient) ClassifyModelsWithCriteria(ctx context.Context, userID string, criteria *ClassificationCriteria) (*ClassifiedModelResponse, bool, error) {
	key := "classified-criteria-" + cache.GenerateKey(criteria)
	return c.cached(ctx, userID, key, func(ctx context.Context) (*ClassifiedModelResponse, error) {
		return c.client.ClassifyModelsWithCriteria(ctx, criteria)
	})
}

func (c *CachedClient) cached(ctx context.Context, userID, key string, fetch func(context.Context) (*ClassifiedModelResponse, error)) (*ClassifiedModelResponse, bool, error) {
	payload, hit, err := c.tiers.GetOrFetch(ctx, userID, key, func(ctx context.Context) ([]byte, error) {
		resp, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})
	if err != nil {
		return nil, false, err
	}

	var resp ClassifiedModelResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, false, fmt.Errorf("decode cached classification: %w", err)
	}
	return &resp, hit, nil
}
