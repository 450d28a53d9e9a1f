package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/modelmux/modelmux/pkg/safego"
	"go.uber.org/zap"
)

// DefaultDurableTTL is how long durable entries stay fresh.
const DefaultDurableTTL = 3600 * time.Second

// AnonymousUser is the shared cache partition for unauthenticated callers.
const AnonymousUser = "anonymous"

// refreshTimeout bounds the background upstream call made after serving a
// cached response.
const refreshTimeout = 30 * time.Second

// TwoTierConfig tunes the durable read-through cache.
type TwoTierConfig struct {
	Enabled bool
	TTL     time.Duration
}

// TwoTier fronts a durable store with a stale-while-revalidate policy: cache
// hits answer the caller immediately and refresh in the background; misses
// fetch synchronously and write back in the background. Payloads are stored
// gzip-compressed with a SHA-256 hash of the uncompressed bytes so refreshes
// only rewrite entries whose content actually changed.
type TwoTier struct {
	store   Store
	ttl     time.Duration
	enabled bool
	logger  *zap.Logger
}

// NewTwoTier wraps store with the read-through policy.
func NewTwoTier(store Store, cfg TwoTierConfig, logger *zap.Logger) *TwoTier {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultDurableTTL
	}
	return &TwoTier{
		store:   store,
		ttl:     ttl,
		enabled: cfg.Enabled && store != nil,
		logger:  logger.With(zap.String("component", "two-tier-cache")),
	}
}

// Enabled reports whether caching is active. When disabled, GetOrFetch
// forwards to the fetch function synchronously.
func (t *TwoTier) Enabled() bool { return t.enabled }

// GetOrFetch returns the payload for <userID>:<key>, following the
// read-through policy. The second return value reports whether the payload
// came from cache.
func (t *TwoTier) GetOrFetch(ctx context.Context, userID, key string, fetch func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	if !t.enabled {
		payload, err := fetch(ctx)
		return payload, false, err
	}

	if userID == "" {
		userID = AnonymousUser
	}
	fullKey := userID + ":" + key

	e, err := t.store.Get(ctx, fullKey)
	if err != nil {
		t.logger.Warn("Durable cache read failed", zap.String("key", fullKey), zap.Error(err))
		e = nil
	}

	if e != nil && time.Now().Before(e.ExpiresAt) {
		payload, err := decodePayload(e)
		if err != nil {
			t.logger.Warn("Durable cache entry unreadable, refetching", zap.String("key", fullKey), zap.Error(err))
		} else {
			t.refreshInBackground(fullKey, e.Hash, fetch)
			return payload, true, nil
		}
	}

	payload, err := fetch(ctx)
	if err != nil {
		return nil, false, err
	}

	t.writeInBackground(fullKey, payload)
	return payload, false, nil
}

// Invalidate removes an entry.
func (t *TwoTier) Invalidate(ctx context.Context, userID, key string) error {
	if !t.enabled {
		return nil
	}
	if userID == "" {
		userID = AnonymousUser
	}
	return t.store.Delete(ctx, userID+":"+key)
}

// refreshInBackground re-fetches after a hit and rewrites the entry iff the
// content hash changed. Failures are logged and swallowed.
func (t *TwoTier) refreshInBackground(fullKey, oldHash string, fetch func(context.Context) ([]byte, error)) {
	safego.Go(t.logger, "cache-refresh", func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()

		payload, err := fetch(ctx)
		if err != nil {
			t.logger.Debug("Background refresh failed", zap.String("key", fullKey), zap.Error(err))
			return
		}
		if hashPayload(payload) == oldHash {
			return
		}
		if err := t.put(ctx, fullKey, payload); err != nil {
			t.logger.Warn("Background refresh write failed", zap.String("key", fullKey), zap.Error(err))
		}
	})
}

func (t *TwoTier) writeInBackground(fullKey string, payload []byte) {
	safego.Go(t.logger, "cache-write", func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := t.put(ctx, fullKey, payload); err != nil {
			t.logger.Warn("Background cache write failed", zap.String("key", fullKey), zap.Error(err))
		}
	})
}

func (t *TwoTier) put(ctx context.Context, fullKey string, payload []byte) error {
	compressed, err := gzipBytes(payload)
	if err != nil {
		return fmt.Errorf("compress payload: %w", err)
	}
	now := time.Now().UTC()
	return t.store.Put(ctx, &Entry{
		Key:        fullKey,
		Payload:    compressed,
		Hash:       hashPayload(payload),
		Compressed: true,
		CreatedAt:  now,
		ExpiresAt:  now.Add(t.ttl),
	})
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodePayload(e *Entry) ([]byte, error) {
	if !e.Compressed {
		return e.Payload, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(e.Payload))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
