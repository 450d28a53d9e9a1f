package llm

import (
	"context"
	"sort"
	"sync"

	"github.com/modelmux/modelmux/internal/domain/chat"
	"github.com/modelmux/modelmux/pkg/errors"
	"go.uber.org/zap"
)

// defaultPriority is the order used to pick the default provider when the
// client does not name one.
var defaultPriority = []string{"openai", "anthropic", "gemini", "openrouter"}

// ProviderInfo is the per-provider slice of the aggregated models response.
// Error is set when the provider's model listing failed; the other providers
// are unaffected.
type ProviderInfo struct {
	Models       []chat.ModelInfo `json:"models"`
	DefaultModel string           `json:"defaultModel"`
	Error        string           `json:"error,omitempty"`
}

// Registry resolves provider names to live instances. A provider is
// available iff its API key is non-empty; instances are created lazily
// through the factory table and reused.
type Registry struct {
	mu        sync.Mutex
	configs   map[string]ProviderConfig
	instances map[string]Provider
	logger    *zap.Logger
	stats     *CallStats
}

// NewRegistry creates a registry over the configured providers.
func NewRegistry(configs map[string]ProviderConfig, logger *zap.Logger) *Registry {
	return &Registry{
		configs:   configs,
		instances: make(map[string]Provider),
		logger:    logger.With(zap.String("component", "provider-registry")),
		stats:     NewCallStats(),
	}
}

// Stats returns the per-provider call statistics collector.
func (r *Registry) Stats() *CallStats { return r.stats }

// Available reports whether name is configured with a non-empty API key.
func (r *Registry) Available(name string) bool {
	cfg, ok := r.configs[name]
	return ok && cfg.APIKey != ""
}

// DefaultProvider returns the name used when a request does not specify one:
// the first configured provider in priority order, then any configured
// provider, then "none".
func (r *Registry) DefaultProvider() string {
	for _, name := range defaultPriority {
		if r.Available(name) {
			return name
		}
	}

	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		if r.Available(name) {
			names = append(names, name)
		}
	}
	if len(names) > 0 {
		sort.Strings(names)
		return names[0]
	}
	return "none"
}

// Get returns the provider for name, instantiating it on first use. An empty
// name resolves to the default provider. Unknown or unavailable names fail
// with a not-configured error; "none" is always constructible.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = r.DefaultProvider()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.instances[name]; ok {
		return p, nil
	}

	cfg, ok := r.configs[name]
	if name == "none" {
		cfg = ProviderConfig{Name: "none", Type: "none"}
	} else if !ok || cfg.APIKey == "" {
		return nil, errors.NewProviderNotConfigured(name)
	}

	p, err := CreateProvider(cfg, r.logger)
	if err != nil {
		return nil, errors.NewInternal("failed to create provider "+name, err)
	}
	r.instances[name] = p
	r.logger.Info("Provider instantiated",
		zap.String("provider", name),
		zap.String("type", cfg.Type))
	return p, nil
}

// Providers returns every available provider, instantiating as needed.
func (r *Registry) Providers() map[string]Provider {
	out := make(map[string]Provider)
	for name := range r.configs {
		if !r.Available(name) {
			continue
		}
		p, err := r.Get(name)
		if err != nil {
			r.logger.Warn("Skipping provider", zap.String("provider", name), zap.Error(err))
			continue
		}
		out[name] = p
	}
	return out
}

// Names returns the available provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		if r.Available(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ConfiguredNames returns every configured provider name, sorted, whether or
// not an API key is present.
func (r *Registry) ConfiguredNames() []string {
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProvidersInfo fans out Models() across every available provider
// concurrently. Per-provider failures are captured in the Error field
// instead of failing the whole call.
func (r *Registry) ProvidersInfo(ctx context.Context) map[string]ProviderInfo {
	providers := r.Providers()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]ProviderInfo, len(providers))
	)
	for name, p := range providers {
		wg.Add(1)
		go func(name string, p Provider) {
			defer wg.Done()

			info := ProviderInfo{DefaultModel: p.DefaultModel()}
			models, err := p.Models(ctx)
			if err != nil {
				r.logger.Warn("Model listing failed",
					zap.String("provider", name), zap.Error(err))
				info.Error = err.Error()
			} else {
				info.Models = models
			}

			mu.Lock()
			out[name] = info
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()
	return out
}
