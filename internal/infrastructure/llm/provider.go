// Package llm defines the provider contract shared by every upstream
// adapter, the factory table adapters register into, and the registry that
// resolves provider names to live instances.
package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/modelmux/modelmux/internal/domain/chat"
	"go.uber.org/zap"
)

// Provider is the uniform contract over upstream chat-completion vendors.
// Request.Model is the provider-local model name; the provider prefix has
// already been split off by the caller.
type Provider interface {
	// Name returns the provider identifier ("openai", "anthropic", ...).
	Name() string

	// DefaultModel returns the configured default model for this provider.
	DefaultModel() string

	// Models lists the models this provider serves.
	Models(ctx context.Context) ([]chat.ModelInfo, error)

	// ChatCompletion performs a non-streaming completion.
	ChatCompletion(ctx context.Context, req *chat.Request) (*chat.Response, error)

	// ChatCompletionStream opens a streaming completion. The stream ends with
	// io.EOF from Recv on clean termination.
	ChatCompletionStream(ctx context.Context, req *chat.Request) (*Stream, error)
}

// ProviderConfig holds one provider's configuration.
type ProviderConfig struct {
	Name         string `json:"name"`
	Type         string `json:"type"` // "openai" (default) | "anthropic" | "gemini" | "none"
	BaseURL      string `json:"base_url"`
	APIKey       string `json:"api_key"`
	DefaultModel string `json:"default_model"`
	APIVersion   string `json:"api_version"` // gemini only
}

// ProviderFactory creates a Provider from config. Adapters register
// themselves via init() in their own package.
type ProviderFactory func(cfg ProviderConfig, logger *zap.Logger) Provider

var (
	factoryMu sync.RWMutex
	factories = map[string]ProviderFactory{}
)

// RegisterFactory registers a provider factory for the given type name.
func RegisterFactory(typeName string, factory ProviderFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[typeName] = factory
}

// CreateProvider creates a Provider using the registered factory for
// cfg.Type. An empty Type defaults to "openai".
func CreateProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	t := cfg.Type
	if t == "" {
		t = "openai"
	}

	factoryMu.RLock()
	factory, ok := factories[t]
	factoryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider type %q", t)
	}
	return factory(cfg, logger), nil
}
