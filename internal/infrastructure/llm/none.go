package llm

import (
	"context"

	"github.com/modelmux/modelmux/internal/domain/chat"
	"github.com/modelmux/modelmux/pkg/errors"
	"go.uber.org/zap"
)

func init() {
	RegisterFactory("none", func(cfg ProviderConfig, logger *zap.Logger) Provider {
		return noneProvider{}
	})
}

// noneProvider is the sentinel used when no real provider is configured. It
// lists no models and refuses completions.
type noneProvider struct{}

var _ Provider = noneProvider{}

func (noneProvider) Name() string         { return "none" }
func (noneProvider) DefaultModel() string { return "" }

func (noneProvider) Models(ctx context.Context) ([]chat.ModelInfo, error) {
	return []chat.ModelInfo{}, nil
}

func (noneProvider) ChatCompletion(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	return nil, errors.NewProviderNotConfigured("none")
}

func (noneProvider) ChatCompletionStream(ctx context.Context, req *chat.Request) (*Stream, error) {
	return nil, errors.NewProviderNotConfigured("none")
}
