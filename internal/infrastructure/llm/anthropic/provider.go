// Package anthropic implements the Anthropic Messages API adapter.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelmux/modelmux/internal/domain/chat"
	"github.com/modelmux/modelmux/internal/infrastructure/llm"
	"github.com/modelmux/modelmux/internal/infrastructure/sse"
	"github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/safego"
	"go.uber.org/zap"
)

const apiVersion = "2023-06-01"

func init() {
	llm.RegisterFactory("anthropic", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, logger)
	})
}

// catalog is the served model list. The Messages API has no metadata-rich
// listing endpoint, so limits and capabilities are declared here.
var catalog = []chat.ModelInfo{
	{
		ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", TokenLimit: 200000,
		Features: chat.Features{Streaming: true, Vision: true, Tools: true, JSON: true, System: true, FunctionCalling: true},
	},
	{
		ID: "claude-3-7-sonnet-20250219", Name: "Claude 3.7 Sonnet", TokenLimit: 200000,
		Features: chat.Features{Streaming: true, Vision: true, Tools: true, JSON: true, System: true, FunctionCalling: true},
	},
	{
		ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", TokenLimit: 200000,
		Features: chat.Features{Streaming: true, Vision: true, Tools: true, JSON: true, System: true, FunctionCalling: true},
	},
}

// Provider is the Anthropic Messages API adapter.
type Provider struct {
	name         string
	baseURL      string
	apiKey       string
	defaultModel string
	client       *http.Client
	streamClient *http.Client
	logger       *zap.Logger
}

var _ llm.Provider = (*Provider)(nil)

// New creates the adapter.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = catalog[0].ID
	}
	return &Provider{
		name:         cfg.Name,
		baseURL:      baseURL,
		apiKey:       cfg.APIKey,
		defaultModel: defaultModel,
		client:       llm.NewHTTPClient(),
		streamClient: llm.NewStreamClient(),
		logger:       logger.With(zap.String("provider", cfg.Name), zap.String("type", "anthropic")),
	}
}

func (p *Provider) Name() string         { return p.name }
func (p *Provider) DefaultModel() string { return p.defaultModel }

// Models returns the static catalog stamped with this provider's name.
func (p *Provider) Models(ctx context.Context) ([]chat.ModelInfo, error) {
	out := make([]chat.ModelInfo, len(catalog))
	for i, m := range catalog {
		m.Provider = p.name
		out[i] = m
	}
	return out, nil
}

// ChatCompletion performs a non-streaming completion.
func (p *Provider) ChatCompletion(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	body, err := json.Marshal(p.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	httpReq, err := p.newRequest(ctx, body, false)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.NewProvider(p.name, err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.FromUpstream(p.name, resp.StatusCode, string(respBody))
	}
	latency := time.Since(start).Milliseconds()

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, errors.NewProvider(p.name, "unparseable completion response")
	}

	var text strings.Builder
	for _, b := range apiResp.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	return &chat.Response{
		ID:        apiResp.ID,
		Model:     apiResp.Model,
		Provider:  p.name,
		CreatedAt: chat.Now(),
		Content:   chat.StrPtr(text.String()),
		Usage: chat.Usage{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
		LatencyMs:    chat.Int64Ptr(latency),
		FinishReason: chat.StrPtr(normalizeStopReason(apiResp.StopReason)),
		Raw:          respBody,
	}, nil
}

// ChatCompletionStream opens the event-based SSE stream and normalizes it.
// A typed error event from the upstream surfaces as a provider SSE error.
func (p *Provider) ChatCompletionStream(ctx context.Context, req *chat.Request) (*llm.Stream, error) {
	body, err := json.Marshal(p.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	httpReq, err := p.newRequest(ctx, body, true)
	if err != nil {
		return nil, err
	}
	resp, err := p.streamClient.Do(httpReq)
	if err != nil {
		return nil, errors.NewProvider(p.name, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, errors.FromUpstream(p.name, resp.StatusCode, string(respBody))
	}

	stream := llm.NewStream()
	safego.Go(p.logger, "anthropic-stream", func() {
		defer resp.Body.Close()
		unwatch := llm.WatchBody(ctx, resp.Body, p.logger)
		defer unwatch()
		stream.Close(p.consume(ctx, resp.Body, stream, start))
	})
	return stream, nil
}

func (p *Provider) consume(ctx context.Context, r io.Reader, stream *llm.Stream, start time.Time) error {
	dec := sse.NewDecoder(r)

	var (
		id, model  string
		usage      chat.Usage
		stopReason string
		ttfbSent   bool
	)

	for {
		ev, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.NewStreamRead(p.name, err)
		}

		var e streamEvent
		if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
			p.logger.Debug("Skip unparseable stream event",
				zap.String("event", ev.Name), zap.Error(err))
			continue
		}

		switch e.Type {
		case "message_start":
			if e.Message != nil {
				id = e.Message.ID
				model = e.Message.Model
				usage.PromptTokens = e.Message.Usage.InputTokens
			}

		case "content_block_delta":
			if e.Delta == nil || e.Delta.Text == "" {
				continue
			}
			out := &chat.Chunk{
				ID:        id,
				Model:     model,
				Provider:  p.name,
				CreatedAt: chat.Now(),
				Content:   chat.StrPtr(e.Delta.Text),
				Usage:     usage,
			}
			if !ttfbSent {
				out.LatencyMs = chat.Int64Ptr(time.Since(start).Milliseconds())
				ttfbSent = true
			}
			if !stream.Send(ctx, out) {
				return ctx.Err()
			}

		case "message_delta":
			if e.Delta != nil && e.Delta.StopReason != "" {
				stopReason = e.Delta.StopReason
			}
			if e.Usage != nil {
				usage.CompletionTokens = e.Usage.OutputTokens
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			}

		case "error":
			msg := "upstream stream error"
			if e.Error != nil {
				msg = e.Error.Message
			}
			return errors.NewProviderSSE(p.name, msg)

		case "message_stop":
			terminal := &chat.Chunk{
				ID:           id,
				Model:        model,
				Provider:     p.name,
				CreatedAt:    chat.Now(),
				Usage:        usage,
				FinishReason: chat.StrPtr(normalizeStopReason(stopReason)),
			}
			if !stream.Send(ctx, terminal) {
				return ctx.Err()
			}
			return nil

		default:
			// ping, content_block_start, content_block_stop
		}
	}
	return nil
}

func (p *Provider) buildRequest(req *chat.Request, stream bool) *apiRequest {
	system, messages := normalizeMessages(req.Messages, p.logger)

	maxTokens := chat.DefaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	return &apiRequest{
		Model:         req.Model,
		Messages:      messages,
		System:        system,
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        stream,
	}
}

func (p *Provider) newRequest(ctx context.Context, body []byte, stream bool) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}
