// Package openai implements the OpenAI-compatible chat completions adapter.
// Aggregators speaking the same wire format (OpenRouter and friends) reuse it
// with a different base URL and provider name.
package openai

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

func init() {
	llm.RegisterFactory("openai", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, logger)
	})
}

// Provider is the OpenAI-compatible HTTP adapter.
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

// New creates the adapter. An empty base URL targets api.openai.com.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	return &Provider{
		name:         cfg.Name,
		baseURL:      baseURL,
		apiKey:       cfg.APIKey,
		defaultModel: defaultModel,
		client:       llm.NewHTTPClient(),
		streamClient: llm.NewStreamClient(),
		logger:       logger.With(zap.String("provider", cfg.Name), zap.String("type", "openai")),
	}
}

func (p *Provider) Name() string         { return p.name }
func (p *Provider) DefaultModel() string { return p.defaultModel }

// Models fetches the upstream model catalog.
func (p *Provider) Models(ctx context.Context) ([]chat.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, errors.NewProvider(p.name, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.FromUpstream(p.name, resp.StatusCode, string(body))
	}

	var list modelsResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("parse models response: %w", err)
	}

	models := make([]chat.ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		models = append(models, chat.ModelInfo{
			ID:       m.ID,
			Name:     m.ID,
			Provider: p.name,
			Features: chat.Features{
				Streaming:       true,
				Vision:          visionCapable(m.ID),
				Tools:           true,
				JSON:            true,
				System:          true,
				FunctionCalling: true,
			},
		})
	}
	return models, nil
}

func visionCapable(id string) bool {
	return strings.Contains(id, "gpt-4o") ||
		strings.Contains(id, "vision") ||
		strings.Contains(id, "omni")
}

// ChatCompletion performs a non-streaming completion.
func (p *Provider) ChatCompletion(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	body, err := json.Marshal(p.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	respBody, err := p.post(ctx, p.client, body, false)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start).Milliseconds()

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, errors.NewProvider(p.name, "unparseable completion response")
	}
	if len(apiResp.Choices) == 0 {
		return nil, errors.NewProvider(p.name, "empty response: no choices")
	}

	choice := apiResp.Choices[0]
	out := &chat.Response{
		ID:           apiResp.ID,
		Model:        apiResp.Model,
		Provider:     p.name,
		CreatedAt:    chat.Now(),
		Content:      chat.StrPtr(choice.Message.Content),
		Usage:        apiResp.Usage.normalize(),
		LatencyMs:    chat.Int64Ptr(latency),
		FinishReason: choice.FinishReason,
		Raw:          respBody,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, chat.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// ChatCompletionStream opens an SSE completion and normalizes its events.
// Final usage and finish reason arrive on a synthetic terminal chunk since
// this API only reports them at the end of the stream.
func (p *Provider) ChatCompletionStream(ctx context.Context, req *chat.Request) (*llm.Stream, error) {
	body, err := json.Marshal(p.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(httpReq, true)

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
	safego.Go(p.logger, "openai-stream", func() {
		defer resp.Body.Close()
		unwatch := llm.WatchBody(ctx, resp.Body, p.logger)
		defer unwatch()
		stream.Close(p.consume(ctx, resp.Body, stream, start))
	})
	return stream, nil
}

// consume reads decoded SSE events and pushes normalized chunks. A nil
// return means clean termination.
func (p *Provider) consume(ctx context.Context, r io.Reader, stream *llm.Stream, start time.Time) error {
	dec := sse.NewDecoder(r)

	var (
		id, model    string
		usage        chat.Usage
		finishReason *string
		toolCalls    = map[int]*toolCallAccumulator{}
		ttfbSent     bool
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
		if ev.Done() {
			break
		}

		var c streamChunk
		if err := json.Unmarshal([]byte(ev.Data), &c); err != nil {
			p.logger.Debug("Skip unparseable stream event", zap.Error(err))
			continue
		}

		if c.ID != "" {
			id = c.ID
		}
		if c.Model != "" {
			model = c.Model
		}
		if c.Usage != nil {
			usage = c.Usage.normalize()
		}
		if len(c.Choices) == 0 {
			continue
		}

		choice := c.Choices[0]
		if choice.FinishReason != nil {
			finishReason = choice.FinishReason
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := toolCalls[tc.Index]
			if !ok {
				acc = &toolCallAccumulator{}
				toolCalls[tc.Index] = acc
			}
			acc.add(tc)
		}

		if choice.Delta.Content == "" {
			continue
		}

		out := &chat.Chunk{
			ID:        id,
			Model:     model,
			Provider:  p.name,
			CreatedAt: chat.Now(),
			Content:   chat.StrPtr(choice.Delta.Content),
			Usage:     usage,
		}
		if !ttfbSent {
			out.LatencyMs = chat.Int64Ptr(time.Since(start).Milliseconds())
			ttfbSent = true
		}
		if !stream.Send(ctx, out) {
			return ctx.Err()
		}
	}

	terminal := &chat.Chunk{
		ID:           id,
		Model:        model,
		Provider:     p.name,
		CreatedAt:    chat.Now(),
		Content:      nil,
		Usage:        usage,
		FinishReason: finishReason,
	}
	if terminal.FinishReason == nil {
		terminal.FinishReason = chat.StrPtr("stop")
	}
	terminal.ToolCalls = assembleToolCalls(toolCalls)
	if !stream.Send(ctx, terminal) {
		return ctx.Err()
	}
	return nil
}

type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

func (a *toolCallAccumulator) add(tc streamToolCall) {
	if tc.ID != "" {
		a.id = tc.ID
	}
	if tc.Function.Name != "" {
		a.name = tc.Function.Name
	}
	a.args.WriteString(tc.Function.Arguments)
}

func assembleToolCalls(m map[int]*toolCallAccumulator) []chat.ToolCall {
	if len(m) == 0 {
		return nil
	}
	out := make([]chat.ToolCall, 0, len(m))
	for i := 0; i < len(m); i++ {
		acc, ok := m[i]
		if !ok {
			continue
		}
		out = append(out, chat.ToolCall{ID: acc.id, Name: acc.name, Arguments: acc.args.String()})
	}
	return out
}

func (p *Provider) buildRequest(req *chat.Request, stream bool) *apiRequest {
	out := &apiRequest{
		Model:            req.Model,
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.Stop,
	}
	if req.ResponseFormat != nil {
		out.ResponseFormat = &responseFormat{Type: req.ResponseFormat.Type}
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, apiMessage{Role: m.Role, Content: m.Content})
	}
	if stream {
		out.Stream = true
		out.StreamOptions = map[string]any{"include_usage": true}
	}
	return out
}

func (p *Provider) post(ctx context.Context, client *http.Client, body []byte, stream bool) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(httpReq, stream)

	resp, err := client.Do(httpReq)
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
	return respBody, nil
}

func (p *Provider) setHeaders(req *http.Request, stream bool) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
}
