// Package gemini implements the Google generateContent adapter over REST.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
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
	llm.RegisterFactory("gemini", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, logger)
	})
}

// Provider is the Gemini REST adapter.
type Provider struct {
	name         string
	baseURL      string
	apiKey       string
	apiVersion   string
	defaultModel string
	client       *http.Client
	streamClient *http.Client
	logger       *zap.Logger
}

var _ llm.Provider = (*Provider)(nil)

// New creates the adapter. The API version defaults to v1beta, which is
// where systemInstruction and JSON mode live.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	version := cfg.APIVersion
	if version == "" {
		version = "v1beta"
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "gemini-2.0-flash"
	}
	return &Provider{
		name:         cfg.Name,
		baseURL:      baseURL,
		apiKey:       cfg.APIKey,
		apiVersion:   version,
		defaultModel: defaultModel,
		client:       llm.NewHTTPClient(),
		streamClient: llm.NewStreamClient(),
		logger:       logger.With(zap.String("provider", cfg.Name), zap.String("type", "gemini")),
	}
}

func (p *Provider) Name() string         { return p.name }
func (p *Provider) DefaultModel() string { return p.defaultModel }

// Models fetches the upstream model catalog.
func (p *Provider) Models(ctx context.Context) ([]chat.ModelInfo, error) {
	u := fmt.Sprintf("%s/%s/models?key=%s", p.baseURL, p.apiVersion, url.QueryEscape(p.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

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

	var models []chat.ModelInfo
	for _, m := range list.Models {
		streaming := false
		generates := false
		for _, method := range m.SupportedGenerationMethods {
			switch method {
			case "streamGenerateContent":
				streaming = true
			case "generateContent":
				generates = true
			}
		}
		if !generates {
			continue
		}
		models = append(models, chat.ModelInfo{
			ID:          strings.TrimPrefix(m.Name, "models/"),
			Name:        m.DisplayName,
			Provider:    p.name,
			TokenLimit:  m.InputTokenLimit,
			Description: m.Description,
			Features: chat.Features{
				Streaming:       streaming,
				Vision:          true,
				Tools:           true,
				JSON:            true,
				System:          true,
				FunctionCalling: true,
			},
		})
	}
	return models, nil
}

// ChatCompletion performs a non-streaming completion.
func (p *Provider) ChatCompletion(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	respBody, err := p.post(ctx, p.endpoint(req.Model, false), body)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start).Milliseconds()

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, errors.NewProvider(p.name, "unparseable completion response")
	}
	if len(apiResp.Candidates) == 0 {
		return nil, errors.NewProvider(p.name, "empty response: no candidates")
	}

	cand := apiResp.Candidates[0]
	var text strings.Builder
	for _, pt := range cand.Content.Parts {
		text.WriteString(pt.Text)
	}

	out := &chat.Response{
		ID:           "gemini-" + fmt.Sprint(time.Now().UnixNano()),
		Model:        req.Model,
		Provider:     p.name,
		CreatedAt:    chat.Now(),
		Content:      chat.StrPtr(text.String()),
		LatencyMs:    chat.Int64Ptr(latency),
		FinishReason: chat.StrPtr(normalizeFinishReason(cand.FinishReason)),
		Raw:          respBody,
	}
	if apiResp.ModelVersion != "" {
		out.Model = apiResp.ModelVersion
	}
	if apiResp.UsageMetadata != nil {
		out.Usage = chat.Usage{
			PromptTokens:     apiResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: apiResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      apiResp.UsageMetadata.TotalTokenCount,
		}
	}
	return out, nil
}

// ChatCompletionStream opens the alt=sse stream and normalizes its chunks.
// The stream has no [DONE] sentinel; it ends when the connection closes
// after the final chunk carries a finish reason.
func (p *Provider) ChatCompletionStream(ctx context.Context, req *chat.Request) (*llm.Stream, error) {
	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(req.Model, true), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

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
	safego.Go(p.logger, "gemini-stream", func() {
		defer resp.Body.Close()
		unwatch := llm.WatchBody(ctx, resp.Body, p.logger)
		defer unwatch()
		stream.Close(p.consume(ctx, resp.Body, stream, req.Model, start))
	})
	return stream, nil
}

func (p *Provider) consume(ctx context.Context, r io.Reader, stream *llm.Stream, model string, start time.Time) error {
	dec := sse.NewDecoder(r)

	var (
		id           = "gemini-" + fmt.Sprint(time.Now().UnixNano())
		usage        chat.Usage
		finishReason string
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

		var c apiResponse
		if err := json.Unmarshal([]byte(ev.Data), &c); err != nil {
			p.logger.Debug("Skip unparseable stream event", zap.Error(err))
			continue
		}

		if c.UsageMetadata != nil {
			usage = chat.Usage{
				PromptTokens:     c.UsageMetadata.PromptTokenCount,
				CompletionTokens: c.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      c.UsageMetadata.TotalTokenCount,
			}
		}
		if c.ModelVersion != "" {
			model = c.ModelVersion
		}
		if len(c.Candidates) == 0 {
			continue
		}

		cand := c.Candidates[0]
		if cand.FinishReason != "" {
			finishReason = cand.FinishReason
		}

		var text strings.Builder
		for _, pt := range cand.Content.Parts {
			text.WriteString(pt.Text)
		}
		if text.Len() == 0 {
			continue
		}

		out := &chat.Chunk{
			ID:        id,
			Model:     model,
			Provider:  p.name,
			CreatedAt: chat.Now(),
			Content:   chat.StrPtr(text.String()),
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
		Usage:        usage,
		FinishReason: chat.StrPtr(normalizeFinishReason(finishReason)),
	}
	if finishReason == "" {
		terminal.FinishReason = chat.StrPtr("stop")
	}
	if !stream.Send(ctx, terminal) {
		return ctx.Err()
	}
	return nil
}

func (p *Provider) buildRequest(req *chat.Request) *apiRequest {
	system, contents := normalizeMessages(req.Messages, p.logger)

	cfg := &generationConfig{
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxTokens,
		TopP:            req.TopP,
		StopSequences:   req.Stop,
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		cfg.ResponseMimeType = "application/json"
	}
	return &apiRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig:  cfg,
	}
}

func (p *Provider) endpoint(model string, stream bool) string {
	method := "generateContent"
	query := "?key=" + url.QueryEscape(p.apiKey)
	if stream {
		method = "streamGenerateContent"
		query = "?alt=sse&key=" + url.QueryEscape(p.apiKey)
	}
	return fmt.Sprintf("%s/%s/models/%s:%s%s", p.baseURL, p.apiVersion, model, method, query)
}

func (p *Provider) post(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
	return respBody, nil
}
