package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/modelmux/modelmux/internal/domain/chat"
	"github.com/modelmux/modelmux/internal/infrastructure/breaker"
	"github.com/modelmux/modelmux/internal/infrastructure/cache"
	"github.com/modelmux/modelmux/internal/infrastructure/lifecycle"
	"github.com/modelmux/modelmux/internal/infrastructure/llm"
	"github.com/modelmux/modelmux/internal/infrastructure/monitoring"
	"github.com/modelmux/modelmux/internal/infrastructure/sse"
	"github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/safego"
	"go.uber.org/zap"
)

// Stream timing defaults.
const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultInactivityCheck   = 60 * time.Second
	defaultInactivityBudget  = 120 * time.Second

	completionCacheTTL = 5 * time.Minute
)

// statusClientClosedRequest is the nginx convention for a client that went
// away before the response completed.
const statusClientClosedRequest = 499

var completionBreakerConfig = breaker.Config{
	FailureThreshold: 5,
	ResetTimeout:     30 * time.Second,
}

// ChatHandler serves completions, streaming, stop and capabilities.
type ChatHandler struct {
	registry *llm.Registry
	cache    *cache.Memory
	inflight *lifecycle.Registry
	monitor  *monitoring.Monitor
	logger   *zap.Logger

	// Stream timing knobs, set to the defaults above. Tests shrink them.
	heartbeatInterval time.Duration
	inactivityCheck   time.Duration
	inactivityBudget  time.Duration
}

// NewChatHandler creates the chat handler.
func NewChatHandler(registry *llm.Registry, memCache *cache.Memory, inflight *lifecycle.Registry, monitor *monitoring.Monitor, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		registry: registry,
		cache:    memCache,
		inflight: inflight,
		monitor:  monitor,
		logger:   logger.With(zap.String("component", "chat-handler")),

		heartbeatInterval: defaultHeartbeatInterval,
		inactivityCheck:   defaultInactivityCheck,
		inactivityBudget:  defaultInactivityBudget,
	}
}

// parseRequest binds and validates the body, then applies defaults.
func (h *ChatHandler) parseRequest(c *gin.Context) (*chat.Request, bool) {
	var req chat.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, h.logger, errors.NewValidation("invalid request body", errors.FieldError{
			Field: "body", Message: err.Error(),
		}))
		return nil, false
	}
	if err := req.Validate(); err != nil {
		renderError(c, h.logger, err)
		return nil, false
	}
	req.ApplyDefaults()
	return &req, true
}

// completionKey fingerprints the fields that determine a completion.
func completionKey(provider, model string, req *chat.Request) string {
	return cache.GenerateKey(map[string]any{
		"provider":    provider,
		"model":       model,
		"messages":    req.Messages,
		"temperature": *req.Temperature,
		"max_tokens":  *req.MaxTokens,
	})
}

// Completions handles POST /api/chat/completions.
func (h *ChatHandler) Completions(c *gin.Context) {
	h.monitor.IncRequestTotal()

	req, ok := h.parseRequest(c)
	if !ok {
		h.monitor.IncRequestFailed()
		return
	}

	requestID := lifecycle.DeriveRequestID(req.RequestID, c.GetHeader("X-Request-ID"))
	c.Header("X-Request-ID", requestID)
	ctx, handle := h.inflight.Register(c.Request.Context(), requestID)
	defer h.inflight.Remove(requestID)

	providerName, modelName := chat.SplitModel(req.Model, h.registry.DefaultProvider())

	var key string
	if h.cache.Enabled() && !req.NoCache {
		key = completionKey(providerName, modelName, req)
		if v, hit := h.cache.Get(key); hit {
			if cached, ok := v.(*chat.Response); ok {
				h.monitor.IncCacheHit()
				h.monitor.IncRequestSuccess()
				out := *cached
				out.Cached = true
				c.JSON(http.StatusOK, &out)
				return
			}
		}
		h.monitor.IncCacheMiss()
	}

	provider, err := h.registry.Get(providerName)
	if err != nil {
		h.monitor.IncRequestFailed()
		renderError(c, h.logger, err)
		return
	}

	upstream := *req
	upstream.Model = modelName

	b := breaker.Get(providerName+"-completion", completionBreakerConfig)
	start := time.Now()
	resp, err := breaker.Do(ctx, b, func(ctx context.Context) (*chat.Response, error) {
		return provider.ChatCompletion(ctx, &upstream)
	})
	h.registry.Stats().Record(providerName, time.Since(start), err)

	if err != nil {
		if handle.Stopped() || c.Request.Context().Err() != nil {
			h.monitor.IncRequestAborted()
			c.JSON(statusClientClosedRequest, gin.H{"error": "Request aborted"})
			return
		}
		if errors.IsCircuitOpen(err) {
			h.monitor.IncBreakerRejection()
		}
		h.monitor.IncRequestFailed()
		renderError(c, h.logger, err)
		return
	}

	if key != "" {
		h.cache.Set(key, resp, completionCacheTTL, "completion")
	}

	h.monitor.IncRequestSuccess()
	h.monitor.AddTokensUsed(resp.Usage.Total())
	h.monitor.RecordRequestLatency(time.Since(start))
	c.JSON(http.StatusOK, resp)
}

// streamItem carries one Recv result from the pump goroutine.
type streamItem struct {
	chunk *chat.Chunk
	err   error
}

// Stream handles POST /api/chat/stream.
func (h *ChatHandler) Stream(c *gin.Context) {
	h.monitor.IncRequestTotal()

	req, ok := h.parseRequest(c)
	if !ok {
		h.monitor.IncRequestFailed()
		return
	}

	requestID := lifecycle.DeriveRequestID(req.RequestID, c.GetHeader("X-Request-ID"))
	c.Header("X-Request-ID", requestID)
	ctx, handle := h.inflight.Register(c.Request.Context(), requestID)
	defer h.inflight.Remove(requestID)

	providerName, modelName := chat.SplitModel(req.Model, h.registry.DefaultProvider())
	provider, err := h.registry.Get(providerName)
	if err != nil {
		h.monitor.IncRequestFailed()
		renderError(c, h.logger, err)
		return
	}

	upstream := *req
	upstream.Model = modelName

	stream, err := provider.ChatCompletionStream(ctx, &upstream)
	if err != nil {
		if errors.IsCircuitOpen(err) {
			h.monitor.IncBreakerRejection()
		}
		h.monitor.IncRequestFailed()
		renderError(c, h.logger, err)
		return
	}

	h.monitor.StreamStarted()
	defer h.monitor.StreamEnded()

	enc := sse.NewEncoder(c.Writer)
	log := h.logger.With(zap.String("requestId", requestID), zap.String("provider", providerName))

	items := make(chan streamItem)
	safego.Go(h.logger, "stream-pump", func() {
		for {
			chunk, err := stream.Recv()
			select {
			case items <- streamItem{chunk: chunk, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	})

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()
	idle := time.NewTicker(h.inactivityCheck)
	defer idle.Stop()

	start := time.Now()
	lastActivity := start
	var tokens int

	for {
		select {
		case item := <-items:
			if item.err != nil {
				if item.err == io.EOF {
					h.monitor.IncRequestSuccess()
					h.monitor.AddTokensUsed(tokens)
					h.monitor.RecordRequestLatency(time.Since(start))
					enc.Done()
					return
				}
				if handle.Stopped() {
					h.writeAbort(enc, requestID)
					h.monitor.IncRequestAborted()
					return
				}
				h.monitor.IncRequestFailed()
				log.Warn("stream failed", zap.Error(item.err))
				h.writeStreamError(enc, item.err, providerName, req.Model)
				enc.Done()
				return
			}

			payload, err := json.Marshal(item.chunk)
			if err != nil {
				log.Warn("chunk marshal failed", zap.Error(err))
				continue
			}
			if err := enc.Data(payload); err != nil {
				// Client went away mid-write.
				handle.Stop()
				h.monitor.IncRequestAborted()
				return
			}
			lastActivity = time.Now()
			h.monitor.IncStreamChunk()
			if t := item.chunk.Usage.Total(); t > tokens {
				tokens = t
			}

		case <-heartbeat.C:
			if err := enc.Heartbeat(); err != nil {
				handle.Stop()
				h.monitor.IncRequestAborted()
				return
			}

		case <-idle.C:
			if time.Since(lastActivity) > h.inactivityBudget {
				log.Warn("stream inactive, closing", zap.Duration("idle", time.Since(lastActivity)))
				handle.Stop()
				h.monitor.IncRequestFailed()
				h.writeStreamError(enc, errors.NewTimeout("stream inactive"), providerName, req.Model)
				enc.Done()
				return
			}

		case <-ctx.Done():
			if handle.Stopped() {
				h.writeAbort(enc, requestID)
			}
			h.monitor.IncRequestAborted()
			return
		}
	}
}

// writeAbort emits the typed abort frame. Best effort; the client may
// already be gone.
func (h *ChatHandler) writeAbort(enc *sse.Encoder, requestID string) {
	payload, _ := json.Marshal(gin.H{
		"type":      "abort",
		"message":   "Request aborted",
		"requestId": requestID,
	})
	enc.Event("abort", payload)
}

// writeStreamError emits the structured error frame used after headers are
// sent; mid-stream failures never change the HTTP status.
func (h *ChatHandler) writeStreamError(enc *sse.Encoder, err error, provider, model string) {
	code := errors.CodeInternal
	message := "internal server error"
	status := http.StatusInternalServerError
	if e, ok := errors.As(err); ok {
		code = e.Code
		message = e.Message
		status = e.Status
		if e.Provider != "" {
			provider = e.Provider
		}
	}
	payload, _ := json.Marshal(gin.H{
		"code":     code,
		"message":  message,
		"status":   status,
		"provider": provider,
		"model":    model,
	})
	enc.Event("error", payload)
}

// stopRequest is the POST /api/chat/stop body.
type stopRequest struct {
	RequestID string `json:"requestId"`
}

// Stop handles POST /api/chat/stop. Idempotent; never reveals whether the
// generation existed.
func (h *ChatHandler) Stop(c *gin.Context) {
	var req stopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, h.logger, errors.NewValidation("invalid request body", errors.FieldError{
			Field: "body", Message: err.Error(),
		}))
		return
	}
	if req.RequestID == "" {
		renderError(c, h.logger, errors.NewValidation("invalid stop request", errors.FieldError{
			Field: "requestId", Message: "requestId is required",
		}))
		return
	}

	cancelled := h.inflight.Cancel(req.RequestID)
	h.logger.Info("stop requested",
		zap.String("requestId", req.RequestID),
		zap.Bool("cancelled", cancelled),
	)
	c.JSON(http.StatusOK, gin.H{"success": true, "requestId": req.RequestID})
}

// Capabilities handles GET /api/chat/capabilities.
func (h *ChatHandler) Capabilities(c *gin.Context) {
	names := h.registry.Names()
	defaultProvider := h.registry.DefaultProvider()

	var defaultModel string
	if p, err := h.registry.Get(defaultProvider); err == nil {
		defaultModel = p.DefaultModel()
	}

	c.JSON(http.StatusOK, gin.H{
		"providers": names,
		"default": gin.H{
			"provider": defaultProvider,
			"model":    defaultModel,
		},
		"features": gin.H{
			"streaming":  true,
			"stop":       true,
			"caching":    h.cache.Enabled(),
			"multimodal": true,
			"jsonMode":   true,
		},
		"breakers":      breaker.All(),
		"cache":         h.cache.Stats(),
		"providerStats": h.registry.Stats().Snapshot(),
		"system":        h.monitor.Stats(),
		"inflight":      h.inflight.Len(),
	})
}
