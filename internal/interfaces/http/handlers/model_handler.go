package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/modelmux/modelmux/internal/infrastructure/cache"
	"github.com/modelmux/modelmux/internal/infrastructure/classifier"
	"github.com/modelmux/modelmux/internal/infrastructure/llm"
	"github.com/modelmux/modelmux/pkg/errors"
	"go.uber.org/zap"
)

// modelListTTL bounds how long aggregated model listings are reused before
// the upstream catalogs are consulted again.
const modelListTTL = 5 * time.Minute

// anonymousUser is the shared durable-cache partition for unauthenticated
// callers.
const anonymousUser = "anonymous"

// ModelHandler serves the model discovery and classification endpoints.
type ModelHandler struct {
	registry   *llm.Registry
	classifier *classifier.CachedClient
	cache      *cache.Memory
	logger     *zap.Logger
}

// NewModelHandler creates the model handler.
func NewModelHandler(registry *llm.Registry, classified *classifier.CachedClient, memCache *cache.Memory, logger *zap.Logger) *ModelHandler {
	return &ModelHandler{
		registry:   registry,
		classifier: classified,
		cache:      memCache,
		logger:     logger.With(zap.String("component", "model-handler")),
	}
}

// aggregated builds the full per-provider model map, memoized in the
// in-memory cache so repeated listings do not fan out to every upstream.
func (h *ModelHandler) aggregated(c *gin.Context) (map[string]llm.ProviderInfo, error) {
	v, err := h.cache.GetOrSet("models-aggregated", modelListTTL, "models", func() (any, error) {
		return h.registry.ProvidersInfo(c.Request.Context()), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]llm.ProviderInfo), nil
}

// List handles GET /api/models.
func (h *ModelHandler) List(c *gin.Context) {
	info, err := h.aggregated(c)
	if err != nil {
		renderError(c, h.logger, err)
		return
	}

	defaultProvider := h.registry.DefaultProvider()
	var defaultModel string
	if p, err := h.registry.Get(defaultProvider); err == nil {
		defaultModel = p.DefaultModel()
	}

	c.JSON(http.StatusOK, gin.H{
		"models":    info,
		"providers": h.registry.Names(),
		"default": gin.H{
			"provider": defaultProvider,
			"model":    defaultModel,
		},
	})
}

// ByProvider handles GET /api/models/:providerName.
func (h *ModelHandler) ByProvider(c *gin.Context) {
	name := c.Param("providerName")
	if !h.registry.Available(name) {
		renderError(c, h.logger, errors.NewProviderNotConfigured(name))
		return
	}

	provider, err := h.registry.Get(name)
	if err != nil {
		renderError(c, h.logger, err)
		return
	}

	models, err := provider.Models(c.Request.Context())
	if err != nil {
		renderError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"provider":     name,
		"models":       models,
		"defaultModel": provider.DefaultModel(),
	})
}

// Providers handles GET /api/models/providers. Configured-but-keyless
// providers are listed as unavailable.
func (h *ModelHandler) Providers(c *gin.Context) {
	names := h.registry.ConfiguredNames()
	out := make([]gin.H, 0, len(names))
	for _, name := range names {
		entry := gin.H{
			"name":      name,
			"available": h.registry.Available(name),
		}
		if p, err := h.registry.Get(name); err == nil {
			entry["defaultModel"] = p.DefaultModel()
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{
		"providers": out,
		"default":   h.registry.DefaultProvider(),
	})
}

// fallbackCategories is served when the classification service is not
// configured.
var fallbackCategories = []gin.H{
	{"id": "general", "name": "General purpose", "description": "Balanced models for everyday chat"},
	{"id": "reasoning", "name": "Reasoning", "description": "Models tuned for multi-step reasoning"},
	{"id": "coding", "name": "Coding", "description": "Models tuned for code generation"},
	{"id": "vision", "name": "Vision", "description": "Models that accept image input"},
	{"id": "fast", "name": "Fast", "description": "Low-latency, lower-cost models"},
}

// Categories handles GET /api/models/categories. When the classification
// service is reachable it reshapes the classified groups; otherwise a static
// fallback list keeps the endpoint usable.
func (h *ModelHandler) Categories(c *gin.Context) {
	if !h.classifier.Enabled() {
		c.JSON(http.StatusOK, gin.H{"categories": fallbackCategories, "source": "fallback"})
		return
	}

	resp, cached, err := h.classify(c)
	if err != nil {
		h.logger.Warn("classification unavailable, serving fallback categories", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"categories": fallbackCategories, "source": "fallback"})
		return
	}

	categories := make([]gin.H, 0, len(resp.ClassifiedGroups))
	for _, g := range resp.ClassifiedGroups {
		ids := make([]string, 0, len(g.Models))
		for _, m := range g.Models {
			ids = append(ids, m.ID)
		}
		categories = append(categories, gin.H{
			"id":       g.PropertyValue,
			"name":     g.PropertyValue,
			"property": g.PropertyName,
			"models":   ids,
		})
	}
	c.JSON(http.StatusOK, gin.H{"categories": categories, "source": "classified", "cached": cached})
}

// Classified handles GET /api/models/classified.
func (h *ModelHandler) Classified(c *gin.Context) {
	if !h.classifier.Enabled() {
		renderError(c, h.logger, errors.NewNotImplemented("classification service is not enabled"))
		return
	}

	resp, cached, err := h.classify(c)
	if err != nil {
		renderError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"classified": resp, "cached": cached})
}

func (h *ModelHandler) classify(c *gin.Context) (*classifier.ClassifiedModelResponse, bool, error) {
	info, err := h.aggregated(c)
	if err != nil {
		return nil, false, err
	}

	defaultProvider := h.registry.DefaultProvider()
	var defaultModel string
	if p, err := h.registry.Get(defaultProvider); err == nil {
		defaultModel = p.DefaultModel()
	}

	list := classifier.BuildModelList(info, defaultProvider, defaultModel, h.logger)
	return h.classifier.ClassifyModels(c.Request.Context(), anonymousUser, list)
}

// ClassifiedWithCriteria handles GET /api/models/classified/criteria.
// Criteria arrive as query parameters; an empty set is rejected.
func (h *ModelHandler) ClassifiedWithCriteria(c *gin.Context) {
	if !h.classifier.Enabled() {
		renderError(c, h.logger, errors.NewNotImplemented("classification service is not enabled"))
		return
	}

	criteria, err := parseCriteria(c)
	if err != nil {
		renderError(c, h.logger, err)
		return
	}
	if criteria.Empty() {
		renderError(c, h.logger, errors.NewValidation("at least one classification criterion is required"))
		return
	}

	resp, cached, err := h.classifier.ClassifyModelsWithCriteria(c.Request.Context(), anonymousUser, criteria)
	if err != nil {
		renderError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"classified": resp, "cached": cached})
}

// parseCriteria reads ClassificationCriteria from the query string.
// properties accepts both repeated parameters and comma-separated lists.
func parseCriteria(c *gin.Context) (*classifier.ClassificationCriteria, error) {
	criteria := &classifier.ClassificationCriteria{}

	for _, raw := range c.QueryArray("properties") {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				criteria.Properties = append(criteria.Properties, p)
			}
		}
	}

	var err error
	if criteria.IncludeExperimental, err = queryBool(c, "include_experimental"); err != nil {
		return nil, err
	}
	if criteria.IncludeDeprecated, err = queryBool(c, "include_deprecated"); err != nil {
		return nil, err
	}
	if criteria.Hierarchical, err = queryBool(c, "hierarchical"); err != nil {
		return nil, err
	}

	if raw := c.Query("min_context_size"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || n < 0 {
			return nil, errors.NewValidation("invalid criteria", errors.FieldError{
				Field: "min_context_size", Message: "must be a non-negative integer",
			})
		}
		criteria.MinContextSize = int32(n)
	}

	return criteria, nil
}

func queryBool(c *gin.Context, name string) (bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.NewValidation("invalid criteria", errors.FieldError{
			Field: name, Message: "must be a boolean",
		})
	}
	return v, nil
}
