// Package classifier is the gRPC client for the external model
// classification service.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/modelmux/modelmux/internal/infrastructure/breaker"
	"github.com/modelmux/modelmux/internal/infrastructure/llm"
	"github.com/modelmux/modelmux/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// RPC method paths on the classification service.
const (
	methodClassify = "/modelclassifier.ModelClassifier/ClassifyModels"
	methodCriteria = "/modelclassifier.ModelClassifier/ClassifyModelsWithCriteria"
)

// Per-operation call policy.
const (
	classifyDeadline = 15 * time.Second
	classifyAttempts = 3
	criteriaDeadline = 10 * time.Second
	criteriaAttempts = 2

	backoffBase = 500 * time.Millisecond
	backoffCap  = 5 * time.Second
)

// Config selects and locates the classification service.
type Config struct {
	Enabled bool
	Host    string
	Port    int
}

// Client wraps the gRPC connection with retry and a dedicated breaker per
// operation.
type Client struct {
	conn    *grpc.ClientConn
	enabled bool
	logger  *zap.Logger
}

// NewClient dials the classification service. The connection is lazy; a
// down service surfaces on the first call, not here.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	c := &Client{
		enabled: cfg.Enabled,
		logger:  logger.With(zap.String("component", "classifier-client")),
	}
	if !cfg.Enabled {
		return c, nil
	}

	target := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial classification service %s: %w", target, err)
	}
	c.conn = conn
	c.logger.Info("Classification service client ready", zap.String("target", target))
	return c, nil
}

// Enabled reports whether the classification service is configured.
func (c *Client) Enabled() bool { return c.enabled }

// Close releases the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// ClassifyModels sends the flattened model list for classification.
func (c *Client) ClassifyModels(ctx context.Context, list *LoadedModelList) (*ClassifiedModelResponse, error) {
	return c.call(ctx, "classify", methodClassify, list, classifyDeadline, classifyAttempts)
}

// ClassifyModelsWithCriteria requests a criteria-filtered classification.
func (c *Client) ClassifyModelsWithCriteria(ctx context.Context, criteria *ClassificationCriteria) (*ClassifiedModelResponse, error) {
	return c.call(ctx, "criteria", methodCriteria, criteria, criteriaDeadline, criteriaAttempts)
}

func (c *Client) call(ctx context.Context, op, method string, in any, deadline time.Duration, attempts int) (*ClassifiedModelResponse, error) {
	if !c.enabled {
		return nil, errors.NewProviderNotConfigured("classifier")
	}

	b := breaker.Get("classifier-"+op, breaker.Config{
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
	})
	return breaker.Do(ctx, b, func(ctx context.Context) (*ClassifiedModelResponse, error) {
		return c.invoke(ctx, method, in, deadline, attempts)
	})
}

// invoke performs the unary call with the retry policy: only UNAVAILABLE and
// DEADLINE_EXCEEDED are retried, with capped exponential backoff.
func (c *Client) invoke(ctx context.Context, method string, in any, deadline time.Duration, attempts int) (*ClassifiedModelResponse, error) {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt - 1)
			c.logger.Warn("Retrying classification call",
				zap.String("method", method),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", wait),
				zap.Error(lastErr))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, deadline)
		out := &ClassifiedModelResponse{}
		err := c.conn.Invoke(callCtx, method, in, out)
		cancel()

		if err == nil {
			return out, nil
		}
		lastErr = err
		if !transient(err) {
			break
		}
	}
	return nil, mapRPCError(lastErr)
}

// transient reports whether the RPC failure is worth retrying.
func transient(err error) bool {
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

func mapRPCError(err error) error {
	if s, ok := status.FromError(err); ok && s.Code() == codes.DeadlineExceeded {
		return errors.NewTimeout("classification service deadline exceeded")
	}
	return errors.NewProvider("classifier", err.Error())
}

// backoff returns min(2^n * 500ms + jitter[0, 200ms), 5s), with n starting
// at 0 for the first retry.
func backoff(n int) time.Duration {
	d := backoffBase << uint(n)
	d += time.Duration(rand.Int63n(int64(200 * time.Millisecond)))
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// BuildModelList flattens aggregated provider info into the RPC request
// shape. Models without an id are skipped with a warning; non-string
// metadata values are JSON-serialized into the string map.
func BuildModelList(info map[string]llm.ProviderInfo, defaultProvider, defaultModel string, logger *zap.Logger) *LoadedModelList {
	list := &LoadedModelList{
		DefaultProvider: defaultProvider,
		DefaultModel:    defaultModel,
	}

	for provider, pi := range info {
		for _, m := range pi.Models {
			if m.ID == "" {
				logger.Warn("Skipping model without id", zap.String("provider", provider))
				continue
			}
			entry := Model{
				ID:           m.ID,
				Name:         m.Name,
				ContextSize:  int32(m.TokenLimit),
				Provider:     provider,
				DisplayName:  m.Name,
				Description:  m.Description,
				IsMultimodal: m.Features.Vision,
				IsDefault:    m.ID == pi.DefaultModel,
			}
			if m.Features.Streaming {
				entry.Capabilities = append(entry.Capabilities, "streaming")
			}
			if m.Features.Tools {
				entry.Capabilities = append(entry.Capabilities, "tools")
			}
			if m.Features.Vision {
				entry.Capabilities = append(entry.Capabilities, "vision")
			}
			if m.Features.JSON {
				entry.Capabilities = append(entry.Capabilities, "json")
			}
			entry.Metadata = coerceMetadata(m.Metadata)
			list.Models = append(list.Models, entry)
		}
	}
	return list
}

func coerceMetadata(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string:
			out[k] = t
		default:
			b, err := json.Marshal(v)
			if err != nil {
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}
