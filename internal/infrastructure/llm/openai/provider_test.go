package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelmux/modelmux/internal/domain/chat"
	"github.com/modelmux/modelmux/internal/infrastructure/llm"
	"github.com/modelmux/modelmux/pkg/errors"
	"go.uber.org/zap"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(llm.ProviderConfig{
		Name:    "openai",
		BaseURL: srv.URL,
		APIKey:  "test-key",
	}, zap.NewNop())
}

func basicRequest() *chat.Request {
	r := &chat.Request{
		Model:    "gpt-4o",
		Messages: []chat.Message{{Role: chat.RoleUser, Content: chat.Content{Text: "hi"}}},
	}
	r.ApplyDefaults()
	return r
}

func TestChatCompletion(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("auth = %q", auth)
		}
		var req apiRequest
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("request unparseable: %v", err)
		}
		if req.Stream {
			t.Error("non-stream call set stream:true")
		}
		if req.Temperature == nil || *req.Temperature != 0.7 {
			t.Errorf("temperature = %v", req.Temperature)
		}

		fmt.Fprint(w, `{"id":"cmpl-1","model":"gpt-4o-2024","choices":[{"message":{"role":"assistant","content":"hello there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":3,"total_tokens":12}}`)
	})

	resp, err := p.ChatCompletion(context.Background(), basicRequest())
	if err != nil {
		t.Fatal(err)
	}
	if *resp.Content != "hello there" || resp.Provider != "openai" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Usage.TotalTokens != 12 || *resp.FinishReason != "stop" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.LatencyMs == nil {
		t.Fatal("latency not measured")
	}
}

func TestChatCompletion_AuthErrorMapped(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`)
	})

	_, err := p.ChatCompletion(context.Background(), basicRequest())
	e, ok := errors.As(err)
	if !ok {
		t.Fatalf("untyped error: %v", err)
	}
	if e.Code != errors.CodeProviderAuth || e.Status != http.StatusUnauthorized {
		t.Fatalf("err = %+v", e)
	}
}

func TestChatCompletionStream_SyntheticTerminalChunk(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req)
		if !req.Stream || req.StreamOptions["include_usage"] != true {
			t.Errorf("stream options not set: %+v", req)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"model\":\"gpt-4o\",\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"model\":\"gpt-4o\",\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2,\"total_tokens\":7}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stream, err := p.ChatCompletionStream(context.Background(), basicRequest())
	if err != nil {
		t.Fatal(err)
	}

	var chunks []*chat.Chunk
	for {
		c, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		chunks = append(chunks, c)
	}

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	if *chunks[0].Content != "Hel" || chunks[0].LatencyMs == nil {
		t.Fatalf("first chunk = %+v", chunks[0])
	}
	if chunks[1].LatencyMs != nil {
		t.Fatal("TTFB recorded twice")
	}

	terminal := chunks[2]
	if terminal.Content != nil {
		t.Fatalf("terminal content = %v", *terminal.Content)
	}
	if terminal.FinishReason == nil || *terminal.FinishReason != "stop" {
		t.Fatalf("terminal finishReason = %v", terminal.FinishReason)
	}
	if terminal.Usage.TotalTokens != 7 {
		t.Fatalf("terminal usage = %+v", terminal.Usage)
	}
}

func TestChatCompletionStream_UpstreamErrorBeforeStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Rate limit reached for requests"}}`)
	})

	_, err := p.ChatCompletionStream(context.Background(), basicRequest())
	e, ok := errors.As(err)
	if !ok || e.Code != errors.CodeProviderRateLimit {
		t.Fatalf("err = %v", err)
	}
}

func TestChatCompletionStream_CancellationStopsStream(t *testing.T) {
	release := make(chan struct{})
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := p.ChatCompletionStream(ctx, basicRequest())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := stream.Recv(); err != nil {
		t.Fatal(err)
	}
	cancel()

	for {
		_, err := stream.Recv()
		if err == nil {
			continue
		}
		if err == io.EOF {
			t.Fatal("cancelled stream ended cleanly")
		}
		break
	}
}

func TestModels(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"data":[{"id":"gpt-4o","owned_by":"openai"},{"id":"gpt-4o-mini","owned_by":"openai"}]}`)
	})

	models, err := p.Models(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 2 || models[0].Provider != "openai" {
		t.Fatalf("models = %+v", models)
	}
	if !models[0].Features.Vision {
		t.Fatal("gpt-4o should report vision")
	}
}

func TestStreamToolCallAccumulation(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_1\",\"function\":{\"name\":\"get_weather\",\"arguments\":\"{\\\"ci\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"ty\\\":\\\"SF\\\"}\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{},\"finish_reason\":\"tool_calls\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stream, err := p.ChatCompletionStream(context.Background(), basicRequest())
	if err != nil {
		t.Fatal(err)
	}

	var last *chat.Chunk
	for {
		c, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		last = c
	}

	if last == nil || len(last.ToolCalls) != 1 {
		t.Fatalf("terminal chunk = %+v", last)
	}
	tc := last.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "get_weather" || tc.Arguments != `{"city":"SF"}` {
		t.Fatalf("tool call = %+v", tc)
	}
	if *last.FinishReason != "tool_calls" {
		t.Fatalf("finishReason = %v", *last.FinishReason)
	}
}
