package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
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
		Name:    "gemini",
		BaseURL: srv.URL,
		APIKey:  "test-key",
	}, zap.NewNop())
}

func basicRequest() *chat.Request {
	r := &chat.Request{
		Model:    "gemini-2.0-flash",
		Messages: []chat.Message{{Role: chat.RoleUser, Content: chat.Content{Text: "hi"}}},
	}
	r.ApplyDefaults()
	return r
}

func TestEndpoint(t *testing.T) {
	p := New(llm.ProviderConfig{Name: "gemini", APIKey: "k/1"}, zap.NewNop())

	got := p.endpoint("gemini-2.0-flash", false)
	want := "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent?key=k%2F1"
	if got != want {
		t.Fatalf("endpoint = %q, want %q", got, want)
	}

	got = p.endpoint("gemini-2.0-flash", true)
	if !strings.Contains(got, ":streamGenerateContent?alt=sse&key=k%2F1") {
		t.Fatalf("stream endpoint = %q", got)
	}
}

func TestChatCompletion(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1beta/models/gemini-2.0-flash:generateContent") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Error("missing key query parameter")
		}

		var req apiRequest
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("unparseable request: %v", err)
		}
		if len(req.Contents) != 1 || req.Contents[0].Role != "user" {
			t.Errorf("contents = %+v", req.Contents)
		}

		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"hello"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":1,"totalTokenCount":5},"modelVersion":"gemini-2.0-flash-001"}`)
	})

	resp, err := p.ChatCompletion(context.Background(), basicRequest())
	if err != nil {
		t.Fatal(err)
	}
	if *resp.Content != "hello" || *resp.FinishReason != "stop" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Model != "gemini-2.0-flash-001" {
		t.Fatalf("model = %q, want the upstream modelVersion", resp.Model)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestChatCompletionStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("alt = %q", r.URL.Query().Get("alt"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, data := range []string{
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]}`,
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2,"totalTokenCount":6}}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
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

	// Two content chunks plus the synthetic terminal chunk.
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if *chunks[0].Content != "Hel" || chunks[0].LatencyMs == nil {
		t.Fatalf("first chunk = %+v", chunks[0])
	}
	last := chunks[len(chunks)-1]
	if last.FinishReason == nil || *last.FinishReason != "stop" {
		t.Fatalf("terminal chunk = %+v", last)
	}
	if last.Usage.TotalTokens != 6 {
		t.Fatalf("terminal usage = %+v", last.Usage)
	}
}

func TestChatCompletionStream_UpstreamError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limit exceeded"}}`)
	})

	_, err := p.ChatCompletionStream(context.Background(), basicRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	e, ok := errors.As(err)
	if !ok || e.Code != errors.CodeProviderRateLimit {
		t.Fatalf("err = %v", err)
	}
}

func TestModels(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1beta/models") {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"models":[
			{"name":"models/gemini-2.0-flash","displayName":"Gemini 2.0 Flash","inputTokenLimit":1048576,"supportedGenerationMethods":["generateContent","streamGenerateContent"]},
			{"name":"models/text-embedding-004","displayName":"Embedding","supportedGenerationMethods":["embedContent"]}
		]}`)
	})

	models, err := p.Models(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 {
		t.Fatalf("models = %+v, embedding models must be filtered out", models)
	}
	if models[0].ID != "gemini-2.0-flash" || !models[0].Features.Streaming {
		t.Fatalf("model = %+v", models[0])
	}
}
