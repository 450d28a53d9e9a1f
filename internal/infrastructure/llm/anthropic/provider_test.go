package anthropic

import (
	"context"
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
		Name:    "anthropic",
		BaseURL: srv.URL,
		APIKey:  "test-key",
	}, zap.NewNop())
}

func basicRequest() *chat.Request {
	r := &chat.Request{
		Model:    "claude-sonnet-4-20250514",
		Messages: []chat.Message{{Role: chat.RoleUser, Content: chat.Content{Text: "hi"}}},
	}
	r.ApplyDefaults()
	return r
}

func TestChatCompletion(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Error("missing x-api-key")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("missing anthropic-version")
		}
		fmt.Fprint(w, `{"id":"msg_1","model":"claude-sonnet-4-20250514","content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":2}}`)
	})

	resp, err := p.ChatCompletion(context.Background(), basicRequest())
	if err != nil {
		t.Fatal(err)
	}
	if *resp.Content != "hello" || *resp.FinishReason != "stop" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Usage.TotalTokens != 12 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestChatCompletionStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"model\":\"claude-sonnet-4-20250514\",\"usage\":{\"input_tokens\":10}}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n")
		fmt.Fprint(w, "event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":2}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
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
	if *chunks[0].Content != "Hel" || chunks[0].ID != "msg_1" {
		t.Fatalf("first chunk = %+v", chunks[0])
	}

	terminal := chunks[2]
	if *terminal.FinishReason != "stop" {
		t.Fatalf("finishReason = %v", *terminal.FinishReason)
	}
	if terminal.Usage.PromptTokens != 10 || terminal.Usage.CompletionTokens != 2 || terminal.Usage.TotalTokens != 12 {
		t.Fatalf("usage = %+v", terminal.Usage)
	}
}

func TestChatCompletionStream_TypedErrorEvent(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"model\":\"m\",\"usage\":{\"input_tokens\":1}}}\n\n")
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	})

	stream, err := p.ChatCompletionStream(context.Background(), basicRequest())
	if err != nil {
		t.Fatal(err)
	}

	for {
		_, err := stream.Recv()
		if err == io.EOF {
			t.Fatal("errored stream ended cleanly")
		}
		if err != nil {
			e, ok := errors.As(err)
			if !ok || e.Code != errors.CodeProviderSSE {
				t.Fatalf("err = %v", err)
			}
			if e.Message != "Overloaded" {
				t.Fatalf("message = %q", e.Message)
			}
			return
		}
	}
}

func TestModels_StaticCatalog(t *testing.T) {
	p := New(llm.ProviderConfig{Name: "anthropic", APIKey: "k"}, zap.NewNop())
	models, err := p.Models(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(models) == 0 {
		t.Fatal("empty catalog")
	}
	for _, m := range models {
		if m.Provider != "anthropic" || m.TokenLimit == 0 {
			t.Fatalf("model = %+v", m)
		}
	}
}
