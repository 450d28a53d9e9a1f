package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Roles accepted in a chat request.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single conversation turn. Content is either a plain string or
// an ordered list of parts (text and image_url), matching the OpenAI wire
// shape that clients send.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Content holds either a plain string or multimodal parts. Exactly one of
// the two representations is populated.
type Content struct {
	Text  string
	Parts []ContentPart
}

// IsParts reports whether the content is the multimodal parts form.
func (c Content) IsParts() bool { return c.Parts != nil }

// PlainText flattens content to text, joining text parts and skipping images.
func (c Content) PlainText() string {
	if !c.IsParts() {
		return c.Text
	}
	var b strings.Builder
	for _, p := range c.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsParts() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or an array of parts: %w", err)
	}
	c.Text = ""
	c.Parts = parts
	return nil
}

// Part types.
const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// ContentPart is one element of multimodal content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an http(s) URL or a base64 data URL.
type ImageURL struct {
	URL string `json:"url"`
}

// DataURL is a parsed base64 data URL.
type DataURL struct {
	MediaType string
	Data      string
}

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// ParseDataURL parses "data:<mediaType>;base64,<data>". The second return is
// false for plain URLs, malformed data URLs, and unsupported media types.
func ParseDataURL(url string) (DataURL, bool) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return DataURL{}, false
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return DataURL{}, false
	}
	mediaType, ok := strings.CutSuffix(meta, ";base64")
	if !ok || !allowedImageTypes[mediaType] {
		return DataURL{}, false
	}
	return DataURL{MediaType: mediaType, Data: data}, true
}

// Usage is the normalized token accounting.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Total returns the best available total token count.
func (u Usage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// ToolCall is a provider-native tool invocation echoed to the client.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

// Response is the uniform non-streaming completion schema.
type Response struct {
	ID           string          `json:"id"`
	Model        string          `json:"model"`
	Provider     string          `json:"provider"`
	CreatedAt    string          `json:"createdAt"`
	Content      *string         `json:"content"`
	ToolCalls    []ToolCall      `json:"toolCalls,omitempty"`
	Usage        Usage           `json:"usage"`
	LatencyMs    *int64          `json:"latency"`
	FinishReason *string         `json:"finishReason"`
	Cached       bool            `json:"cached,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// Chunk is the uniform streaming schema. Usage carries the latest cumulative
// counts; FinishReason stays nil until the terminal chunk; LatencyMs is the
// time to first byte, recorded once on the first non-empty chunk.
type Chunk struct {
	ID           string     `json:"id"`
	Model        string     `json:"model"`
	Provider     string     `json:"provider"`
	CreatedAt    string     `json:"createdAt"`
	Content      *string    `json:"content"`
	ToolCalls    []ToolCall `json:"toolCalls,omitempty"`
	Usage        Usage      `json:"usage"`
	LatencyMs    *int64     `json:"latency,omitempty"`
	FinishReason *string    `json:"finishReason"`
}

// Now returns the ISO-8601 timestamp used in CreatedAt fields.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Features describes what a model supports.
type Features struct {
	Streaming       bool `json:"streaming"`
	Vision          bool `json:"vision"`
	Tools           bool `json:"tools"`
	JSON            bool `json:"json"`
	System          bool `json:"system"`
	FunctionCalling bool `json:"functionCalling"`
}

// ModelInfo describes a single upstream model.
type ModelInfo struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Provider    string         `json:"provider"`
	TokenLimit  int            `json:"tokenLimit"`
	Features    Features       `json:"features"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// StrPtr is a convenience for the nullable string fields above.
func StrPtr(s string) *string { return &s }

// Int64Ptr is a convenience for nullable latency fields.
func Int64Ptr(n int64) *int64 { return &n }
