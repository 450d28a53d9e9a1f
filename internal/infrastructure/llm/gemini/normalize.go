package gemini

import (
	"strings"

	"github.com/modelmux/modelmux/internal/domain/chat"
	"go.uber.org/zap"
)

const roleModel = "model"

// normalizeMessages converts inbound messages to generateContent shape: the
// first system message becomes systemInstruction, assistant turns map to the
// "model" role, and the sequence is forced into user/model alternation
// starting with user. Consecutive same-role turns are merged; a synthetic
// empty user turn is prepended when the conversation opens with the model.
func normalizeMessages(msgs []chat.Message, logger *zap.Logger) (system *content, out []content) {
	for _, m := range msgs {
		if m.Role == chat.RoleSystem {
			if system == nil {
				system = &content{Parts: []part{{Text: m.Content.PlainText()}}}
			} else {
				logger.Warn("Extra system message folded into conversation as user text")
				out = appendTurn(out, chat.RoleUser, []part{{Text: m.Content.PlainText()}})
			}
			continue
		}

		role := m.Role
		if role == chat.RoleAssistant {
			role = roleModel
		}
		parts := convertContent(m.Content, logger)
		if len(parts) == 0 {
			parts = []part{{Text: ""}}
		}
		out = appendTurn(out, role, parts)
	}

	if len(out) > 0 && out[0].Role != chat.RoleUser {
		out = append([]content{{Role: chat.RoleUser, Parts: []part{{Text: ""}}}}, out...)
	}
	return system, out
}

func appendTurn(contents []content, role string, parts []part) []content {
	if n := len(contents); n > 0 && contents[n-1].Role == role {
		contents[n-1].Parts = append(contents[n-1].Parts, parts...)
		return contents
	}
	return append(contents, content{Role: role, Parts: parts})
}

// convertContent maps content parts to Gemini parts. Base64 data URLs become
// inline_data; plain URL images are dropped since the REST API only accepts
// inline bytes.
func convertContent(c chat.Content, logger *zap.Logger) []part {
	if !c.IsParts() {
		if c.Text == "" {
			return nil
		}
		return []part{{Text: c.Text}}
	}

	var parts []part
	for _, p := range c.Parts {
		switch p.Type {
		case chat.PartText:
			parts = append(parts, part{Text: p.Text})
		case chat.PartImageURL:
			if p.ImageURL == nil {
				continue
			}
			parsed, ok := chat.ParseDataURL(p.ImageURL.URL)
			if !ok {
				logger.Warn("Dropping non-base64 image for Gemini upstream")
				continue
			}
			parts = append(parts, part{InlineData: &inlineData{
				MimeType: parsed.MediaType,
				Data:     parsed.Data,
			}})
		}
	}
	return parts
}

// normalizeFinishReason maps Gemini finish reasons onto the shared
// vocabulary.
func normalizeFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}
