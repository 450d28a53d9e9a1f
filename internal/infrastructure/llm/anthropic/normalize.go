package anthropic

import (
	"github.com/modelmux/modelmux/internal/domain/chat"
	"go.uber.org/zap"
)

// normalizeMessages converts inbound messages to the Messages API shape:
// the first system message is lifted into the top-level system string, the
// remaining turns are forced into strict user/assistant alternation starting
// with user. A synthetic empty user turn is prepended when the conversation
// opens with the assistant; consecutive same-role turns are merged into one
// message with combined content blocks.
func normalizeMessages(msgs []chat.Message, logger *zap.Logger) (system string, out []apiMessage) {
	for _, m := range msgs {
		if m.Role == chat.RoleSystem {
			if system == "" {
				system = m.Content.PlainText()
			} else {
				logger.Warn("Extra system message folded into conversation as user text")
				out = appendTurn(out, chat.RoleUser, []contentBlock{{Type: "text", Text: m.Content.PlainText()}})
			}
			continue
		}

		blocks := convertContent(m.Content, logger)
		if len(blocks) == 0 {
			blocks = []contentBlock{{Type: "text", Text: ""}}
		}
		out = appendTurn(out, m.Role, blocks)
	}

	if len(out) > 0 && out[0].Role == chat.RoleAssistant {
		out = append([]apiMessage{{
			Role:    chat.RoleUser,
			Content: []contentBlock{{Type: "text", Text: ""}},
		}}, out...)
	}
	if len(out) > 0 && out[len(out)-1].Role == chat.RoleAssistant {
		logger.Warn("Conversation ends with an assistant turn; upstream will continue it")
	}
	return system, out
}

// appendTurn merges consecutive same-role turns, which the Messages API
// rejects as separate entries.
func appendTurn(msgs []apiMessage, role string, blocks []contentBlock) []apiMessage {
	if n := len(msgs); n > 0 && msgs[n-1].Role == role {
		msgs[n-1].Content = append(msgs[n-1].Content, blocks...)
		return msgs
	}
	return append(msgs, apiMessage{Role: role, Content: blocks})
}

// convertContent maps content parts to Anthropic blocks. Base64 data URLs
// become image source blocks; plain URL images are dropped since this API
// only accepts inline data.
func convertContent(c chat.Content, logger *zap.Logger) []contentBlock {
	if !c.IsParts() {
		if c.Text == "" {
			return nil
		}
		return []contentBlock{{Type: "text", Text: c.Text}}
	}

	var blocks []contentBlock
	for _, p := range c.Parts {
		switch p.Type {
		case chat.PartText:
			blocks = append(blocks, contentBlock{Type: "text", Text: p.Text})
		case chat.PartImageURL:
			if p.ImageURL == nil {
				continue
			}
			parsed, ok := chat.ParseDataURL(p.ImageURL.URL)
			if !ok {
				logger.Warn("Dropping non-base64 image for Anthropic upstream",
					zap.String("url", truncate(p.ImageURL.URL, 64)))
				continue
			}
			blocks = append(blocks, contentBlock{
				Type: "image",
				Source: &imageSource{
					Type:      "base64",
					MediaType: parsed.MediaType,
					Data:      parsed.Data,
				},
			})
		}
	}
	return blocks
}

// normalizeStopReason maps Anthropic stop reasons onto the shared vocabulary.
func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
