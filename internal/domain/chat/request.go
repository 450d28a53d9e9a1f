package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelmux/modelmux/pkg/errors"
)

// Request defaults applied when the client omits the fields.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
)

// StopList accepts either a single string or an array of strings on the wire.
type StopList []string

func (s *StopList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StopList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings: %w", err)
	}
	*s = many
	return nil
}

// ResponseFormat selects JSON-mode output.
type ResponseFormat struct {
	Type string `json:"type"` // "json_object"
}

// Request is the inbound chat-completion request. Model is either
// "<provider>/<modelName>" or a bare model name resolved against the default
// provider.
type Request struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stop             StopList        `json:"stop,omitempty"`
	ResponseFormat   *ResponseFormat `json:"response_format,omitempty"`
	RequestID        string          `json:"requestId,omitempty"`
	NoCache          bool            `json:"nocache,omitempty"`
}

// ApplyDefaults fills temperature and max_tokens when omitted.
func (r *Request) ApplyDefaults() {
	if r.Temperature == nil {
		t := DefaultTemperature
		r.Temperature = &t
	}
	if r.MaxTokens == nil {
		n := DefaultMaxTokens
		r.MaxTokens = &n
	}
}

// Validate checks the request shape. Returns a typed validation error with
// per-field details.
func (r *Request) Validate() error {
	var details []errors.FieldError
	if strings.TrimSpace(r.Model) == "" {
		details = append(details, errors.FieldError{Field: "model", Message: "model is required"})
	}
	if len(r.Messages) == 0 {
		details = append(details, errors.FieldError{Field: "messages", Message: "messages must contain at least one entry"})
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			details = append(details, errors.FieldError{
				Field:   fmt.Sprintf("messages[%d].role", i),
				Message: fmt.Sprintf("role must be one of system, user, assistant; got %q", m.Role),
			})
		}
		if !m.Content.IsParts() && m.Content.Text == "" && m.Role != RoleAssistant {
			details = append(details, errors.FieldError{
				Field:   fmt.Sprintf("messages[%d].content", i),
				Message: "content is required",
			})
		}
	}
	if len(details) > 0 {
		return errors.NewValidation("invalid chat request", details...)
	}
	return nil
}

// SplitModel splits "provider/model" at the first slash. A bare model name
// resolves to the default provider with the whole string as the model.
func SplitModel(model, defaultProvider string) (provider, name string) {
	if idx := strings.Index(model, "/"); idx >= 0 {
		return model[:idx], model[idx+1:]
	}
	return defaultProvider, model
}
