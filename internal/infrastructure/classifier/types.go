package classifier

// Message types for the external model-classification service. Field names
// follow the service's wire schema; they travel over gRPC with the JSON
// codec registered in this package.

// Model is one flattened model entry sent for classification.
type Model struct {
	ID             string            `json:"id"`
	Name           string            `json:"name,omitempty"`
	ContextSize    int32             `json:"context_size,omitempty"`
	MaxTokens      int32             `json:"max_tokens,omitempty"`
	Provider       string            `json:"provider,omitempty"`
	DisplayName    string            `json:"display_name,omitempty"`
	Description    string            `json:"description,omitempty"`
	CostPerToken   float64           `json:"cost_per_token,omitempty"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	Family         string            `json:"family,omitempty"`
	Type           string            `json:"type,omitempty"`
	Series         string            `json:"series,omitempty"`
	Variant        string            `json:"variant,omitempty"`
	IsDefault      bool              `json:"is_default,omitempty"`
	IsMultimodal   bool              `json:"is_multimodal,omitempty"`
	IsExperimental bool              `json:"is_experimental,omitempty"`
	Version        string            `json:"version,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// LoadedModelList is the ClassifyModels request payload.
type LoadedModelList struct {
	Models          []Model `json:"models"`
	DefaultProvider string  `json:"default_provider,omitempty"`
	DefaultModel    string  `json:"default_model,omitempty"`
}

// ClassificationCriteria is the ClassifyModelsWithCriteria request payload.
type ClassificationCriteria struct {
	Properties          []string `json:"properties,omitempty"`
	IncludeExperimental bool     `json:"include_experimental,omitempty"`
	IncludeDeprecated   bool     `json:"include_deprecated,omitempty"`
	MinContextSize      int32    `json:"min_context_size,omitempty"`
	Hierarchical        bool     `json:"hierarchical,omitempty"`
}

// Empty reports whether no criterion is set; the criteria endpoint rejects
// such requests.
func (c *ClassificationCriteria) Empty() bool {
	return len(c.Properties) == 0 &&
		!c.IncludeExperimental &&
		!c.IncludeDeprecated &&
		c.MinContextSize == 0 &&
		!c.Hierarchical
}

// ClassifiedModelGroup is one flat classification bucket.
type ClassifiedModelGroup struct {
	PropertyName  string  `json:"property_name"`
	PropertyValue string  `json:"property_value"`
	Models        []Model `json:"models"`
}

// HierarchicalModelGroup is one node of the hierarchical classification.
type HierarchicalModelGroup struct {
	GroupName  string                   `json:"group_name"`
	GroupValue string                   `json:"group_value"`
	Models     []Model                  `json:"models,omitempty"`
	Children   []HierarchicalModelGroup `json:"children,omitempty"`
}

// ClassifiedModelResponse is the reply for both operations.
type ClassifiedModelResponse struct {
	ClassifiedGroups    []ClassifiedModelGroup   `json:"classified_groups,omitempty"`
	AvailableProperties []string                 `json:"available_properties,omitempty"`
	ErrorMessage        string                   `json:"error_message,omitempty"`
	HierarchicalGroups  []HierarchicalModelGroup `json:"hierarchical_groups,omitempty"`
}
