package schema

// FlowDefinition declares a named generative operation. Definitions are built
// at startup and never mutated.
type FlowDefinition struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Input       *Schema  `json:"input"`
	Output      *Schema  `json:"output"`
	Template    string   `json:"template"`
	Tools       []string `json:"tools,omitempty"`

	// OutputGuard is an optional CEL expression over `input` and `output`
	// that must evaluate to true for a validated output to be accepted.
	OutputGuard string `json:"output_guard,omitempty"`

	// MaxToolRounds overrides the executor's tool round bound when > 0.
	MaxToolRounds int `json:"max_tool_rounds,omitempty"`
}

// ToolDescriptor is what a model backend sees of a tool it may invoke.
type ToolDescriptor struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// FlowInfo is a summary of a registered flow for listing.
type FlowInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tools       []string `json:"tools,omitempty"`
}
