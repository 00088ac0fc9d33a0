package llm

// Message roles understood by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single message in a completion request.
type Message struct {
	// Role is one of [RoleSystem], [RoleUser] or [RoleAssistant].
	Role string

	Content string
}

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	Messages []Message

	// SystemPrompt is injected before Messages as a system-role message.
	SystemPrompt string

	// Model overrides the provider's default model when non-empty.
	Model string

	// Temperature in [0.0, 2.0]. Zero requests the provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero means the provider default.
	MaxTokens int
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is the full reply to a [CompletionRequest].
type CompletionResponse struct {
	Content string
	Usage   Usage
}
