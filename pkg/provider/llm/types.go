package llm

// Roles used in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation history sent to the model.
type Message struct {
	// Role is RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the message text.
	Content string
}

// CompletionRequest carries everything the model needs for one response.
type CompletionRequest struct {
	// Messages is the ordered conversation history, oldest first.
	Messages []Message

	// SystemPrompt is injected before Messages. Backends without a dedicated
	// system field prepend it as a RoleSystem message.
	SystemPrompt string

	// Temperature in [0, 2]. Zero leaves the backend default.
	Temperature float64

	// MaxTokens caps the completion length. Zero leaves the backend default.
	MaxTokens int
}

// Chunk is one fragment of a streamed completion.
type Chunk struct {
	// Text is the incremental text. May be empty on the final chunk.
	Text string

	// FinishReason is set on the last chunk of a successful stream ("stop",
	// "length", ...).
	FinishReason string

	// Err is set on the last chunk when the stream failed after it started.
	Err error
}

// ModelCapabilities describes what a model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum input + output token count.
	ContextWindow int

	// MaxOutputTokens is the largest completion the model can produce.
	MaxOutputTokens int

	// SupportsStreaming reports native token streaming.
	SupportsStreaming bool
}
