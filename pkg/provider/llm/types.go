package llm

// Roles accepted in a [Message].
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant or tool name. For "tool"-role messages it
	// carries the tool name.
	Name string

	// ToolCallID is set when Role is "tool", identifying which tool call this
	// responds to.
	ToolCallID string

	// Images holds inline image attachments for "user"-role messages. Only
	// meaningful when the provider reports SupportsVision; other providers
	// ignore it.
	Images []ImagePart
}

// ImagePart is one inline image attachment of a multipart user message.
type ImagePart struct {
	// MIME is the image media type, e.g. "image/png".
	MIME string

	// Data is the raw image payload. Providers encode it as a base64 data URI
	// on the wire.
	Data []byte
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ModelID is the provider-specific model identifier.
	ModelID string

	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolRole indicates the chat API accepts messages with a native
	// "tool" role. Callers down-convert tool results to system messages for
	// providers that do not.
	SupportsToolRole bool

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool
}
