package providers

import "context"

// Provider is the interface all LLM providers must implement.
type Provider interface {
	// Chat sends messages to the LLM and returns a response.
	// Model overrides the default when set.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// GenerateImage renders a picture for the prompt and returns its URL.
	GenerateImage(ctx context.Context, req ImageRequest) (string, error)

	// Describe asks a vision model about one or more local images.
	Describe(ctx context.Context, req DescribeRequest) (*ChatResponse, error)

	// DefaultModel returns the provider's default chat model name.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "zhipu", "openai").
	Name() string
}

// ChatRequest contains the input for a Chat call.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
}

// ChatResponse is the result from an LLM call.
type ChatResponse struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"` // "stop", "length"
	Usage        *Usage `json:"usage,omitempty"`
}

// ImageRequest asks for one generated image.
type ImageRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
	Size   string `json:"size,omitempty"` // e.g. "1024x1024"
}

// ImageContent represents an encoded image for vision-capable models.
type ImageContent struct {
	MimeType string `json:"mime_type"` // e.g. "image/jpeg"
	Data     []byte `json:"-"`
}

// DescribeRequest asks a vision model a question about images.
type DescribeRequest struct {
	Prompt string         `json:"prompt"`
	Images []ImageContent `json:"images"`
	Model  string         `json:"model,omitempty"`
}

// Roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a conversation message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
