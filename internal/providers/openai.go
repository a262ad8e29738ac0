package providers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// ZhipuBaseURL is the OpenAI-compatible endpoint of the Zhipu open platform.
const ZhipuBaseURL = "https://open.bigmodel.cn/api/paas/v4/"

const (
	defaultChatModel   = "glm-4"
	defaultImageModel  = "cogview-3"
	defaultImageSize   = "1024x1024"
	defaultVisionModel = "glm-4v"
	defaultTimeout     = 120 * time.Second
)

// OpenAIProvider implements Provider for OpenAI-compatible APIs
// (Zhipu GLM, OpenAI, DeepSeek, vLLM, etc.)
type OpenAIProvider struct {
	name         string
	client       openai.Client
	defaultModel string
	imageModel   string
	imageSize    string
	visionModel  string
}

// OpenAIOption customizes an OpenAIProvider.
type OpenAIOption func(*openAIOptions)

type openAIOptions struct {
	model       string
	imageModel  string
	imageSize   string
	visionModel string
	httpClient  *http.Client
	timeout     time.Duration
}

// WithModels overrides the chat, image and vision models. Empty values keep
// the defaults.
func WithModels(chat, image, vision string) OpenAIOption {
	return func(o *openAIOptions) {
		o.model, o.imageModel, o.visionModel = chat, image, vision
	}
}

// WithImageSize sets the generated image size, e.g. "1024x1024".
func WithImageSize(size string) OpenAIOption {
	return func(o *openAIOptions) { o.imageSize = size }
}

// WithHTTPClient replaces the transport client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(o *openAIOptions) { o.httpClient = c }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(o *openAIOptions) { o.timeout = d }
}

// NewOpenAIProvider creates a provider. SDK-level retries are disabled: the
// bot owns the retry policy.
func NewOpenAIProvider(name, apiKey, apiBase string, opts ...OpenAIOption) *OpenAIProvider {
	o := openAIOptions{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if apiBase == "" {
		apiBase = ZhipuBaseURL
	}
	if !strings.HasSuffix(apiBase, "/") {
		apiBase += "/"
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(apiBase),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(o.timeout),
	}
	if o.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(o.httpClient))
	}

	return &OpenAIProvider{
		name:         name,
		client:       openai.NewClient(reqOpts...),
		defaultModel: orDefault(o.model, defaultChatModel),
		imageModel:   orDefault(o.imageModel, defaultImageModel),
		imageSize:    orDefault(o.imageSize, defaultImageSize),
		visionModel:  orDefault(o.visionModel, defaultVisionModel),
	}
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(orDefault(req.Model, p.defaultModel)),
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		providerLogger(p.name).Debug("chat request failed", "model", params.Model, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return nil, fmt.Errorf("%s chat: %w", p.name, err)
	}
	return parseCompletion(resp), nil
}

func (p *OpenAIProvider) GenerateImage(ctx context.Context, req ImageRequest) (string, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", errors.New("image prompt is required")
	}
	resp, err := p.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(orDefault(req.Model, p.imageModel)),
		Size:   openai.ImageGenerateParamsSize(orDefault(req.Size, p.imageSize)),
		N:      openai.Int(1),
	})
	if err != nil {
		return "", fmt.Errorf("%s image: %w", p.name, err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", fmt.Errorf("%s image: response has no url", p.name)
	}
	return resp.Data[0].URL, nil
}

func (p *OpenAIProvider) Describe(ctx context.Context, req DescribeRequest) (*ChatResponse, error) {
	if len(req.Images) == 0 {
		return nil, errors.New("describe: no images")
	}
	parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(req.Prompt)}
	for _, img := range req.Images {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: dataURL(img),
		}))
	}
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(orDefault(req.Model, p.visionModel)),
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(parts)},
	})
	if err != nil {
		return nil, fmt.Errorf("%s describe: %w", p.name, err)
	}
	return parseCompletion(resp), nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func parseCompletion(resp *openai.ChatCompletion) *ChatResponse {
	out := &ChatResponse{
		Usage: &Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.FinishReason = string(resp.Choices[0].FinishReason)
	}
	return out
}

func dataURL(img ImageContent) string {
	mime := img.MimeType
	if mime == "" {
		mime = http.DetectContentType(img.Data)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

func providerLogger(name string) *slog.Logger {
	return slog.Default().With("component", "provider."+name)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
