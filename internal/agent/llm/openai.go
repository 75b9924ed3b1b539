package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/feichai0017/contract-extractor/pkg/logger"
)

// DefaultBaseURL is Gemini's OpenAI-compatible endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int64
	Timeout     time.Duration
}

// OpenAIClient calls any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	client openai.Client
	cfg    OpenAIConfig
	logger logger.Logger
}

func NewOpenAIClient(cfg OpenAIConfig, log logger.Logger) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		// retries happen in the invoker
		option.WithMaxRetries(0),
	}
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		logger: log.Named("openai").With(logger.String("model", cfg.Model)),
	}
}

func (c *OpenAIClient) Model() string { return c.cfg.Model }

func (c *OpenAIClient) Invoke(ctx context.Context, req *Request) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:       c.cfg.Model,
		Messages:    buildMessages(req),
		Temperature: openai.Float(c.cfg.Temperature),
	}
	if c.cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.cfg.MaxTokens)
	}

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, &APIError{Provider: "openai", StatusCode: apiErr.StatusCode, Message: apiErr.Message}
		}
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, &APIError{Provider: "openai", StatusCode: http.StatusBadGateway, Message: "response has no choices"}
	}

	c.logger.Debug("chat completion finished",
		logger.Int("images", req.Images()),
		logger.Int64("promptTokens", resp.Usage.PromptTokens),
		logger.Int64("completionTokens", resp.Usage.CompletionTokens),
		logger.Duration("elapsed", time.Since(start)),
	)
	return &Response{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func buildMessages(req *Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	if req.Images() == 0 {
		texts := make([]string, 0, len(req.Parts))
		for _, p := range req.Parts {
			texts = append(texts, p.Text)
		}
		return append(messages, openai.UserMessage(strings.Join(texts, "\n\n")))
	}

	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(req.Parts))
	for _, p := range req.Parts {
		if p.IsImage() {
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL:    dataURL(p),
				Detail: "high",
			}))
			continue
		}
		parts = append(parts, openai.TextContentPart(p.Text))
	}
	return append(messages, openai.UserMessage(parts))
}

func dataURL(p Part) string {
	return "data:" + p.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(p.Image)
}
