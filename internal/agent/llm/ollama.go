package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/feichai0017/contract-extractor/pkg/logger"
)

type OllamaConfig struct {
	Endpoint    string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaMessage        `json:"messages"`
	Stream   bool                   `json:"stream"`
	Format   string                 `json:"format,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// ollamaChatResponse is the non-streaming /api/chat answer.
type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int64         `json:"prompt_eval_count,omitempty"`
	EvalCount       int64         `json:"eval_count,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// OllamaClient talks to a local Ollama server. Ollama takes images per
// message, so page images are attached to the user message in order and the
// text parts are concatenated.
type OllamaClient struct {
	cfg        OllamaConfig
	httpClient *http.Client
	logger     logger.Logger
}

func NewOllamaClient(cfg OllamaConfig, log logger.Logger) *OllamaClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:11434"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OllamaClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log.Named("ollama").With(logger.String("model", cfg.Model)),
	}
}

func (c *OllamaClient) Model() string { return c.cfg.Model }

func (c *OllamaClient) Invoke(ctx context.Context, req *Request) (*Response, error) {
	user := ollamaMessage{Role: "user"}
	var texts []string
	for _, p := range req.Parts {
		if p.IsImage() {
			user.Images = append(user.Images, base64.StdEncoding.EncodeToString(p.Image))
			continue
		}
		texts = append(texts, p.Text)
	}
	user.Content = strings.Join(texts, "\n\n")

	body := ollamaChatRequest{
		Model:  c.cfg.Model,
		Stream: false,
		Options: map[string]interface{}{
			"temperature": c.cfg.Temperature,
		},
	}
	if req.JSON {
		body.Format = "json"
	}
	if c.cfg.MaxTokens > 0 {
		body.Options["num_predict"] = c.cfg.MaxTokens
	}
	if req.System != "" {
		body.Messages = append(body.Messages, ollamaMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, user)

	reqData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.Endpoint, "/")+"/api/chat", bytes.NewReader(reqData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Provider: "ollama", StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Error != "" {
		return nil, &APIError{Provider: "ollama", StatusCode: http.StatusBadGateway, Message: result.Error}
	}

	c.logger.Debug("chat finished",
		logger.Int("images", len(user.Images)),
		logger.Int64("evalCount", result.EvalCount),
	)
	return &Response{
		Content:          result.Message.Content,
		Model:            result.Model,
		PromptTokens:     result.PromptEvalCount,
		CompletionTokens: result.EvalCount,
	}, nil
}

func (c *OllamaClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
