package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

var ErrModelUnavailable = errors.New("model unavailable")

// DefaultTimeout covers slow reasoning models.
const DefaultTimeout = 120 * time.Second

// 各服务商的 OpenAI 兼容地址
var providerBaseURLs = map[string]string{
	"openai":   "https://api.openai.com/v1",
	"deepseek": "https://api.deepseek.com/v1",
	"qwen":     "https://dashscope.aliyuncs.com/compatible-mode/v1",
}

// BaseURLFor returns the explicit URL when set, else the provider default.
func BaseURLFor(provider, explicit string) string {
	if explicit != "" {
		return strings.TrimSuffix(explicit, "/")
	}
	if u, ok := providerBaseURLs[strings.ToLower(provider)]; ok {
		return u
	}
	return providerBaseURLs["openai"]
}

// Request is one chat turn: a system prompt and a user prompt.
type Request struct {
	Model             string
	System            string
	User              string
	Temperature       float64
	MaxTokens         int
	ExtendedReasoning bool
}

// Response 模型回复
type Response struct {
	Content          string
	Reasoning        string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Model is anything that can answer a Request.
type Model interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Options 构造客户端所需的参数
type Options struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client talks to an OpenAI-compatible chat-completions endpoint.
type Client struct {
	http   *resty.Client
	model  string
	logger *zap.Logger
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model           string        `json:"model"`
	Messages        []chatMessage `json:"messages"`
	Temperature     float64       `json:"temperature"`
	MaxTokens       int           `json:"max_tokens,omitempty"`
	ReasoningEffort string        `json:"reasoning_effort,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewClient 创建 LLM 客户端; 不做自动重试, 失败由调用方处理
func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	http := resty.New().
		SetBaseURL(strings.TrimSuffix(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if opts.APIKey != "" {
		http.SetAuthToken(opts.APIKey)
	}
	return &Client{http: http, model: opts.Model, logger: logger}
}

// Complete sends one chat completion. Any failure, including an empty reply, wraps ErrModelUnavailable.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	body := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.ExtendedReasoning {
		body.ReasoningEffort = "high"
	}

	var out chatResponse
	var apiErr errorResponse
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr).
		Post("/chat/completions")
	if err != nil {
		return Response{}, fmt.Errorf("%s: %v: %w", model, err, ErrModelUnavailable)
	}
	if resp.IsError() {
		msg := apiErr.Error.Message
		if msg == "" {
			msg = truncate(resp.String(), 200)
		}
		return Response{}, fmt.Errorf("%s: status %d: %s: %w", model, resp.StatusCode(), msg, ErrModelUnavailable)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return Response{}, fmt.Errorf("%s: empty content: %w", model, ErrModelUnavailable)
	}

	c.logger.Debug("model replied",
		zap.String("model", model),
		zap.Duration("latency", time.Since(start)),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens))

	return Response{
		Content:          out.Choices[0].Message.Content,
		Reasoning:        out.Choices[0].Message.ReasoningContent,
		Model:            out.Model,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
