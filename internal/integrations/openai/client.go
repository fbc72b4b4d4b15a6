package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	goopenai "github.com/sashabaranov/go-openai"

	"chat-backend/internal/domain"
)

// UpstreamStatusError carries the HTTP status of a non-2xx completion call so
// callers can react to throttling without importing the SDK's error types.
type UpstreamStatusError struct {
	StatusCode int
	Err        error
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("openai: upstream status %d: %v", e.StatusCode, e.Err)
}

func (e *UpstreamStatusError) Unwrap() error {
	return e.Err
}

func (e *UpstreamStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// completer is the slice of the go-openai client we call; tests substitute
// fakes.
type completer interface {
	CreateChatCompletion(ctx context.Context, req goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error)
}

// Getter resolves the API key parameter. Satisfied by paramstore.Client.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client produces chat completions. The API key is fetched from SSM on first
// use and the underlying SDK client is reused for the process lifetime; a
// failed fetch is retried on the next call rather than cached.
type Client struct {
	getter      Getter
	paramPrefix string
	baseURL     string

	mu  sync.Mutex
	api completer
}

type Option func(*Client)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

// WithCompleter injects a ready completion backend, bypassing key resolution.
func WithCompleter(api completer) Option {
	return func(c *Client) {
		c.api = api
	}
}

func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{getter: ps, paramPrefix: paramPrefix}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) keyParameterName() string {
	return c.paramPrefix + "/openai-api-key"
}

func (c *Client) resolveAPI(ctx context.Context) (completer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, nil
	}
	key, err := c.getter.GetParameter(ctx, c.keyParameterName())
	if err != nil {
		return nil, err
	}
	cfg := goopenai.DefaultConfig(key)
	if c.baseURL != "" {
		cfg.BaseURL = c.baseURL
	}
	c.api = goopenai.NewClientWithConfig(cfg)
	return c.api, nil
}

// Chat sends the message sequence to the model and returns the first choice.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error) {
	if model == "" {
		return "", errors.New("openai: model must not be empty")
	}
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return "", fmt.Errorf("openai: resolve api key: %w", err)
	}

	req := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]goopenai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, goopenai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	resp, err := api.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *goopenai.APIError
		if errors.As(err, &apiErr) {
			return "", &UpstreamStatusError{StatusCode: apiErr.HTTPStatusCode, Err: err}
		}
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}
