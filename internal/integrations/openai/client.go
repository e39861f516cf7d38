package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"persona-chat/internal/domain"
)

const defaultBaseURL = "https://api.openai.com/v1"

var (
	errBuildRequest = errors.New("create request")
	errReadBody     = errors.New("read response body")
)

type completionRequest struct {
	Model       string               `json:"model"`
	Messages    []domain.ChatMessage `json:"messages"`
	Temperature float64              `json:"temperature"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message domain.ChatMessage `json:"message"`
	} `json:"choices"`
}

// tokenPayload is the JSON value stored in the token parameter.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError is a non-2xx answer from the completion service.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

var ErrEmptyCompletion = errors.New("openai: empty completion")

// Client calls an OpenAI-compatible chat completions endpoint. A key read
// successfully from the parameter store is kept for the life of the process;
// a failed read is attempted again on the next call.
type Client struct {
	endpoint  string
	http      *http.Client
	keys      Getter
	keyParam  string
	maxTokens int

	retries   uint64
	retryWait time.Duration

	mu  sync.Mutex
	key string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.endpoint = chatURL(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// WithMaxTokens caps the reply length. Zero leaves it to the service.
func WithMaxTokens(n int) Option {
	return func(c *Client) {
		c.maxTokens = max(n, 0)
	}
}

// WithRetry sets how often a 5xx or transport failure is retried. Rate
// limiting (429) is never retried here.
func WithRetry(maxRetries uint64, initial time.Duration) Option {
	return func(c *Client) {
		c.retries = maxRetries
		if initial > 0 {
			c.retryWait = initial
		}
	}
}

func NewClient(keys Getter, tokenParam string, opts ...Option) (*Client, error) {
	if keys == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	tokenParam = strings.TrimSpace(tokenParam)
	if tokenParam == "" {
		return nil, errors.New("openai: token parameter name must not be empty")
	}
	c := &Client{
		endpoint:  chatURL(defaultBaseURL),
		http:      &http.Client{Timeout: 30 * time.Second},
		keys:      keys,
		keyParam:  tokenParam,
		retries:   1,
		retryWait: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case base == "":
		base = defaultBaseURL
	case !strings.HasSuffix(base, "/v1"):
		base += "/v1"
	}
	return base + "/chat/completions"
}

func (c *Client) apiKey(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != "" {
		return c.key, nil
	}
	key, err := readToken(ctx, c.keys, c.keyParam)
	if err != nil {
		return "", err
	}
	c.key = key
	return key, nil
}

// Complete sends the role-tagged messages and returns the trimmed text of the
// first choice.
func (c *Client) Complete(ctx context.Context, model string, temperature float64, messages []domain.ChatMessage) (string, error) {
	if strings.TrimSpace(model) == "" {
		return "", errors.New("openai: model must not be empty")
	}
	key, err := c.apiKey(ctx)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(completionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("openai: marshal request: %w", err)
	}

	var raw []byte
	op := func() error {
		var err error
		raw, err = c.post(ctx, key, body)
		if err != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(c.backOff(), ctx)); err != nil {
		return "", fmt.Errorf("openai: request failed: %w", err)
	}
	return firstChoice(raw)
}

func (c *Client) backOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.retryWait
	exp.MaxInterval = 2 * time.Second
	exp.Reset()
	return backoff.WithMaxRetries(exp, c.retries)
}

func (c *Client) post(ctx context.Context, key string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBuildRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: c.endpoint, Body: string(snippet)}
	}
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errReadBody, err)
	}
	return raw, nil
}

// transient is true for 5xx responses and transport failures. A request that
// could not be built fails the same way on every attempt.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// NewRequest reports a bad URL as *url.Error, which is also a net.Error.
	if errors.Is(err, errBuildRequest) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, errReadBody)
}

func firstChoice(raw []byte) (string, error) {
	var payload completionResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("openai: decode response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	text := strings.TrimSpace(payload.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

func readToken(ctx context.Context, keys Getter, name string) (string, error) {
	raw, err := keys.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: token parameter is not JSON: %w", err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", errors.New("openai: API token is empty")
	}
	return strings.TrimSpace(tp.Token), nil
}
