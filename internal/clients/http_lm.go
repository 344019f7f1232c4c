package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

const (
	defaultHTTPTimeout = 60 * time.Second
)

// HTTPLM is a chat-completions client for any OpenAI-compatible endpoint.
// Transient provider errors (429, 5xx, network) are retried by the
// underlying HTTP client; request pacing is enforced with a token bucket.
type HTTPLM struct {
	apiKey     string
	baseURL    string
	model      string
	provider   string
	httpClient *retryablehttp.Client
	limiter    *rate.Limiter
}

// HTTPLMOptions configures an HTTPLM.
type HTTPLMOptions struct {
	APIKey   string
	BaseURL  string
	Model    string
	Provider string
	Timeout  time.Duration

	// RequestsPerSecond caps outbound request rate; zero means unlimited.
	RequestsPerSecond float64
	Burst             int
}

// NewHTTPLM creates a new HTTPLM.
func NewHTTPLM(opts HTTPLMOptions) (*HTTPLM, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if opts.Provider == "" {
		opts.Provider = "openai"
	}
	if opts.Timeout == 0 {
		opts.Timeout = defaultHTTPTimeout
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.CheckRetry = retryPolicy
	retryClient.HTTPClient.Timeout = opts.Timeout
	retryClient.Logger = nil

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &HTTPLM{
		apiKey:     opts.APIKey,
		baseURL:    opts.BaseURL,
		model:      opts.Model,
		provider:   opts.Provider,
		httpClient: retryClient,
		limiter:    limiter,
	}, nil
}

// retryPolicy retries network errors, rate limits and server errors.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Call implements BaseLM.Call.
func (c *HTTPLM) Call(ctx context.Context, request *Request) (*Response, error) {
	if request.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, request.Timeout)
		defer cancel()
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	chatReq := chatCompletionRequest{
		Model:    c.model,
		Messages: make([]chatMessage, len(request.Messages)),
	}
	for i, msg := range request.Messages {
		chatReq.Messages[i] = chatMessage{Role: msg.Role, Content: msg.Content}
	}
	temp := request.Temperature
	chatReq.Temperature = &temp
	if request.MaxTokens > 0 {
		chatReq.MaxTokens = &request.MaxTokens
	}
	if len(request.StopSequences) > 0 {
		chatReq.Stop = request.StopSequences
	}

	reqBody, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if request.CorrelationID != "" {
		httpReq.Header.Set("X-Correlation-ID", request.CorrelationID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
			return nil, NewClientError(resp.StatusCode, string(body), "api_error", resp.StatusCode == 429 || resp.StatusCode >= 500)
		}
		return nil, NewClientError(resp.StatusCode, errResp.Error.Message, errResp.Error.Type, resp.StatusCode == 429 || resp.StatusCode >= 500)
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	out := &Response{
		Choices: make([]Choice, len(completion.Choices)),
		Usage: Usage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
			TotalTokens:      completion.Usage.TotalTokens,
		},
		Model: completion.Model,
		ID:    completion.ID,
	}
	for i, choice := range completion.Choices {
		out.Choices[i] = Choice{
			Message:      Message{Role: choice.Message.Role, Content: choice.Message.Content},
			Index:        choice.Index,
			FinishReason: choice.FinishReason,
		}
	}
	return out, nil
}

// Name implements BaseLM.Name.
func (c *HTTPLM) Name() string {
	return c.model
}

// Provider implements BaseLM.Provider.
func (c *HTTPLM) Provider() string {
	return c.provider
}
