package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrUnavailable is returned when no API key is configured.
var ErrUnavailable = errors.New("generator client unavailable")

// TextGenerator is the boundary to the external model endpoint.
type TextGenerator interface {
	Complete(ctx context.Context, request CompletionRequest) (CompletionResult, error)
	Available() bool
}

// CompletionRequest describes one structured-output call.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
}

// CompletionResult carries the raw model text plus accounting data.
type CompletionResult struct {
	Text    string
	ModelID string
	Tokens  int
}

// ClientConfig configures the OpenAI-compatible HTTP client.
type ClientConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	// RatePerSec throttles outbound calls; zero disables throttling.
	RatePerSec float64
	Burst      int
}

// Client talks to an OpenAI-compatible chat completions endpoint in JSON
// mode. Calls are paced by a local rate limiter so a large job cannot
// exhaust the upstream quota.
type Client struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient builds a client with defaults suitable for chat completions.
func NewClient(cfg ClientConfig) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}

	return &Client{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		httpClient: cfg.HTTPClient,
		limiter:    limiter,
	}
}

func (c *Client) Available() bool {
	return c.apiKey != ""
}

// Complete issues one chat completion in JSON mode.
func (c *Client) Complete(ctx context.Context, request CompletionRequest) (CompletionResult, error) {
	if !c.Available() {
		return CompletionResult{}, Permanent(ErrUnavailable)
	}
	if strings.TrimSpace(request.Model) == "" {
		return CompletionResult{}, Permanent(errors.New("model is required"))
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return CompletionResult{}, err
		}
	}

	payload := map[string]any{
		"model": request.Model,
		"messages": []map[string]string{
			{"role": "system", "content": request.SystemPrompt},
			{"role": "user", "content": request.UserPrompt},
		},
		"response_format": map[string]string{"type": "json_object"},
		"temperature":     request.Temperature,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return CompletionResult{}, Permanent(fmt.Errorf("marshal completion payload: %w", err))
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return CompletionResult{}, Permanent(fmt.Errorf("create completion request: %w", err))
	}
	httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "application/json")

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return CompletionResult{}, Transient(fmt.Errorf("completion timeout: %w", err))
		}
		return CompletionResult{}, Transient(fmt.Errorf("completion transport error: %w", err))
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return CompletionResult{}, Transient(fmt.Errorf("read completion body: %w", err))
	}

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if len(message) > 700 {
			message = message[:700]
		}
		return CompletionResult{}, classifyStatus(httpResponse.StatusCode, message)
	}

	var raw struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return CompletionResult{}, Transient(fmt.Errorf("decode completion response: %w", err))
	}
	if len(raw.Choices) == 0 || strings.TrimSpace(raw.Choices[0].Message.Content) == "" {
		return CompletionResult{}, Transient(errors.New("completion response without content"))
	}

	modelID := raw.Model
	if modelID == "" {
		modelID = request.Model
	}
	return CompletionResult{
		Text:    raw.Choices[0].Message.Content,
		ModelID: modelID,
		Tokens:  raw.Usage.TotalTokens,
	}, nil
}

func classifyStatus(status int, message string) error {
	err := fmt.Errorf("completion endpoint status %d: %s", status, message)
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return Transient(err)
	default:
		return Permanent(err)
	}
}
