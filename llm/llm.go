package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// systemPrompt is the fixed instruction for every generation request.
	// There is no conversation history and no per-sender memory.
	systemPrompt = "You are a helpful assistant."

	apiVersion   = "2023-06-01"
	messagesPath = "/v1/messages"
)

type Options struct {
	BaseURL      string
	APIKey       string
	Model        string
	MaxTokens    int
	FallbackText string
	Timeout      time.Duration
}

// Client generates reply text for a prompt. Generate never fails outward:
// on any remote error it substitutes the fallback text, so one broken
// generation call can never abort a batch.
type Client struct {
	opts       Options
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("llm base url is empty")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("llm model is empty")
	}
	if opts.MaxTokens <= 0 {
		return nil, fmt.Errorf("llm max tokens must be positive")
	}

	return &Client{
		opts: opts,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		logger: logger,
	}, nil
}

// Generate returns the generated reply for prompt, or the fallback text.
// The second return value reports whether the fallback was substituted.
func (c *Client) Generate(ctx context.Context, prompt string) (string, bool) {
	text, err := c.call(ctx, prompt)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("generation failed, using fallback", "err", err)
		}
		return c.opts.FallbackText, true
	}
	return text, false
}

func (c *Client) call(ctx context.Context, prompt string) (string, error) {
	reqBody := apiRequest{
		Model:     c.opts.Model,
		MaxTokens: c.opts.MaxTokens,
		System:    systemPrompt,
		Messages: []apiMessage{
			{Role: "user", Content: prompt},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(c.opts.BaseURL, "/") + messagesPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.opts.APIKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call generation service: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("generation service error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return "", fmt.Errorf("generation service error (%d)", resp.StatusCode)
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	var parts []string
	for _, block := range result.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("response contains no text content")
	}

	return strings.Join(parts, ""), nil
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiResponse struct {
	ID         string            `json:"id"`
	Role       string            `json:"role"`
	Content    []apiContentBlock `json:"content"`
	Model      string            `json:"model"`
	StopReason string            `json:"stop_reason"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
