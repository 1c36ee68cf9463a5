package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultAnthropicEndpoint = "https://api.anthropic.com/v1/messages"

// AnthropicClient talks to the Anthropic messages API. System messages are
// lifted into the top-level system field.
type AnthropicClient struct {
	opts   Options
	apiURL string
	http   *http.Client
}

func NewAnthropic(opts Options) *AnthropicClient {
	opts = opts.withDefaults()
	apiURL := opts.Endpoint
	if apiURL == "" {
		apiURL = defaultAnthropicEndpoint
	}
	return &AnthropicClient{opts: opts, apiURL: apiURL, http: &http.Client{Timeout: opts.Timeout}}
}

// SetTestTransport points the client at a test server.
func (c *AnthropicClient) SetTestTransport(url string) {
	c.apiURL = url
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *AnthropicClient) Complete(ctx context.Context, messages []Message) (string, error) {
	system, dialogue := splitSystem(messages)
	body, err := json.Marshal(anthropicRequest{
		Model:       c.opts.Model,
		MaxTokens:   c.opts.MaxTokens,
		System:      system,
		Messages:    dialogue,
		Temperature: c.opts.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	return withRetry(ctx, c.opts.MaxRetries, c.opts.Backoff, func() (string, error) {
		return c.attempt(ctx, body)
	})
}

func (c *AnthropicClient) attempt(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.opts.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("api call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		var errResp anthropicError
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Type + ": " + errResp.Error.Message
		}
		return "", &HTTPError{StatusCode: resp.StatusCode, Message: msg, RetryAfter: retryAfter(resp.Header)}
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(apiResp.Content) == 0 {
		return "", fmt.Errorf("empty response content")
	}
	return apiResp.Content[0].Text, nil
}

// splitSystem lifts system messages out of the list and merges consecutive
// same-role messages. The dialogue always opens with a user message.
func splitSystem(messages []Message) (string, []Message) {
	var (
		system   []string
		dialogue []Message
	)
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		if n := len(dialogue); n > 0 && dialogue[n-1].Role == m.Role {
			dialogue[n-1].Content += "\n\n" + m.Content
			continue
		}
		dialogue = append(dialogue, m)
	}
	if len(dialogue) > 0 && dialogue[0].Role != "user" {
		dialogue = append([]Message{{Role: "user", Content: "Hola"}}, dialogue...)
	}
	return strings.Join(system, "\n\n"), dialogue
}
