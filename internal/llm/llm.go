// Package llm holds the completion clients: an OpenAI-compatible chat client
// and an Anthropic messages client behind one Completer interface.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/MikeSquared-Agency/emprende/internal/conversation"
)

// ErrRateLimited is matched by errors.Is for HTTP 429 responses.
var ErrRateLimited = errors.New("completion rate limited")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FromTurns converts an assembled turn list to wire messages.
func FromTurns(turns []conversation.Turn) []Message {
	out := make([]Message, len(turns))
	for i, t := range turns {
		out[i] = Message{Role: string(t.Role), Content: t.Content}
	}
	return out
}

// Completer maps an ordered list of role-tagged messages to a reply.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Options configure either client.
type Options struct {
	Endpoint    string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	MaxRetries  int
	Timeout     time.Duration
	// Backoff is the first retry delay; it doubles on each attempt.
	Backoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 120 * time.Second
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 1024
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	return o
}

// New returns the client for provider ("openai" or "anthropic").
func New(provider string, opts Options) (Completer, error) {
	switch provider {
	case "", "openai":
		return NewOpenAI(opts), nil
	case "anthropic":
		return NewAnthropic(opts), nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", provider)
}

// HTTPError is a non-200 response from the completion API.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrRateLimited && e.StatusCode == http.StatusTooManyRequests
}

func (e *HTTPError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// withRetry runs attempt up to maxRetries+1 times with exponential backoff,
// honouring Retry-After on 429. Client errors other than 429 are final.
func withRetry(ctx context.Context, maxRetries int, backoff time.Duration, attempt func() (string, error)) (string, error) {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		out, err := attempt()
		if err == nil {
			return out, nil
		}
		lastErr = err

		var httpErr *HTTPError
		if errors.As(err, &httpErr) && !httpErr.retryable() {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if i == maxRetries {
			break
		}

		wait := backoff << i
		if httpErr != nil && httpErr.RetryAfter > 0 {
			wait = httpErr.RetryAfter
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
	return "", fmt.Errorf("completion failed after %d attempts: %w", maxRetries+1, lastErr)
}
