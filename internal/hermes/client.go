package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	SubjectEvaluationCompleted = "emprende.evaluation.completed"
	SubjectPersistenceFailed   = "emprende.persistence.failed"
)

// EvaluationCompleted is emitted once per fresh evaluation. Cache hits do
// not emit.
type EvaluationCompleted struct {
	Identity    string    `json:"identity"`
	ContentHash string    `json:"content_hash"`
	Title       string    `json:"title,omitempty"`
	Score       int       `json:"score"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

// PersistenceFailed is emitted when the pipeline continues in degraded mode
// after a durable write failed.
type PersistenceFailed struct {
	Identity  string    `json:"identity"`
	Kind      string    `json:"kind"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Client publishes pipeline events to NATS. A nil *Client is valid and
// drops every event.
type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("emprende"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	if c == nil {
		return nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

// PublishEvaluation is best effort; failures are logged.
func (c *Client) PublishEvaluation(evt EvaluationCompleted) {
	if c == nil {
		return
	}
	if err := c.Publish(SubjectEvaluationCompleted, evt); err != nil {
		c.logger.Warn("publish evaluation event failed", "identity", evt.Identity, "error", err)
	}
}

// PublishPersistenceFailure is best effort; failures are logged.
func (c *Client) PublishPersistenceFailure(evt PersistenceFailed) {
	if c == nil {
		return
	}
	if err := c.Publish(SubjectPersistenceFailed, evt); err != nil {
		c.logger.Warn("publish persistence event failed", "identity", evt.Identity, "error", err)
	}
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
