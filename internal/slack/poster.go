package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

const defaultPostMessageURL = "https://slack.com/api/chat.postMessage"

// Review is one fresh evaluation offered to program staff.
type Review struct {
	Identity    string
	DisplayName string
	Title       string
	Score       int
	Status      string
	Detail      string
	Fields      map[string]*string
	Missing     []string
}

type Poster struct {
	token   string
	channel string
	client  *http.Client
	logger  *slog.Logger
	apiURL  string
}

func NewPoster(token, channel string, logger *slog.Logger) *Poster {
	return &Poster{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  defaultPostMessageURL,
		logger:  logger,
	}
}

// PostEvaluation posts the evaluation summary to the review channel and the
// extracted fields as a thread reply. Returns the header message ts.
func (p *Poster) PostEvaluation(ctx context.Context, r Review) (string, error) {
	text := formatReviewMessage(r)
	ts, err := p.post(ctx, map[string]any{
		"channel": p.channel,
		"text":    text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{"type": "mrkdwn", "text": text},
			},
			{
				"type": "context",
				"elements": []map[string]any{
					{"type": "mrkdwn", "text": "Identidad: " + r.Identity},
				},
			},
		},
	})
	if err != nil {
		return "", err
	}
	p.logger.Info("posted evaluation to slack", "ts", ts, "identity", r.Identity)

	if fields := formatFields(r.Fields); fields != "" {
		if err := p.PostThread(ctx, ts, fields); err != nil {
			p.logger.Warn("failed to post field thread", "ts", ts, "error", err)
		}
	}
	return ts, nil
}

// PostThread posts a threaded reply to a message.
func (p *Poster) PostThread(ctx context.Context, threadTS, text string) error {
	_, err := p.post(ctx, map[string]any{
		"channel":   p.channel,
		"thread_ts": threadTS,
		"text":      text,
	})
	return err
}

func (p *Poster) post(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var slackResp struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err != nil {
		return "", fmt.Errorf("parse slack response: %w", err)
	}
	if !slackResp.OK {
		return "", fmt.Errorf("slack error: %s", slackResp.Error)
	}
	return slackResp.TS, nil
}

func formatReviewMessage(r Review) string {
	var sb strings.Builder

	title := r.Title
	if title == "" {
		title = "(sin título)"
	}
	fmt.Fprintf(&sb, "*Proyecto:* %s\n", title)
	if r.DisplayName != "" {
		fmt.Fprintf(&sb, "*Postulante:* %s\n", r.DisplayName)
	}
	fmt.Fprintf(&sb, "*Puntaje:* %d/10 | *Estado:* %s\n", r.Score, r.Status)
	if len(r.Missing) > 0 {
		fmt.Fprintf(&sb, "*Campos incompletos:* %s\n", strings.Join(r.Missing, ", "))
	}
	if r.Detail != "" {
		fmt.Fprintf(&sb, "\n%s", r.Detail)
	}
	return sb.String()
}

func formatFields(fields map[string]*string) string {
	names := make([]string, 0, len(fields))
	for name, v := range fields {
		if v != nil && *v != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "*%s:* %s\n", name, *fields[name])
	}
	return sb.String()
}
