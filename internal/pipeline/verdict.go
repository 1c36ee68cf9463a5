package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/MikeSquared-Agency/emprende/internal/store"
)

// Verdict is the structured evaluation the completion service is asked for.
type Verdict struct {
	Score  int
	Status store.Status
	Detail string
}

// DecodeError reports completion output that is not a well-formed verdict.
type DecodeError struct {
	Raw string
	Err error
}

func (e *DecodeError) Error() string {
	return "decode verdict: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type rawVerdict struct {
	Score  json.RawMessage `json:"score"`
	Status string          `json:"status"`
	Detail string          `json:"detail"`
}

// DecodeVerdict parses completion text into a Verdict. Code fences and text
// around the JSON object are tolerated; the score is clamped to 0..10.
func DecodeVerdict(text string) (Verdict, error) {
	body := stripFences(text)
	start, end := strings.IndexByte(body, '{'), strings.LastIndexByte(body, '}')
	if start < 0 || end <= start {
		return Verdict{}, &DecodeError{Raw: text, Err: errors.New("no JSON object")}
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(body[start:end+1]), &raw); err != nil {
		return Verdict{}, &DecodeError{Raw: text, Err: err}
	}

	score, err := parseScore(raw.Score)
	if err != nil {
		return Verdict{}, &DecodeError{Raw: text, Err: err}
	}
	status, ok := store.ParseStatus(raw.Status)
	if !ok {
		return Verdict{}, &DecodeError{Raw: text, Err: fmt.Errorf("invalid status %q", raw.Status)}
	}
	detail := strings.TrimSpace(raw.Detail)
	if detail == "" {
		return Verdict{}, &DecodeError{Raw: text, Err: errors.New("empty detail")}
	}
	return Verdict{Score: store.ClampScore(score), Status: status, Detail: detail}, nil
}

// FallbackVerdict keeps unstructured completion text as a pending verdict.
func FallbackVerdict(text string) Verdict {
	return Verdict{Score: 0, Status: store.StatusPending, Detail: strings.TrimSpace(text)}
}

func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// parseScore accepts a JSON number or a numeric string.
func parseScore(raw json.RawMessage) (int, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, errors.New("missing score")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid score %q", s)
	}
	return int(math.Round(f)), nil
}
