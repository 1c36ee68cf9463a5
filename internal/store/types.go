package store

import (
	"time"

	"github.com/google/uuid"
)

// Profile is the per-identity record that drives the conversation phase.
type Profile struct {
	Identity    string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Status string

const (
	StatusApproved Status = "approved"
	StatusPending  Status = "pending"
	StatusRejected Status = "rejected"
)

// ParseStatus accepts the three evaluation outcomes, case-insensitively.
func ParseStatus(s string) (Status, bool) {
	switch Status(normalizeStatus(s)) {
	case StatusApproved:
		return StatusApproved, true
	case StatusPending:
		return StatusPending, true
	case StatusRejected:
		return StatusRejected, true
	}
	return "", false
}

// EvaluationRecord is created once per distinct normalized document content
// per identity and never mutated.
type EvaluationRecord struct {
	ID          uuid.UUID
	Identity    string
	ContentHash string
	Title       string
	Detail      string
	Score       int
	Status      Status
	CreatedAt   time.Time
}

// ClampScore bounds a score to the 0..10 scale.
func ClampScore(score int) int {
	switch {
	case score < 0:
		return 0
	case score > 10:
		return 10
	}
	return score
}
