package pipeline

import (
	"errors"
	"fmt"
)

// ErrMissingIdentity is the only error Handle returns to its caller; every
// other failure becomes a user-facing reply.
var ErrMissingIdentity = errors.New("identity is required")

// Kind classifies failures caught at the pipeline boundary.
type Kind string

const (
	KindDocumentUnreadable        Kind = "document_unreadable"
	KindAuthenticityRejected      Kind = "authenticity_rejected"
	KindExtractionIncomplete      Kind = "extraction_incomplete"
	KindDuplicateEvaluation       Kind = "duplicate_evaluation"
	KindPersistenceFailure        Kind = "persistence_failure"
	KindUpstreamCompletionFailure Kind = "upstream_completion_failure"
)

// Error carries a Kind and the underlying cause. Message is the plain-text
// reply shown to the user; the cause is only logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}
