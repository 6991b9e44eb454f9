package memory

import (
	"errors"
	"fmt"

	"github.com/ent0n29/agronomist/internal/guardrail"
)

var (
	ErrSessionNotFound       = errors.New("session not found")
	ErrInvalidContent        = errors.New("invalid content")
	ErrSummarizationDegraded = errors.New("summarization degraded")
	ErrInvalidRole           = errors.New("invalid turn role")
	ErrCorruptSession        = errors.New("corrupt session state")
)

// InvalidContentError reports a turn that the guardrail rejected at ingestion.
type InvalidContentError struct {
	Role    Role
	Verdict guardrail.Verdict
}

func (e *InvalidContentError) Error() string {
	return fmt.Sprintf("invalid %s content: %s (%s)", e.Role, e.Verdict.Reason, e.Verdict.Policy)
}

func (e *InvalidContentError) Is(target error) bool {
	return target == ErrInvalidContent
}
