package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role selects which persona the backend should play for one call.
type Role string

const (
	RoleProducer   Role = "producer"
	RoleCritic     Role = "critic"
	RoleResponder  Role = "responder"
	RoleSummarizer Role = "summarizer"
)

var (
	// ErrTransient marks failures worth one retry (timeouts, 5xx, 429).
	ErrTransient = errors.New("model transient failure")
	// ErrContentPolicy marks a backend refusal; retrying cannot help.
	ErrContentPolicy = errors.New("model content policy refusal")
)

// Prompt is the normalized request sent to a model backend.
type Prompt struct {
	SessionID string   `json:"session_id,omitempty"`
	System    string   `json:"system,omitempty"`
	Input     string   `json:"input"`
	Context   []string `json:"context,omitempty"`
	Feedback  string   `json:"feedback,omitempty"`
}

type Completion struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

// Invoker is the single entry point for every model call.
type Invoker interface {
	Invoke(ctx context.Context, role Role, p Prompt) (Completion, error)
}

// InvokerFunc adapts a plain function to Invoker.
type InvokerFunc func(ctx context.Context, role Role, p Prompt) (Completion, error)

func (f InvokerFunc) Invoke(ctx context.Context, role Role, p Prompt) (Completion, error) {
	return f(ctx, role, p)
}

// Config controls invoker construction.
type Config struct {
	Mode    string
	HTTPURL string
	APIKey  string
	Timeout time.Duration
}

func NewInvoker(cfg Config) (Invoker, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "mock"
	}

	switch mode {
	case "mock":
		return NewMockInvoker(), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("model HTTP url is required for http mode")
		}
		return NewHTTPInvoker(cfg.HTTPURL, cfg.APIKey, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unsupported model adapter mode %q", cfg.Mode)
	}
}

// ErrorKind is a short label for metrics and logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrContentPolicy):
		return "content_policy"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "other"
	}
}
