package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Tool names.
const (
	NameWeather   = "weather"
	NameMarket    = "market_price"
	NameData      = "customer_data"
	NameKnowledge = "knowledge_search"
)

// ToolError codes.
const (
	CodeInvalidParams = "invalid_params"
	CodeNotFound      = "not_found"
	CodeNotConfigured = "not_configured"
	CodeUpstream      = "upstream"
	CodeRateLimited   = "rate_limited"
	CodeCanceled      = "canceled"
	CodeUnknownTool   = "unknown_tool"
)

// Params are the string arguments of one tool call.
type Params map[string]string

// Key renders params in a stable order for cache keys.
func (p Params) Key() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.ToLower(strings.TrimSpace(p[k])))
		b.WriteByte(';')
	}
	return b.String()
}

type Result struct {
	Tool      string    `json:"tool"`
	Summary   string    `json:"summary"`
	Data      any       `json:"data,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
	Cached    bool      `json:"cached,omitempty"`
}

// Tool is one external information source.
type Tool interface {
	Name() string
	Call(ctx context.Context, p Params) (Result, error)
}

// ToolError is the typed failure every tool returns.
type ToolError struct {
	Tool      string
	Code      string
	Retryable bool
	Err       error
}

func (e *ToolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("tool %s: %s", e.Tool, e.Code)
	}
	return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Code, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

func toolErr(tool, code string, retryable bool, err error) *ToolError {
	return &ToolError{Tool: tool, Code: code, Retryable: retryable, Err: err}
}

// ErrorCode returns the ToolError code of err, or "" if err is not a ToolError.
func ErrorCode(err error) string {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

func required(tool string, p Params, key string) (string, error) {
	v := strings.TrimSpace(p[key])
	if v == "" {
		return "", toolErr(tool, CodeInvalidParams, false, fmt.Errorf("missing %q", key))
	}
	return v, nil
}
