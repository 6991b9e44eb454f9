package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/agronomist/internal/reliability"
)

// HTTPInvoker forwards calls to a JSON model endpoint.
type HTTPInvoker struct {
	url    string
	apiKey string
	client *http.Client
}

type httpRequest struct {
	Role Role `json:"role"`
	Prompt
}

func NewHTTPInvoker(url, apiKey string, timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPInvoker{
		url:    strings.TrimSpace(url),
		apiKey: strings.TrimSpace(apiKey),
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, role Role, p Prompt) (Completion, error) {
	payload, err := json.Marshal(httpRequest{Role: role, Prompt: p})
	if err != nil {
		return Completion{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return Completion{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	res, err := h.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Completion{}, ctxErr
		}
		return Completion{}, fmt.Errorf("%w: send request: %v", ErrTransient, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return Completion{}, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		switch {
		case reliability.IsRetryableHTTPStatus(res.StatusCode):
			return Completion{}, fmt.Errorf("%w: model http status %d: %s", ErrTransient, res.StatusCode, snippet)
		case res.StatusCode == http.StatusUnavailableForLegalReasons || strings.Contains(snippet, "content_policy"):
			return Completion{}, fmt.Errorf("%w: model http status %d: %s", ErrContentPolicy, res.StatusCode, snippet)
		default:
			return Completion{}, fmt.Errorf("model http status %d: %s", res.StatusCode, snippet)
		}
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		text := strings.TrimSpace(string(body))
		if text == "" {
			return Completion{}, errors.New("model returned an empty body")
		}
		return Completion{Text: text}, nil
	}
	if refusal, _ := obj["refusal"].(string); refusal != "" {
		return Completion{}, fmt.Errorf("%w: %s", ErrContentPolicy, refusal)
	}
	out := Completion{Text: extractText(obj)}
	out.Model, _ = obj["model"].(string)
	if strings.TrimSpace(out.Text) == "" {
		return Completion{}, errors.New("model response carried no text")
	}
	return out, nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "output", "content", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
