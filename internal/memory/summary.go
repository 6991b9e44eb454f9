package memory

import (
	"context"
	"fmt"
	"strings"
)

// TopicSummarizer is the deterministic local summarizer used when no model
// summarizer is configured.
type TopicSummarizer struct{}

func (TopicSummarizer) Summarize(_ context.Context, turns []Turn) (string, error) {
	if len(turns) == 0 {
		return "", fmt.Errorf("summarize: no turns")
	}
	topics := topicsOf(turns)
	var questions []string
	for _, t := range turns {
		if t.Role == RoleUser {
			questions = append(questions, truncate(t.Content, 80))
		}
	}
	var b strings.Builder
	if len(topics) == 0 {
		b.WriteString("Farmer engaged in general agricultural discussion")
	} else {
		b.WriteString("Farmer engaged in agricultural discussions covering ")
		b.WriteString(strings.Join(topics, ", "))
	}
	if len(questions) > 0 {
		b.WriteString(". Asked: ")
		b.WriteString(strings.Join(questions, " / "))
	}
	b.WriteString(".")
	return b.String(), nil
}

// degradedText keeps evicted turns readable when summarization fails.
func degradedText(turns []Turn, maxChars int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[unsummarized turns %d-%d] ", turns[0].ID, turns[len(turns)-1].ID)
	for i, t := range turns {
		if i > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(strings.Join(strings.Fields(t.Content), " "))
	}
	return truncate(b.String(), maxChars)
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
