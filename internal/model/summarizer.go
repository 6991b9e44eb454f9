package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/agronomist/internal/memory"
)

const summarizerSystem = "Summarize this farming conversation in two or three sentences. Keep crops, locations, problems and decisions. Do not add advice."

// Summarizer condenses evicted turns through the summarizer role.
type Summarizer struct {
	invoker Invoker
}

func NewSummarizer(inv Invoker) *Summarizer {
	return &Summarizer{invoker: inv}
}

func (s *Summarizer) Summarize(ctx context.Context, turns []memory.Turn) (string, error) {
	if len(turns) == 0 {
		return "", fmt.Errorf("summarize: no turns")
	}
	lines := make([]string, 0, len(turns))
	seen := map[string]bool{}
	var topics []string
	for _, t := range turns {
		lines = append(lines, fmt.Sprintf("%s: %s", t.Role, ContextLine(t)))
		for _, tag := range memory.Topics(t.Content) {
			if !seen[tag] {
				seen[tag] = true
				topics = append(topics, tag)
			}
		}
	}
	out, err := s.invoker.Invoke(ctx, RoleSummarizer, Prompt{
		System:  summarizerSystem,
		Input:   strings.Join(lines, "\n"),
		Context: topics,
	})
	if err != nil {
		return "", fmt.Errorf("summarize turns %d-%d: %w", turns[0].ID, turns[len(turns)-1].ID, err)
	}
	return strings.TrimSpace(out.Text), nil
}

// ContextLine renders one turn for a prompt; assistant replies are cut to
// 200 characters.
func ContextLine(t memory.Turn) string {
	text := strings.Join(strings.Fields(t.Content), " ")
	if t.Role == memory.RoleAssistant {
		if r := []rune(text); len(r) > 200 {
			text = string(r[:200]) + "..."
		}
	}
	return text
}
