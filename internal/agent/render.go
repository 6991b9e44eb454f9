package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ent0n29/agronomist/internal/memory"
	"github.com/ent0n29/agronomist/internal/model"
	"github.com/ent0n29/agronomist/internal/planning"
)

// PromptContext renders the memory view and tool results into prompt lines:
// profile, older summaries, turns awaiting summarization, the live window,
// then tool notes.
func PromptContext(view memory.ContextView, outcomes []ToolOutcome) []string {
	var lines []string
	if len(view.Profile) > 0 {
		keys := make([]string, 0, len(view.Profile))
		for k := range view.Profile {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+view.Profile[k].Value)
		}
		lines = append(lines, "Farmer profile: "+strings.Join(parts, "; "))
	}
	for _, sb := range view.Summaries {
		lines = append(lines, fmt.Sprintf("Earlier (turns %d-%d): %s", sb.StartTurnID, sb.EndTurnID, sb.Text))
	}
	for _, t := range view.Pending {
		lines = append(lines, fmt.Sprintf("%s: %s", t.Role, model.ContextLine(t)))
	}
	for _, t := range view.Window {
		lines = append(lines, fmt.Sprintf("%s: %s", t.Role, model.ContextLine(t)))
	}
	for _, o := range outcomes {
		if o.Error != "" {
			lines = append(lines, fmt.Sprintf("Tool %s unavailable (%s)", o.Tool, o.Code))
			continue
		}
		lines = append(lines, fmt.Sprintf("Tool %s: %s", o.Tool, o.Summary))
	}
	return lines
}

// RenderPlan turns a planning result into the assistant reply. Rejected
// plans with a draft are shown as partial plans with their caveats.
func RenderPlan(res planning.Result) string {
	if res.Draft == nil {
		if res.Reason == planning.ReasonInvalidGoal {
			return "I can only help plan farming work. Could you describe the crop, field or farm task you want a plan for?"
		}
		return "I could not put a plan together right now. Please try again in a little while."
	}

	var b strings.Builder
	d := res.Draft
	if res.Status == planning.StatusAccepted {
		fmt.Fprintf(&b, "Here is a plan for: %s\n", d.Goal)
	} else {
		fmt.Fprintf(&b, "Here is a partial plan for: %s\n", d.Goal)
		switch res.Reason {
		case planning.ReasonNonConvergence:
			fmt.Fprintf(&b, "It did not fully pass review (score %.2f), so please check the notes below before acting.\n", res.Score)
		default:
			b.WriteString("Planning was interrupted, so this is the best draft so far. Please check the notes below before acting.\n")
		}
	}
	if d.Analysis != "" {
		b.WriteString(d.Analysis)
		b.WriteString("\n")
	}
	for i, s := range d.Steps {
		title := s.Action
		if title == "" {
			title = fmt.Sprintf("Step %d", s.ID)
		}
		fmt.Fprintf(&b, "\n%d. %s: %s", i+1, title, s.Description)
		if s.Timeline != "" {
			fmt.Fprintf(&b, " (%s)", s.Timeline)
		}
		if s.ExpectedOutcome != "" {
			fmt.Fprintf(&b, "\n   Outcome: %s", s.ExpectedOutcome)
		}
	}
	if len(res.Caveats) > 0 {
		b.WriteString("\n\nNotes:")
		for _, c := range res.Caveats {
			b.WriteString("\n- ")
			b.WriteString(c)
		}
	}
	return strings.TrimSpace(b.String())
}
