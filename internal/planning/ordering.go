package planning

import (
	"fmt"
	"regexp"
	"strconv"
)

var afterStepPattern = regexp.MustCompile(`(?i)\b(?:after|once|following) step\s+(\d+)\b`)

// orderingIssues finds steps whose prerequisites cannot have happened yet:
// references to missing or later steps, dependencies on placeholders, and
// the placeholders themselves.
func orderingIssues(d Draft) []Issue {
	pos := make(map[int]int, len(d.Steps))
	var issues []Issue
	for i, s := range d.Steps {
		if _, dup := pos[s.ID]; dup {
			issues = append(issues, Issue{StepID: s.ID, Reason: fmt.Sprintf("step number %d is used more than once", s.ID), Source: IssueSourceOrdering})
			continue
		}
		pos[s.ID] = i
	}

	for i, s := range d.Steps {
		if s.Placeholder {
			issues = append(issues, Issue{StepID: s.ID, Reason: "step was withheld by the safety check and must be re-derived: " + s.Flag, Source: IssueSourceGuardrail})
		}

		refs := append([]int(nil), s.Preconditions...)
		for _, m := range afterStepPattern.FindAllStringSubmatch(s.Description, -1) {
			if n, err := strconv.Atoi(m[1]); err == nil {
				refs = append(refs, n)
			}
		}
		seen := map[int]bool{}
		for _, ref := range refs {
			if seen[ref] {
				continue
			}
			seen[ref] = true
			at, ok := pos[ref]
			switch {
			case !ok:
				issues = append(issues, Issue{StepID: s.ID, Reason: fmt.Sprintf("depends on step %d which does not exist", ref), Source: IssueSourceOrdering})
			case at >= i:
				issues = append(issues, Issue{StepID: s.ID, Reason: fmt.Sprintf("depends on step %d which comes later in the plan", ref), Source: IssueSourceOrdering})
			case d.Steps[at].Placeholder:
				issues = append(issues, Issue{StepID: s.ID, Reason: fmt.Sprintf("depends on step %d which was withheld", ref), Source: IssueSourceOrdering})
			}
		}
	}
	return issues
}
