package model

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// MockInvoker provides deterministic local replies when no model backend is
// configured. Producer drafts grow more detailed once critic feedback arrives,
// so the planning loop shows one revision before acceptance.
type MockInvoker struct{}

func NewMockInvoker() *MockInvoker { return &MockInvoker{} }

func (m *MockInvoker) Invoke(ctx context.Context, role Role, p Prompt) (Completion, error) {
	select {
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	default:
	}

	switch role {
	case RoleProducer:
		return Completion{Text: mockPlan(p), Model: "mock"}, nil
	case RoleCritic:
		return Completion{Text: mockCritique(p.Input), Model: "mock"}, nil
	case RoleResponder:
		return Completion{Text: mockAnswer(p), Model: "mock"}, nil
	case RoleSummarizer:
		return Completion{Text: mockSummary(p), Model: "mock"}, nil
	default:
		return Completion{}, fmt.Errorf("mock invoker: unknown role %q", role)
	}
}

var mockCrops = []string{"wheat", "rice", "paddy", "cotton", "maize", "soybean", "sugarcane", "potato", "onion", "tomato", "mustard", "chickpea"}

func cropIn(text string) string {
	lower := strings.ToLower(text)
	for _, c := range mockCrops {
		if strings.Contains(lower, c) {
			return c
		}
	}
	return "the crop"
}

type mockStep struct {
	StepNumber      int      `json:"step_number"`
	Action          string   `json:"action"`
	Description     string   `json:"description"`
	Timeline        string   `json:"timeline"`
	ResourcesNeeded []string `json:"resources_needed"`
	Dependencies    []int    `json:"dependencies"`
	SuccessCriteria string   `json:"success_criteria"`
	PotentialRisks  []string `json:"potential_risks"`
}

func mockPlan(p Prompt) string {
	goal := strings.TrimSpace(p.Input)
	if goal == "" {
		goal = "Improve farm outcomes"
	}
	crop := cropIn(goal + " " + strings.Join(p.Context, " "))

	steps := []mockStep{
		{1, "Test the soil", "Collect soil samples and get them tested at the nearest soil testing lab.", "Week 1", []string{"soil sample bags"}, nil, "Soil health card received", []string{"lab delays"}},
		{2, "Prepare the field", fmt.Sprintf("Plough and level the field for %s based on the soil test results.", crop), "Week 2", []string{"tractor", "leveller"}, []int{1}, "Field levelled with good tilth", []string{"untimely rain"}},
		{3, "Sow certified seed", fmt.Sprintf("Sow certified %s seed at the recommended spacing for your region.", crop), "Week 3", []string{"certified seed", "seed drill"}, []int{2}, "Uniform germination", []string{"poor seed quality"}},
	}
	if strings.TrimSpace(p.Feedback) != "" {
		steps = append(steps,
			mockStep{4, "Plan nutrients", "Apply fertilizer as per the soil health card and product label; consult the local KVK for doses.", "Weeks 3-8", []string{"fertilizer per soil test"}, []int{1, 3}, "Crop shows healthy colour", []string{"nutrient imbalance"}},
			mockStep{5, "Scout for pests", "Inspect the field weekly and contact the KVK before any spray decision.", "Weeks 4-16", []string{"field notebook"}, []int{3}, "Pests caught below threshold", []string{"late detection"}},
		)
	}
	critical := make([]int, 0, len(steps))
	for _, s := range steps {
		critical = append(critical, s.StepNumber)
	}

	out, _ := json.Marshal(map[string]any{
		"problem_analysis": fmt.Sprintf("The farmer wants to %s.", strings.TrimSuffix(strings.ToLower(goal), ".")),
		"goal":             goal,
		"steps":            steps,
		"critical_path":    critical,
	})
	return string(out)
}

func mockCritique(draft string) string {
	var parsed struct {
		Steps []json.RawMessage `json:"steps"`
	}
	score := 0.3
	status := "rejected"
	var concerns []string
	if err := json.Unmarshal([]byte(ExtractJSON(draft)), &parsed); err != nil || len(parsed.Steps) == 0 {
		concerns = append(concerns, "draft could not be read as a plan")
	} else {
		score = math.Min(0.92, 0.5+0.08*float64(len(parsed.Steps)))
		score = math.Round(score*100) / 100
		status = "needs_revision"
		if score >= 0.75 {
			status = "approved"
		} else {
			concerns = append(concerns, "plan lacks nutrient and pest management steps")
		}
	}

	out, _ := json.Marshal(map[string]any{
		"overall_quality_score":   score,
		"technical_accuracy":      score,
		"safety_assessment":       score,
		"practicality":            score,
		"completeness":            score,
		"strengths":               []string{"clear sequence"},
		"concerns":                concerns,
		"improvement_suggestions": concerns,
		"approval_status":         status,
	})
	return string(out)
}

func mockAnswer(p Prompt) string {
	q := strings.TrimSpace(p.Input)
	var b strings.Builder
	fmt.Fprintf(&b, "Regarding %q: ", q)
	if len(p.Context) == 0 {
		b.WriteString("I do not have live data for this right now. Please share your location and crop so I can help better.")
		return b.String()
	}
	b.WriteString("here is what I found. ")
	for i, c := range p.Context {
		if i >= 3 {
			break
		}
		b.WriteString(strings.TrimSpace(c))
		b.WriteString(" ")
	}
	return strings.TrimSpace(b.String())
}

func mockSummary(p Prompt) string {
	turns := strings.Count(strings.TrimSpace(p.Input), "\n") + 1
	if len(p.Context) == 0 {
		return fmt.Sprintf("Farmer had a general farming conversation over %d turns.", turns)
	}
	return fmt.Sprintf("Farmer discussed %s over %d turns.", strings.Join(p.Context, ", "), turns)
}

// ExtractJSON returns the first JSON object in s, unwrapping ``` fences.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			s = strings.TrimSpace(rest[:j])
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
