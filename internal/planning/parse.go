package planning

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ent0n29/agronomist/internal/model"
)

const planSchemaJSON = `{
  "type": "object",
  "required": ["steps"],
  "properties": {
    "problem_analysis": {"type": "string"},
    "goal": {"type": "string"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "anyOf": [{"required": ["description"]}, {"required": ["action"]}],
        "properties": {
          "step_number": {"type": "integer", "minimum": 1},
          "action": {"type": "string"},
          "description": {"type": "string"},
          "timeline": {"type": "string"},
          "resources_needed": {"type": "array", "items": {"type": "string"}},
          "dependencies": {"type": "array", "items": {"type": "integer"}},
          "success_criteria": {"type": "string"},
          "potential_risks": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "critical_path": {"type": "array", "items": {"type": "integer"}}
  }
}`

const critiqueSchemaJSON = `{
  "type": "object",
  "properties": {
    "overall_quality_score": {"type": "number", "minimum": 0, "maximum": 1},
    "technical_accuracy": {"type": "number", "minimum": 0, "maximum": 1},
    "safety_assessment": {"type": "number", "minimum": 0, "maximum": 1},
    "practicality": {"type": "number", "minimum": 0, "maximum": 1},
    "completeness": {"type": "number", "minimum": 0, "maximum": 1},
    "strengths": {"type": "array", "items": {"type": "string"}},
    "concerns": {"type": "array", "items": {"type": "string"}},
    "improvement_suggestions": {"type": "array", "items": {"type": "string"}},
    "approval_status": {"enum": ["approved", "needs_revision", "rejected"]}
  }
}`

// dimensionWeights score a critique that omits overall_quality_score.
var dimensionWeights = map[string]float64{
	"technical_accuracy": 0.25,
	"safety_assessment":  0.25,
	"practicality":       0.25,
	"completeness":       0.25,
}

var (
	planSchema     = mustSchema(planSchemaJSON)
	critiqueSchema = mustSchema(critiqueSchemaJSON)
)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("planning: compile schema: %v", err))
	}
	return s
}

func validate(schema *gojsonschema.Schema, doc string) error {
	if !json.Valid([]byte(doc)) {
		return fmt.Errorf("output is not valid JSON")
	}
	res, err := schema.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; "))
	}
	return nil
}

type wireStep struct {
	StepNumber      int      `json:"step_number"`
	Action          string   `json:"action"`
	Description     string   `json:"description"`
	Timeline        string   `json:"timeline"`
	ResourcesNeeded []string `json:"resources_needed"`
	Dependencies    []int    `json:"dependencies"`
	SuccessCriteria string   `json:"success_criteria"`
	PotentialRisks  []string `json:"potential_risks"`
}

type wirePlan struct {
	ProblemAnalysis string     `json:"problem_analysis"`
	Goal            string     `json:"goal"`
	Steps           []wireStep `json:"steps"`
	CriticalPath    []int      `json:"critical_path"`
}

// ParseDraft reads producer output, fenced or bare, into a Draft. Steps
// without a step_number take their 1-based position.
func ParseDraft(text string) (Draft, error) {
	doc := model.ExtractJSON(text)
	if err := validate(planSchema, doc); err != nil {
		return Draft{}, fmt.Errorf("parse plan: %w", err)
	}
	var wp wirePlan
	if err := json.Unmarshal([]byte(doc), &wp); err != nil {
		return Draft{}, fmt.Errorf("parse plan: %w", err)
	}

	d := Draft{
		Goal:         strings.TrimSpace(wp.Goal),
		Analysis:     strings.TrimSpace(wp.ProblemAnalysis),
		CriticalPath: wp.CriticalPath,
		Steps:        make([]Step, 0, len(wp.Steps)),
	}
	for i, ws := range wp.Steps {
		id := ws.StepNumber
		if id <= 0 {
			id = i + 1
		}
		desc := strings.TrimSpace(ws.Description)
		if desc == "" {
			desc = strings.TrimSpace(ws.Action)
		}
		d.Steps = append(d.Steps, Step{
			ID:              id,
			Action:          strings.TrimSpace(ws.Action),
			Description:     desc,
			Timeline:        strings.TrimSpace(ws.Timeline),
			Resources:       ws.ResourcesNeeded,
			Preconditions:   ws.Dependencies,
			ExpectedOutcome: strings.TrimSpace(ws.SuccessCriteria),
			Risks:           ws.PotentialRisks,
		})
	}
	return d, nil
}

type wireCritique struct {
	OverallQualityScore    *float64 `json:"overall_quality_score"`
	TechnicalAccuracy      *float64 `json:"technical_accuracy"`
	SafetyAssessment       *float64 `json:"safety_assessment"`
	Practicality           *float64 `json:"practicality"`
	Completeness           *float64 `json:"completeness"`
	Strengths              []string `json:"strengths"`
	Concerns               []string `json:"concerns"`
	ImprovementSuggestions []string `json:"improvement_suggestions"`
	ApprovalStatus         string   `json:"approval_status"`
}

// ParseCritique reads critic output. The score is overall_quality_score when
// present, otherwise the weighted mean of whatever dimensions were given.
func ParseCritique(text string, threshold float64) (Critique, error) {
	doc := model.ExtractJSON(text)
	if err := validate(critiqueSchema, doc); err != nil {
		return Critique{}, fmt.Errorf("parse critique: %w", err)
	}
	var wc wireCritique
	if err := json.Unmarshal([]byte(doc), &wc); err != nil {
		return Critique{}, fmt.Errorf("parse critique: %w", err)
	}

	dims := map[string]float64{}
	for name, v := range map[string]*float64{
		"technical_accuracy": wc.TechnicalAccuracy,
		"safety_assessment":  wc.SafetyAssessment,
		"practicality":       wc.Practicality,
		"completeness":       wc.Completeness,
	} {
		if v != nil {
			dims[name] = *v
		}
	}

	var score float64
	switch {
	case wc.OverallQualityScore != nil:
		score = *wc.OverallQualityScore
	case len(dims) > 0:
		var sum, weight float64
		for name, v := range dims {
			sum += v * dimensionWeights[name]
			weight += dimensionWeights[name]
		}
		score = sum / weight
	default:
		return Critique{}, fmt.Errorf("parse critique: no score given")
	}
	score = math.Round(score*1000) / 1000

	c := Critique{
		Score:      score,
		Strengths:  wc.Strengths,
		Dimensions: dims,
	}
	for _, concern := range wc.Concerns {
		if concern = strings.TrimSpace(concern); concern != "" {
			c.Issues = append(c.Issues, Issue{Reason: concern, Source: IssueSourceCritic})
		}
	}
	c.SuggestedFix = strings.Join(wc.ImprovementSuggestions, "; ")

	switch wc.ApprovalStatus {
	case "approved":
		c.Verdict = VerdictAccept
	case "needs_revision":
		c.Verdict = VerdictRevise
	case "rejected":
		c.Verdict = VerdictReject
	default:
		if score >= threshold {
			c.Verdict = VerdictAccept
		} else {
			c.Verdict = VerdictRevise
		}
	}
	return c, nil
}
