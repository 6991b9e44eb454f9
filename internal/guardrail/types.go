package guardrail

// Decision is the outcome class of a guardrail evaluation.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionModify Decision = "modify"
	DecisionReject Decision = "reject"
)

// Kind tells the evaluator where the content is about to flow.
type Kind string

const (
	KindUserInput       Kind = "user_input"
	KindAssistantOutput Kind = "assistant_output"
	KindProfileFact     Kind = "profile_fact"
	KindPlanGoal        Kind = "plan_goal"
	KindPlanStep        Kind = "plan_step"
	KindSummary         Kind = "summary"
)

type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Policy names the rule family that produced a non-allow verdict.
const (
	PolicyEmpty     = "empty"
	PolicyJailbreak = "jailbreak"
	PolicyHarmful   = "harmful"
	PolicyPrivacy   = "privacy"
	PolicyAbuse     = "abuse"
	PolicyDosage    = "unsafe_dosage"
	PolicyPII       = "pii"
	PolicyOffDomain = "off_domain"
)

type Verdict struct {
	Decision         Decision `json:"decision"`
	Policy           string   `json:"policy,omitempty"`
	Reason           string   `json:"reason,omitempty"`
	Risk             Risk     `json:"risk"`
	SuggestedContent string   `json:"suggested_content,omitempty"`
	RuleSetVersion   string   `json:"rule_set_version"`
}

func (v Verdict) Allowed() bool  { return v.Decision == DecisionAllow }
func (v Verdict) Rejected() bool { return v.Decision == DecisionReject }
