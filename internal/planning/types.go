package planning

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// State is a position in the producer/critic loop.
type State string

const (
	StateDrafting   State = "drafting"
	StateCritiquing State = "critiquing"
	StateRevising   State = "revising"
	StateAccepted   State = "accepted"
	StateRejected   State = "rejected"
	StateCancelled  State = "cancelled"
)

// Reason explains a non-accepted result.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonNonConvergence Reason = "non_convergence"
	ReasonInfrastructure Reason = "infrastructure_failure"
	ReasonInvalidGoal    Reason = "invalid_goal"
	ReasonCancelled      Reason = "cancelled"
)

var (
	ErrNonConvergence = errors.New("planning did not converge")
	ErrInfrastructure = errors.New("planning infrastructure failure")
	ErrInvalidGoal    = errors.New("planning goal rejected")
	ErrCancelled      = errors.New("planning cancelled")
)

type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictRevise Verdict = "revise"
	VerdictReject Verdict = "reject"
)

// Request is one planning run. Context holds rendered prompt lines
// (summaries, window turns, profile, tool notes).
type Request struct {
	SessionID string   `json:"session_id"`
	Goal      string   `json:"goal"`
	Context   []string `json:"context,omitempty"`
}

type Step struct {
	ID              int      `json:"step_id"`
	Action          string   `json:"action,omitempty"`
	Description     string   `json:"description"`
	Timeline        string   `json:"timeline,omitempty"`
	Resources       []string `json:"resources_needed,omitempty"`
	Preconditions   []int    `json:"preconditions,omitempty"`
	ExpectedOutcome string   `json:"expected_outcome,omitempty"`
	Risks           []string `json:"potential_risks,omitempty"`
	Placeholder     bool     `json:"placeholder,omitempty"`
	Flag            string   `json:"flag,omitempty"`
	Modified        bool     `json:"modified,omitempty"`
}

type Draft struct {
	ID           string    `json:"draft_id"`
	Iteration    int       `json:"iteration"`
	Goal         string    `json:"goal"`
	Analysis     string    `json:"problem_analysis,omitempty"`
	Steps        []Step    `json:"steps"`
	CriticalPath []int     `json:"critical_path,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Issue points at a problem in a draft. StepID 0 means the whole draft.
type Issue struct {
	StepID int    `json:"step_id,omitempty"`
	Reason string `json:"reason"`
	Source string `json:"source"`
}

const (
	IssueSourceCritic    = "critic"
	IssueSourceOrdering  = "ordering"
	IssueSourceGuardrail = "guardrail"
)

type Critique struct {
	DraftID      string             `json:"draft_id"`
	Verdict      Verdict            `json:"verdict"`
	Score        float64            `json:"score"`
	Issues       []Issue            `json:"issues,omitempty"`
	SuggestedFix string             `json:"suggested_fix,omitempty"`
	Strengths    []string           `json:"strengths,omitempty"`
	Dimensions   map[string]float64 `json:"dimensions,omitempty"`
}

// Round is one completed producer/critic exchange.
type Round struct {
	Iteration int      `json:"iteration"`
	Draft     Draft    `json:"draft"`
	Critique  Critique `json:"critique"`
}

type Result struct {
	RunID      string        `json:"run_id"`
	SessionID  string        `json:"session_id"`
	Status     Status        `json:"status"`
	Reason     Reason        `json:"reason,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	Draft      *Draft        `json:"draft,omitempty"`
	Critique   *Critique     `json:"critique,omitempty"`
	Score      float64       `json:"score"`
	Iterations int           `json:"iterations"`
	Rounds     []Round       `json:"rounds,omitempty"`
	Caveats    []string      `json:"caveats,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Err returns nil for accepted results and a sentinel-wrapping error otherwise.
func (r Result) Err() error {
	var base error
	switch {
	case r.Status == StatusAccepted:
		return nil
	case r.Status == StatusCancelled:
		base = ErrCancelled
	case r.Reason == ReasonNonConvergence:
		base = ErrNonConvergence
	case r.Reason == ReasonInvalidGoal:
		base = ErrInvalidGoal
	default:
		base = ErrInfrastructure
	}
	if r.Detail == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, r.Detail)
}

func (r Result) Terminal() bool {
	switch r.Status {
	case StatusAccepted, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

// PlaceholderSteps lists the IDs of steps replaced after a guardrail rejection.
func (d Draft) PlaceholderSteps() []int {
	var out []int
	for _, s := range d.Steps {
		if s.Placeholder {
			out = append(out, s.ID)
		}
	}
	return out
}

func (d Draft) Clone() Draft {
	out := d
	if d.Steps != nil {
		out.Steps = make([]Step, len(d.Steps))
		for i, s := range d.Steps {
			s.Resources = append([]string(nil), s.Resources...)
			s.Preconditions = append([]int(nil), s.Preconditions...)
			s.Risks = append([]string(nil), s.Risks...)
			out.Steps[i] = s
		}
	}
	out.CriticalPath = append([]int(nil), d.CriticalPath...)
	return out
}

func (c Critique) Clone() Critique {
	out := c
	out.Issues = append([]Issue(nil), c.Issues...)
	out.Strengths = append([]string(nil), c.Strengths...)
	if c.Dimensions != nil {
		out.Dimensions = make(map[string]float64, len(c.Dimensions))
		for k, v := range c.Dimensions {
			out.Dimensions[k] = v
		}
	}
	return out
}

type EventType string

const (
	EventPlanStarted   EventType = "plan_started"
	EventPlanDraft     EventType = "plan_draft"
	EventPlanCritique  EventType = "plan_critique"
	EventPlanRevising  EventType = "plan_revising"
	EventPlanRetry     EventType = "plan_retry"
	EventPlanCompleted EventType = "plan_completed"
)

type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	RunID     string    `json:"run_id"`
	Iteration int       `json:"iteration,omitempty"`
	State     State     `json:"state,omitempty"`
	Score     float64   `json:"score,omitempty"`
	Steps     int       `json:"steps,omitempty"`
	Status    Status    `json:"status,omitempty"`
	Reason    Reason    `json:"reason,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}
