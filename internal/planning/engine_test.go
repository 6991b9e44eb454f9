package planning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/agronomist/internal/config"
	"github.com/ent0n29/agronomist/internal/guardrail"
	"github.com/ent0n29/agronomist/internal/model"
	"github.com/ent0n29/agronomist/internal/observability"
)

type replyFunc func(ctx context.Context, p model.Prompt) (string, error)

func reply(text string) replyFunc {
	return func(context.Context, model.Prompt) (string, error) { return text, nil }
}

func failWith(err error) replyFunc {
	return func(context.Context, model.Prompt) (string, error) { return "", err }
}

func blockUntilDone() replyFunc {
	return func(ctx context.Context, _ model.Prompt) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
}

// scripted replays canned producer and critic replies in call order.
type scripted struct {
	mu       sync.Mutex
	producer []replyFunc
	critic   []replyFunc
	calls    map[model.Role]int
	feedback []string
}

func (s *scripted) Invoke(ctx context.Context, role model.Role, p model.Prompt) (model.Completion, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = map[model.Role]int{}
	}
	n := s.calls[role]
	s.calls[role]++
	list := s.critic
	if role == model.RoleProducer {
		list = s.producer
		s.feedback = append(s.feedback, p.Feedback)
	}
	s.mu.Unlock()

	if n >= len(list) {
		return model.Completion{}, fmt.Errorf("unexpected %s call %d", role, n+1)
	}
	text, err := list[n](ctx, p)
	return model.Completion{Text: text}, err
}

func (s *scripted) count(role model.Role) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[role]
}

func planJSON(steps ...string) string {
	type step struct {
		StepNumber      int    `json:"step_number"`
		Action          string `json:"action"`
		Description     string `json:"description"`
		Dependencies    []int  `json:"dependencies,omitempty"`
		SuccessCriteria string `json:"success_criteria"`
	}
	out := make([]step, 0, len(steps))
	for i, d := range steps {
		s := step{StepNumber: i + 1, Action: fmt.Sprintf("Step %d", i+1), Description: d, SuccessCriteria: "done"}
		if i > 0 {
			s.Dependencies = []int{i}
		}
		out = append(out, s)
	}
	b, _ := json.Marshal(map[string]any{"goal": "Grow wheat", "steps": out})
	return string(b)
}

func basicPlan() string {
	return planJSON("Test the soil at the district lab.", "Plough and level the field.", "Sow certified wheat seed.")
}

func critiqueJSON(score float64) string {
	status := "needs_revision"
	if score >= 0.8 {
		status = "approved"
	}
	return fmt.Sprintf(`{"overall_quality_score": %.2f, "concerns": ["add irrigation schedule"], "improvement_suggestions": ["add irrigation schedule"], "approval_status": %q}`, score, status)
}

func newTestEngine(t *testing.T, maxIter int, threshold float64, inv model.Invoker) *Engine {
	t.Helper()
	e := NewEngine(config.PlanningSettings{
		MaxIterations:    maxIter,
		QualityThreshold: threshold,
		IterationTimeout: 2 * time.Second,
		TotalTimeout:     5 * time.Second,
		RetryBase:        time.Millisecond,
		RetryCap:         2 * time.Millisecond,
	}, inv, guardrail.MustDefault(), zerolog.Nop(), nil)
	e.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return e
}

func runReq() Request {
	return Request{SessionID: "s1", Goal: "Plan wheat sowing on my 5 acre farm", Context: []string{"Farmer grows wheat in Punjab"}}
}

func TestRunAcceptsFirstDraftAboveThreshold(t *testing.T) {
	inv := &scripted{
		producer: []replyFunc{reply(basicPlan())},
		critic:   []replyFunc{reply(critiqueJSON(0.9))},
	}
	e := newTestEngine(t, 3, 0.8, inv)

	res := e.Run(context.Background(), runReq())

	require.Equal(t, StatusAccepted, res.Status)
	require.NoError(t, res.Err())
	require.NotNil(t, res.Draft)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 1, res.Draft.Iteration)
	assert.Len(t, res.Draft.Steps, 3)
	assert.InDelta(t, 0.9, res.Score, 1e-9)
	assert.Equal(t, res.Draft.ID, res.Critique.DraftID)
	assert.Equal(t, 1, inv.count(model.RoleProducer))
	assert.Equal(t, 1, inv.count(model.RoleCritic))
}

func TestRunNonConvergenceReturnsBestDraft(t *testing.T) {
	inv := &scripted{
		producer: []replyFunc{reply(basicPlan()), reply(basicPlan()), reply(basicPlan())},
		critic:   []replyFunc{reply(critiqueJSON(0.5)), reply(critiqueJSON(0.65)), reply(critiqueJSON(0.7))},
	}
	e := newTestEngine(t, 3, 0.8, inv)

	res := e.Run(context.Background(), runReq())

	require.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, ReasonNonConvergence, res.Reason)
	assert.True(t, errors.Is(res.Err(), ErrNonConvergence))
	assert.False(t, errors.Is(res.Err(), ErrInfrastructure))
	require.NotNil(t, res.Draft)
	assert.Equal(t, 3, res.Draft.Iteration)
	assert.InDelta(t, 0.7, res.Score, 1e-9)
	assert.Equal(t, 3, res.Iterations)
	assert.Len(t, res.Rounds, 3)
	assert.Equal(t, 3, inv.count(model.RoleProducer))
	assert.Equal(t, 3, inv.count(model.RoleCritic))
	assert.NotEmpty(t, res.Caveats)

	require.Len(t, inv.feedback, 3)
	assert.Empty(t, inv.feedback[0])
	assert.Contains(t, inv.feedback[1], "0.50")
	assert.Contains(t, inv.feedback[1], "add irrigation schedule")
	assert.Contains(t, inv.feedback[2], "0.65")
}

func TestRunBestDraftSelection(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		want   int
	}{
		{name: "tie goes to later draft", scores: []float64{0.6, 0.6}, want: 2},
		{name: "earlier higher score wins", scores: []float64{0.7, 0.5, 0.6}, want: 1},
		{name: "single iteration", scores: []float64{0.4}, want: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			inv := &scripted{}
			for _, s := range tc.scores {
				inv.producer = append(inv.producer, reply(basicPlan()))
				inv.critic = append(inv.critic, reply(critiqueJSON(s)))
			}
			e := newTestEngine(t, len(tc.scores), 0.8, inv)

			res := e.Run(context.Background(), runReq())

			require.Equal(t, StatusRejected, res.Status)
			require.NotNil(t, res.Draft)
			assert.Equal(t, tc.want, res.Draft.Iteration)
			assert.Equal(t, len(tc.scores), inv.count(model.RoleProducer))
		})
	}
}

func TestRunReplacesUnsafeStepWithPlaceholder(t *testing.T) {
	plan := planJSON(
		"Test the soil at the district lab.",
		"Spray chlorpyrifos 500 ml per acre on the standing crop.",
		"Irrigate lightly after step 2.",
	)
	inv := &scripted{
		producer: []replyFunc{reply(plan)},
		critic:   []replyFunc{reply(critiqueJSON(0.85))},
	}
	e := newTestEngine(t, 3, 0.8, inv)

	res := e.Run(context.Background(), runReq())

	require.Equal(t, StatusAccepted, res.Status)
	require.NotNil(t, res.Draft)
	require.Len(t, res.Draft.Steps, 3)
	withheld := res.Draft.Steps[1]
	assert.True(t, withheld.Placeholder)
	assert.Equal(t, guardrail.PolicyDosage, withheld.Flag)
	assert.NotContains(t, withheld.Description, "chlorpyrifos")
	assert.Contains(t, withheld.Description, "Re-derive")
	assert.False(t, res.Draft.Steps[0].Placeholder)
	assert.Equal(t, []int{2}, res.Draft.PlaceholderSteps())

	var guardIssue, orderIssue bool
	for _, is := range res.Critique.Issues {
		if is.Source == IssueSourceGuardrail && is.StepID == 2 {
			guardIssue = true
		}
		if is.Source == IssueSourceOrdering && is.StepID == 3 {
			orderIssue = true
		}
	}
	assert.True(t, guardIssue, "placeholder step should be reported")
	assert.True(t, orderIssue, "step depending on a withheld step should be reported")
	assert.NotEmpty(t, res.Caveats)
}

func TestRunWithholdsStepWithUnsafeOutcomeOrResources(t *testing.T) {
	plan := `{"goal": "Grow wheat", "steps": [
		{"step_number": 1, "action": "Scout", "description": "Walk the field and count aphids per tiller.", "success_criteria": "Pest pressure recorded"},
		{"step_number": 2, "action": "Control aphids", "description": "Act on the scouting result.", "dependencies": [1],
		 "success_criteria": "Spray chlorpyrifos 500 ml per acre on the standing crop.",
		 "resources_needed": ["knapsack sprayer", "monocrotophos 2 ml per litre"],
		 "potential_risks": ["drift onto the neighbouring plot"], "timeline": "week 3"}
	]}`
	inv := &scripted{
		producer: []replyFunc{reply(plan)},
		critic:   []replyFunc{reply(critiqueJSON(0.85))},
	}
	e := newTestEngine(t, 3, 0.8, inv)

	res := e.Run(context.Background(), runReq())

	require.Equal(t, StatusAccepted, res.Status)
	require.NotNil(t, res.Draft)
	require.Len(t, res.Draft.Steps, 2)
	withheld := res.Draft.Steps[1]
	assert.True(t, withheld.Placeholder)
	assert.Equal(t, guardrail.PolicyDosage, withheld.Flag)
	assert.Equal(t, []int{1}, withheld.Preconditions)
	assert.Empty(t, withheld.ExpectedOutcome)
	assert.Empty(t, withheld.Resources)
	assert.Empty(t, withheld.Risks)
	assert.Empty(t, withheld.Timeline)

	raw, err := json.Marshal(withheld)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "chlorpyrifos")
	assert.NotContains(t, string(raw), "monocrotophos")
	assert.Equal(t, []int{2}, res.Draft.PlaceholderSteps())
	assert.False(t, res.Draft.Steps[0].Placeholder)
}

func TestRunInfrastructureFailureAfterRetry(t *testing.T) {
	inv := &scripted{
		producer: []replyFunc{failWith(model.ErrTransient), failWith(model.ErrTransient)},
	}
	e := newTestEngine(t, 3, 0.8, inv)
	events, unsubscribe := e.Subscribe("s1")
	defer unsubscribe()

	res := e.Run(context.Background(), runReq())

	require.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, ReasonInfrastructure, res.Reason)
	assert.True(t, errors.Is(res.Err(), ErrInfrastructure))
	assert.False(t, errors.Is(res.Err(), ErrNonConvergence))
	assert.Nil(t, res.Draft)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 2, inv.count(model.RoleProducer))
	assert.Equal(t, 0, inv.count(model.RoleCritic))

	var retries int
	for len(events) > 0 {
		if evt := <-events; evt.Type == EventPlanRetry {
			retries++
		}
	}
	assert.Equal(t, 1, retries)
}

func TestRunInfrastructureFailureKeepsBestDraftSoFar(t *testing.T) {
	inv := &scripted{
		producer: []replyFunc{reply(basicPlan()), failWith(model.ErrTransient), failWith(model.ErrTransient)},
		critic:   []replyFunc{reply(critiqueJSON(0.5))},
	}
	e := newTestEngine(t, 3, 0.8, inv)

	res := e.Run(context.Background(), runReq())

	require.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, ReasonInfrastructure, res.Reason)
	require.NotNil(t, res.Draft)
	assert.Equal(t, 1, res.Draft.Iteration)
	assert.Equal(t, 2, res.Iterations)
}

func TestRunRetriesOnceThenSucceeds(t *testing.T) {
	inv := &scripted{
		producer: []replyFunc{failWith(model.ErrTransient), reply(basicPlan())},
		critic:   []replyFunc{reply("not json at all"), reply(critiqueJSON(0.9))},
	}
	e := newTestEngine(t, 3, 0.8, inv)

	res := e.Run(context.Background(), runReq())

	require.Equal(t, StatusAccepted, res.Status)
	assert.Equal(t, 2, inv.count(model.RoleProducer))
	assert.Equal(t, 2, inv.count(model.RoleCritic))
	assert.Equal(t, 1, res.Iterations)
}

func TestRunRecordsCallLatencyPerIteration(t *testing.T) {
	inv := &scripted{
		producer: []replyFunc{failWith(model.ErrTransient), reply(basicPlan()), reply(basicPlan())},
		critic:   []replyFunc{reply(critiqueJSON(0.5)), reply(critiqueJSON(0.9))},
	}
	e := newTestEngine(t, 3, 0.8, inv)
	e.metrics = observability.NewMetrics(fmt.Sprintf("test_planning_%d", time.Now().UnixNano()))

	res := e.Run(context.Background(), runReq())
	require.Equal(t, StatusAccepted, res.Status)
	require.Equal(t, 2, res.Iterations)

	report := e.metrics.LatencyReport()
	require.Len(t, report.Iterations, 2)
	first, second := report.Iterations[0], report.Iterations[1]
	assert.Equal(t, 1, first.Iteration)
	require.NotNil(t, first.Producer)
	assert.Equal(t, 2, first.Producer.Samples)
	assert.Equal(t, 1, first.Failures)
	require.NotNil(t, first.Critic)
	assert.Equal(t, 1, first.Critic.Samples)
	assert.Equal(t, 2, second.Iteration)
	assert.Equal(t, 0, second.Failures)

	samples := map[string]int{}
	for _, st := range report.Stages {
		samples[st.Stage] = st.Samples
	}
	assert.Equal(t, 3, samples["producer_call"])
	assert.Equal(t, 2, samples["critic_call"])
	assert.Equal(t, 1, samples["plan_total"])
}

func TestRunDoesNotRetryContentPolicy(t *testing.T) {
	inv := &scripted{
		producer: []replyFunc{failWith(fmt.Errorf("refused: %w", model.ErrContentPolicy)), reply(basicPlan())},
	}
	e := newTestEngine(t, 3, 0.8, inv)

	res := e.Run(context.Background(), runReq())

	require.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, ReasonInfrastructure, res.Reason)
	assert.Equal(t, 1, inv.count(model.RoleProducer))
	assert.Contains(t, res.Detail, "content policy")
}

func TestRunCancelledBeforeStart(t *testing.T) {
	inv := &scripted{producer: []replyFunc{reply(basicPlan())}}
	e := newTestEngine(t, 3, 0.8, inv)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := e.Run(ctx, runReq())

	assert.Equal(t, StatusCancelled, res.Status)
	assert.Nil(t, res.Draft)
	assert.Nil(t, res.Critique)
	assert.Equal(t, 0, inv.count(model.RoleProducer))
	assert.True(t, errors.Is(res.Err(), ErrCancelled))
}

func TestRunCancelledMidIterationDiscardsDrafts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inv := &scripted{
		producer: []replyFunc{reply(basicPlan()), reply(basicPlan())},
		critic: []replyFunc{
			reply(critiqueJSON(0.5)),
			func(ctx context.Context, _ model.Prompt) (string, error) {
				cancel()
				return "", ctx.Err()
			},
		},
	}
	e := newTestEngine(t, 3, 0.8, inv)

	res := e.Run(ctx, runReq())

	assert.Equal(t, StatusCancelled, res.Status)
	assert.Nil(t, res.Draft)
	assert.Empty(t, res.Rounds)
	assert.Equal(t, 2, inv.count(model.RoleCritic))
}

func TestRunPerCallTimeoutIsInfrastructureFailure(t *testing.T) {
	inv := &scripted{producer: []replyFunc{blockUntilDone(), blockUntilDone()}}
	e := newTestEngine(t, 3, 0.8, inv)
	e.settings.IterationTimeout = 10 * time.Millisecond

	res := e.Run(context.Background(), runReq())

	require.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, ReasonInfrastructure, res.Reason)
	assert.Equal(t, 2, inv.count(model.RoleProducer))
	assert.Contains(t, res.Detail, context.DeadlineExceeded.Error())
}

func TestRunTotalTimeoutIsInfrastructureFailure(t *testing.T) {
	inv := &scripted{producer: []replyFunc{blockUntilDone(), blockUntilDone()}}
	e := newTestEngine(t, 3, 0.8, inv)
	e.settings.IterationTimeout = 0
	e.settings.TotalTimeout = 20 * time.Millisecond

	res := e.Run(context.Background(), runReq())

	require.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, ReasonInfrastructure, res.Reason)
	assert.Equal(t, 1, inv.count(model.RoleProducer))
}

func TestRunRejectsOffDomainGoal(t *testing.T) {
	inv := &scripted{}
	e := newTestEngine(t, 3, 0.8, inv)

	res := e.Run(context.Background(), Request{SessionID: "s1", Goal: "write a poem about the moon"})

	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, ReasonInvalidGoal, res.Reason)
	assert.True(t, errors.Is(res.Err(), ErrInvalidGoal))
	assert.Equal(t, 0, inv.count(model.RoleProducer))
}

func TestRunWithMockInvokerRevisesOnce(t *testing.T) {
	e := newTestEngine(t, 3, 0.75, model.NewMockInvoker())
	events, unsubscribe := e.Subscribe("s1")
	defer unsubscribe()

	res := e.Run(context.Background(), runReq())

	require.Equal(t, StatusAccepted, res.Status)
	assert.Equal(t, 2, res.Iterations)
	require.NotNil(t, res.Draft)
	assert.Len(t, res.Draft.Steps, 5)
	assert.Empty(t, res.Draft.PlaceholderSteps())
	assert.Contains(t, res.Draft.Steps[2].Description, "wheat")

	var types []EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, EventPlanStarted, types[0])
	assert.Contains(t, types, EventPlanRevising)
	assert.Equal(t, EventPlanCompleted, types[len(types)-1])
}

func TestSubscribeUnsubscribeClosesChannel(t *testing.T) {
	e := newTestEngine(t, 1, 0.8, &scripted{})
	ch, unsubscribe := e.Subscribe("s1")
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
	unsubscribe()

	empty, _ := e.Subscribe("  ")
	_, open = <-empty
	assert.False(t, open)
}

func TestOrderingIssues(t *testing.T) {
	d := Draft{Steps: []Step{
		{ID: 1, Description: "Test the soil"},
		{ID: 2, Description: "Sow after step 3", Preconditions: []int{1}},
		{ID: 3, Description: "Prepare the field", Preconditions: []int{9}},
		{ID: 3, Description: "Duplicate"},
	}}

	issues := orderingIssues(d)

	var reasons []string
	for _, is := range issues {
		reasons = append(reasons, fmt.Sprintf("%d:%s", is.StepID, is.Reason))
	}
	joined := strings.Join(reasons, "\n")
	assert.Contains(t, joined, "2:depends on step 3 which comes later in the plan")
	assert.Contains(t, joined, "3:depends on step 9 which does not exist")
	assert.Contains(t, joined, "3:step number 3 is used more than once")
	assert.NotContains(t, joined, "1:")
}
