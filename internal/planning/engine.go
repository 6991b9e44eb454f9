package planning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/agronomist/internal/config"
	"github.com/ent0n29/agronomist/internal/guardrail"
	"github.com/ent0n29/agronomist/internal/model"
	"github.com/ent0n29/agronomist/internal/observability"
	"github.com/ent0n29/agronomist/internal/reliability"
)

const (
	defaultThreshold = 0.75
	callAttempts     = 2
	maxCaveats       = 8
)

const producerSystem = `You are an agricultural planning assistant for Indian farmers.
Return ONLY a JSON object with keys problem_analysis, goal, steps and critical_path.
Each step has step_number, action, description, timeline, resources_needed,
dependencies (earlier step numbers), success_criteria and potential_risks.
Never give pesticide or fertilizer doses without "as per label" or a KVK referral.`

const criticSystem = `You review farming plans for technical accuracy, safety, practicality and completeness.
Return ONLY a JSON object with overall_quality_score (0-1), technical_accuracy,
safety_assessment, practicality, completeness, strengths, concerns,
improvement_suggestions and approval_status (approved|needs_revision|rejected).`

// Guard is the subset of the guardrail evaluator the engine needs.
type Guard interface {
	Evaluate(content string, kind guardrail.Kind) guardrail.Verdict
}

// Engine runs the bounded producer/critic loop. It holds no per-run state,
// so one Engine serves every session concurrently.
type Engine struct {
	settings config.PlanningSettings
	invoker  model.Invoker
	guard    Guard
	logger   zerolog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error

	mu          sync.Mutex
	nextSubID   int
	subscribers map[string]map[int]chan Event
}

func NewEngine(settings config.PlanningSettings, invoker model.Invoker, guard Guard, logger zerolog.Logger, metrics *observability.Metrics) *Engine {
	if settings.MaxIterations < 1 {
		settings.MaxIterations = 1
	}
	if settings.QualityThreshold <= 0 || settings.QualityThreshold > 1 {
		settings.QualityThreshold = defaultThreshold
	}
	return &Engine{
		settings:    settings,
		invoker:     invoker,
		guard:       guard,
		logger:      logger.With().Str("component", "planning").Logger(),
		metrics:     metrics,
		now:         func() time.Time { return time.Now().UTC() },
		sleep:       reliability.Sleep,
		subscribers: make(map[string]map[int]chan Event),
	}
}

func (e *Engine) Settings() config.PlanningSettings { return e.settings }

// Subscribe streams plan events for one session until the returned func is called.
func (e *Engine) Subscribe(sessionID string) (<-chan Event, func()) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, 256)
	e.mu.Lock()
	e.nextSubID++
	id := e.nextSubID
	if _, ok := e.subscribers[sessionID]; !ok {
		e.subscribers[sessionID] = make(map[int]chan Event)
	}
	e.subscribers[sessionID][id] = ch
	e.mu.Unlock()

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		subs := e.subscribers[sessionID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(e.subscribers, sessionID)
		}
	}
}

func (e *Engine) publish(evt Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subscribers[evt.SessionID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// run carries the state of one Run call.
type run struct {
	e       *Engine
	req     Request
	goal    string
	id      string
	started time.Time
	log     zerolog.Logger
	res     Result
	best    *Round
}

// Run drives DRAFTING -> CRITIQUING -> ACCEPTED | REVISING | REJECTED until a
// draft reaches the threshold, max_iterations is spent, a model call fails
// twice in a row, or ctx is cancelled. It always returns a terminal Result.
func (e *Engine) Run(ctx context.Context, req Request) Result {
	r := &run{
		e:       e,
		req:     req,
		goal:    strings.TrimSpace(req.Goal),
		id:      uuid.NewString(),
		started: e.now(),
	}
	r.log = e.logger.With().Str("session_id", req.SessionID).Str("run_id", r.id).Logger()
	r.res = Result{RunID: r.id, SessionID: req.SessionID}

	if e.guard != nil {
		v := e.guard.Evaluate(r.goal, guardrail.KindPlanGoal)
		e.metrics.ObserveVerdict(string(guardrail.KindPlanGoal), string(v.Decision))
		switch v.Decision {
		case guardrail.DecisionReject:
			return r.finish(StatusRejected, ReasonInvalidGoal, v.Reason)
		case guardrail.DecisionModify:
			r.goal = v.SuggestedContent
		}
	}

	runCtx := ctx
	if e.settings.TotalTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.settings.TotalTimeout)
		defer cancel()
	}

	r.emit(Event{Type: EventPlanStarted, State: StateDrafting})
	feedback := ""
	for iter := 1; iter <= e.settings.MaxIterations; iter++ {
		if ctx.Err() != nil {
			return r.finish(StatusCancelled, ReasonCancelled, ctx.Err().Error())
		}
		if runCtx.Err() != nil {
			return r.finish(StatusRejected, ReasonInfrastructure, "total planning timeout exceeded")
		}
		r.res.Iterations = iter

		r.emit(Event{Type: EventPlanDraft, Iteration: iter, State: StateDrafting})
		draft, err := r.produce(runCtx, iter, feedback)
		if err != nil {
			return r.failed(ctx, err)
		}

		r.emit(Event{Type: EventPlanCritique, Iteration: iter, State: StateCritiquing, Steps: len(draft.Steps)})
		crit, err := r.critique(runCtx, draft)
		if err != nil {
			return r.failed(ctx, err)
		}
		crit.Issues = append(crit.Issues, orderingIssues(draft)...)

		round := Round{Iteration: iter, Draft: draft, Critique: crit}
		r.res.Rounds = append(r.res.Rounds, round)
		if r.best == nil || crit.Score >= r.best.Critique.Score {
			r.best = &round
		}
		r.log.Info().
			Int("iteration", iter).
			Float64("score", crit.Score).
			Str("verdict", string(crit.Verdict)).
			Int("issues", len(crit.Issues)).
			Msg("plan critiqued")

		if crit.Score >= e.settings.QualityThreshold {
			return r.finish(StatusAccepted, ReasonNone, "")
		}
		if iter < e.settings.MaxIterations {
			feedback = renderFeedback(draft, crit)
			r.emit(Event{Type: EventPlanRevising, Iteration: iter, State: StateRevising, Score: crit.Score})
		}
	}

	detail := fmt.Sprintf("best score %.2f below threshold %.2f after %d iterations",
		r.best.Critique.Score, e.settings.QualityThreshold, r.res.Iterations)
	return r.finish(StatusRejected, ReasonNonConvergence, detail)
}

func (r *run) emit(evt Event) {
	evt.SessionID = r.req.SessionID
	evt.RunID = r.id
	evt.At = r.e.now()
	r.e.publish(evt)
}

// failed classifies a call that exhausted its attempts. Cancellation of the
// caller's context wins over every other cause.
func (r *run) failed(parent context.Context, err error) Result {
	if parent.Err() != nil {
		return r.finish(StatusCancelled, ReasonCancelled, parent.Err().Error())
	}
	return r.finish(StatusRejected, ReasonInfrastructure, err.Error())
}

func (r *run) finish(status Status, reason Reason, detail string) Result {
	res := r.res
	res.Status = status
	res.Reason = reason
	res.Detail = detail
	res.Duration = r.e.now().Sub(r.started)

	if status != StatusCancelled && r.best != nil {
		pick := *r.best
		if status == StatusAccepted {
			pick = res.Rounds[len(res.Rounds)-1]
		}
		d := pick.Draft.Clone()
		c := pick.Critique.Clone()
		res.Draft = &d
		res.Critique = &c
		res.Score = c.Score
		res.Caveats = caveats(c)
	}
	if status == StatusCancelled {
		res.Rounds = nil
	}

	r.e.metrics.ObservePlan(string(status), string(reason), res.Iterations, res.Duration)
	r.emit(Event{
		Type:      EventPlanCompleted,
		Iteration: res.Iterations,
		State:     State(status),
		Score:     res.Score,
		Status:    status,
		Reason:    reason,
		Detail:    detail,
	})

	level := zerolog.InfoLevel
	if status != StatusAccepted {
		level = zerolog.WarnLevel
	}
	r.log.WithLevel(level).
		Str("status", string(status)).
		Str("reason", string(reason)).
		Int("iterations", res.Iterations).
		Float64("score", res.Score).
		Dur("duration", res.Duration).
		Msg("planning finished")
	return res
}

func (r *run) produce(ctx context.Context, iter int, feedback string) (Draft, error) {
	p := model.Prompt{
		SessionID: r.req.SessionID,
		System:    producerSystem,
		Input:     r.goal,
		Context:   r.req.Context,
		Feedback:  feedback,
	}
	var d Draft
	err := r.call(ctx, iter, model.RoleProducer, p, func(text string) error {
		parsed, err := ParseDraft(text)
		if err != nil {
			return err
		}
		d = parsed
		return nil
	})
	if err != nil {
		return Draft{}, err
	}

	d.ID = uuid.NewString()
	d.Iteration = iter
	d.CreatedAt = r.e.now()
	if d.Goal == "" {
		d.Goal = r.goal
	}
	r.screenSteps(&d)
	return d, nil
}

// screenSteps runs every text field of every step through the guardrail. A
// rejection anywhere turns the whole step into a placeholder so the rest of
// the draft survives.
func (r *run) screenSteps(d *Draft) {
	if r.e.guard == nil {
		return
	}
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.Placeholder {
			continue
		}
		for _, field := range stepFields(s) {
			if strings.TrimSpace(*field) == "" {
				continue
			}
			v := r.e.guard.Evaluate(*field, guardrail.KindPlanStep)
			r.e.metrics.ObserveVerdict(string(guardrail.KindPlanStep), string(v.Decision))
			if v.Decision == guardrail.DecisionReject {
				*s = placeholder(*s, v)
				r.log.Info().Int("step", s.ID).Str("policy", v.Policy).Msg("plan step withheld")
				break
			}
			if v.Decision == guardrail.DecisionModify {
				*field = v.SuggestedContent
				s.Modified = true
			}
		}
	}
}

func stepFields(s *Step) []*string {
	fields := []*string{&s.Action, &s.Description, &s.ExpectedOutcome, &s.Timeline}
	for i := range s.Resources {
		fields = append(fields, &s.Resources[i])
	}
	for i := range s.Risks {
		fields = append(fields, &s.Risks[i])
	}
	return fields
}

func placeholder(s Step, v guardrail.Verdict) Step {
	return Step{
		ID:            s.ID,
		Action:        "Re-derive this step",
		Description:   fmt.Sprintf("Step %d was withheld by the %s safety check. Re-derive it using label-approved guidance or consult the local Krishi Vigyan Kendra.", s.ID, v.Policy),
		Preconditions: s.Preconditions,
		Placeholder:   true,
		Flag:          v.Policy,
	}
}

func (r *run) critique(ctx context.Context, d Draft) (Critique, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return Critique{}, fmt.Errorf("encode draft: %w", err)
	}
	p := model.Prompt{
		SessionID: r.req.SessionID,
		System:    criticSystem,
		Input:     string(body),
		Context:   append([]string{"Goal: " + r.goal}, r.req.Context...),
	}
	var c Critique
	err = r.call(ctx, d.Iteration, model.RoleCritic, p, func(text string) error {
		parsed, err := ParseCritique(text, r.e.settings.QualityThreshold)
		if err != nil {
			return err
		}
		c = parsed
		return nil
	})
	if err != nil {
		return Critique{}, err
	}
	c.DraftID = d.ID
	return c, nil
}

// call invokes one role with a single retry after backoff. Unparseable output
// counts as a failed attempt. Content-policy refusals are not retried.
func (r *run) call(ctx context.Context, iter int, role model.Role, p model.Prompt, parse func(string) error) error {
	var lastErr error
	for attempt := 0; attempt < callAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, r.e.settings.RetryBase, r.e.settings.RetryCap)
			r.emit(Event{Type: EventPlanRetry, Iteration: iter, Detail: string(role) + ": " + lastErr.Error()})
			if err := r.e.sleep(ctx, wait); err != nil {
				return fmt.Errorf("%s retry wait: %w", role, err)
			}
		}

		err := r.callOnce(ctx, iter, role, p, parse)
		if err == nil {
			return nil
		}
		lastErr = err
		r.e.metrics.ObserveModelError(string(role), model.ErrorKind(err))
		r.log.Warn().Err(err).Int("iteration", iter).Str("role", string(role)).Int("attempt", attempt+1).Msg("model call failed")
		if errors.Is(err, model.ErrContentPolicy) || ctx.Err() != nil {
			break
		}
	}
	return lastErr
}

func (r *run) callOnce(ctx context.Context, iter int, role model.Role, p model.Prompt, parse func(string) error) (err error) {
	started := r.e.now()
	defer func() { r.e.metrics.ObserveModelCall(string(role), iter, r.e.now().Sub(started), err) }()

	callCtx := ctx
	if r.e.settings.IterationTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.e.settings.IterationTimeout)
		defer cancel()
	}
	c, err := r.e.invoker.Invoke(callCtx, role, p)
	if err != nil {
		return fmt.Errorf("%s call: %w", role, err)
	}
	if err := parse(c.Text); err != nil {
		return fmt.Errorf("%s output: %w", role, err)
	}
	return nil
}

func renderFeedback(d Draft, c Critique) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The previous draft scored %.2f.", c.Score)
	if len(c.Issues) > 0 {
		b.WriteString(" Issues:")
		for _, is := range c.Issues {
			if is.StepID > 0 {
				fmt.Fprintf(&b, "\n- step %d: %s", is.StepID, is.Reason)
			} else {
				fmt.Fprintf(&b, "\n- %s", is.Reason)
			}
		}
	}
	if c.SuggestedFix != "" {
		b.WriteString("\nSuggested fix: ")
		b.WriteString(c.SuggestedFix)
	}
	if ids := d.PlaceholderSteps(); len(ids) > 0 {
		fmt.Fprintf(&b, "\nRe-derive withheld steps %v without unqualified chemical doses.", ids)
	}
	return b.String()
}

func caveats(c Critique) []string {
	seen := map[string]bool{}
	var out []string
	for _, is := range c.Issues {
		line := is.Reason
		if is.StepID > 0 {
			line = fmt.Sprintf("Step %d: %s", is.StepID, is.Reason)
		}
		if seen[line] {
			continue
		}
		seen[line] = true
		out = append(out, line)
		if len(out) == maxCaveats {
			break
		}
	}
	return out
}
