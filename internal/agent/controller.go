package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/agronomist/internal/memory"
	"github.com/ent0n29/agronomist/internal/model"
	"github.com/ent0n29/agronomist/internal/nlu"
	"github.com/ent0n29/agronomist/internal/observability"
	"github.com/ent0n29/agronomist/internal/planning"
	"github.com/ent0n29/agronomist/internal/session"
	"github.com/ent0n29/agronomist/internal/tools"
)

const (
	BusyModeWait   = "wait"
	BusyModeReject = "reject"

	responderSystem = `You are a practical farming assistant for Indian farmers. Answer in simple language,
use the conversation context and tool results, and never give chemical doses without
"as per label" or a referral to the local Krishi Vigyan Kendra.`

	toolConcurrency = 4
	expireTimeout   = 10 * time.Second
)

// safeFallback replaces an assistant reply the guardrail refused to store.
const safeFallback = "I can't share that advice safely. Please check the product label or consult your local Krishi Vigyan Kendra."

// Planner runs one bounded planning loop.
type Planner interface {
	Run(ctx context.Context, req planning.Request) planning.Result
}

// ToolCaller resolves a tool by name, e.g. *tools.Registry.
type ToolCaller interface {
	Call(ctx context.Context, name string, p tools.Params) (tools.Result, error)
}

type Settings struct {
	BusyMode string
	BusyWait time.Duration
}

// ToolOutcome is what one consulted tool contributed to a reply.
type ToolOutcome struct {
	Tool    string `json:"tool"`
	Summary string `json:"summary,omitempty"`
	Cached  bool   `json:"cached,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

type Response struct {
	SessionID       string               `json:"session_id"`
	UserTurnID      int64                `json:"user_turn_id"`
	TurnID          int64                `json:"turn_id"`
	Text            string               `json:"text"`
	Intent          nlu.Intent           `json:"intent"`
	Plan            *planning.Result     `json:"plan,omitempty"`
	Tools           []ToolOutcome        `json:"tools,omitempty"`
	Profile         memory.ProfileUpdate `json:"profile"`
	InputModified   bool                 `json:"input_modified,omitempty"`
	OutputModified  bool                 `json:"output_modified,omitempty"`
	DegradedSummary bool                 `json:"degraded_summary,omitempty"`
}

// Controller runs one message at a time per session through memory, NLU,
// tools, planning and the responder.
type Controller struct {
	sessions   *session.Manager
	store      memory.Store
	memory     *memory.Manager
	planner    Planner
	invoker    model.Invoker
	tools      ToolCaller
	extractor  nlu.Extractor
	classifier nlu.Classifier
	settings   Settings
	logger     zerolog.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

func NewController(
	sessions *session.Manager,
	store memory.Store,
	mem *memory.Manager,
	planner Planner,
	invoker model.Invoker,
	toolCaller ToolCaller,
	extractor nlu.Extractor,
	classifier nlu.Classifier,
	settings Settings,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Controller {
	mode := strings.ToLower(strings.TrimSpace(settings.BusyMode))
	if mode != BusyModeReject {
		mode = BusyModeWait
	}
	settings.BusyMode = mode
	if extractor == nil {
		extractor = nlu.NewKeywordExtractor()
	}
	if classifier == nil {
		classifier = nlu.NewKeywordClassifier()
	}
	return &Controller{
		sessions:   sessions,
		store:      store,
		memory:     mem,
		planner:    planner,
		invoker:    invoker,
		tools:      toolCaller,
		extractor:  extractor,
		classifier: classifier,
		settings:   settings,
		logger:     logger.With().Str("component", "agent").Logger(),
		metrics:    metrics,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateSession registers a new session and persists its empty state.
func (c *Controller) CreateSession(ctx context.Context, userID string) (*session.Session, error) {
	s := c.sessions.Create(userID)
	if err := c.store.Save(ctx, memory.NewSession(s.ID, s.UserID, s.StartedAt)); err != nil {
		_, _ = c.sessions.End(s.ID)
		return nil, fmt.Errorf("save new session: %w", err)
	}
	c.metrics.SessionStarted()
	c.logger.Info().Str("session_id", s.ID).Str("user_id", s.UserID).Msg("session created")
	return s, nil
}

// Context returns the memory view of a stored session.
func (c *Controller) Context(ctx context.Context, sessionID string) (memory.ContextView, error) {
	s, err := c.store.Load(ctx, sessionID)
	if err != nil {
		return memory.ContextView{}, err
	}
	return c.memory.Context(s), nil
}

// HandleMessage processes one farmer message end to end.
func (c *Controller) HandleMessage(ctx context.Context, sessionID, text string) (Response, error) {
	release, err := c.sessions.Acquire(ctx, sessionID, c.settings.BusyMode == BusyModeWait, c.settings.BusyWait)
	if err != nil {
		if errors.Is(err, session.ErrBusy) {
			c.metrics.ObserveBusyRejection()
		}
		return Response{}, err
	}
	defer release()

	started := c.now()
	log := c.logger.With().Str("session_id", sessionID).Logger()

	s, err := c.load(ctx, sessionID)
	if err != nil {
		return Response{}, err
	}
	resp := Response{SessionID: sessionID}
	degradedBefore := len(s.Degradations)

	mark := c.now()
	userTurn, err := c.memory.RecordTurn(ctx, s, memory.RoleUser, text)
	if err != nil {
		return Response{}, err
	}
	c.metrics.ObserveTurnStage("memory_record", c.now().Sub(mark))
	resp.UserTurnID = userTurn.ID
	resp.InputModified = hasTag(userTurn, memory.TagGuardrailModified)

	mark = c.now()
	resp.Profile = c.memory.UpdateProfile(ctx, s, c.extractor.Extract(userTurn))
	c.metrics.ObserveTurnStage("profile_update", c.now().Sub(mark))

	resp.Intent = c.classifier.Classify(userTurn.Content)
	view := c.memory.Context(s)
	c.metrics.ObserveTurnStage("context_ready", c.now().Sub(started))

	mark = c.now()
	outcomes := c.gatherTools(ctx, resp.Intent, s, userTurn.Content)
	resp.Tools = outcomes
	c.metrics.ObserveTurnStage("tools_gathered", c.now().Sub(mark))
	promptCtx := PromptContext(view, outcomes)

	var reply string
	if resp.Intent.Kind == nlu.IntentPlanning && c.planner != nil {
		res := c.planner.Run(ctx, planning.Request{SessionID: sessionID, Goal: userTurn.Content, Context: promptCtx})
		resp.Plan = &res
		switch {
		case res.Status == planning.StatusCancelled:
			c.saveAfterFault(ctx, s, log)
			return Response{}, fmt.Errorf("plan for session %s: %w", sessionID, ctx.Err())
		case res.Reason == planning.ReasonInfrastructure && res.Draft == nil:
			c.saveAfterFault(ctx, s, log)
			return Response{}, fmt.Errorf("plan for session %s: %w", sessionID, res.Err())
		}
		reply = RenderPlan(res)
	} else {
		mark = c.now()
		reply, err = c.answer(ctx, sessionID, userTurn.Content, promptCtx)
		if err != nil {
			c.metrics.ObserveModelError(string(model.RoleResponder), model.ErrorKind(err))
			c.saveAfterFault(ctx, s, log)
			return Response{}, fmt.Errorf("answer for session %s: %w", sessionID, err)
		}
		c.metrics.ObserveTurnStage("direct_answer", c.now().Sub(mark))
	}

	assistantTurn, err := c.memory.RecordTurn(ctx, s, memory.RoleAssistant, reply)
	var invalid *memory.InvalidContentError
	if errors.As(err, &invalid) {
		log.Warn().Str("policy", invalid.Verdict.Policy).Msg("assistant reply withheld by guardrail")
		assistantTurn, err = c.memory.RecordTurn(ctx, s, memory.RoleAssistant, safeFallback)
		resp.OutputModified = true
	}
	if err != nil {
		return Response{}, fmt.Errorf("record assistant turn: %w", err)
	}
	if hasTag(assistantTurn, memory.TagGuardrailModified) {
		resp.OutputModified = true
	}
	resp.TurnID = assistantTurn.ID
	resp.Text = assistantTurn.Content
	resp.DegradedSummary = len(s.Degradations) > degradedBefore

	if err := c.store.Save(ctx, s); err != nil {
		return Response{}, fmt.Errorf("save session %s: %w", sessionID, err)
	}
	_ = c.sessions.Touch(sessionID)

	elapsed := c.now().Sub(started)
	c.metrics.ObserveTurnStage("turn_total", elapsed)
	c.metrics.CountTurnEvent("intent_" + string(resp.Intent.Kind))
	log.Info().
		Str("intent", string(resp.Intent.Kind)).
		Int64("turn_id", resp.TurnID).
		Int("tools", len(resp.Tools)).
		Dur("duration", elapsed).
		Msg("message handled")
	return resp, nil
}

// EndSession flushes pending memory into a summary, saves, and marks the
// session ended. A degraded flush is logged, not returned.
func (c *Controller) EndSession(ctx context.Context, sessionID string) (*session.Session, error) {
	release, err := c.sessions.Acquire(ctx, sessionID, true, c.settings.BusyWait)
	if err != nil {
		return nil, err
	}
	defer release()

	s, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := c.finalize(ctx, s); err != nil {
		return nil, err
	}
	ended, err := c.sessions.End(sessionID)
	if err != nil {
		return nil, err
	}
	c.metrics.SessionEnded("ended")
	return ended, nil
}

// OnExpire is the session janitor hook.
func (c *Controller) OnExpire(expired *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
	defer cancel()
	c.metrics.SessionEnded("expired")

	release, err := c.sessions.Acquire(ctx, expired.ID, true, 0)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", expired.ID).Msg("expire: session lane unavailable")
		return
	}
	defer release()
	s, err := c.store.Load(ctx, expired.ID)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", expired.ID).Msg("expire: load failed")
		return
	}
	if s.Ended() {
		return
	}
	if err := c.finalize(ctx, s); err != nil {
		c.logger.Warn().Err(err).Str("session_id", expired.ID).Msg("expire: save failed")
	}
}

// finalize flushes pending memory and persists the session as ended.
func (c *Controller) finalize(ctx context.Context, s *memory.Session) error {
	if err := c.memory.Flush(ctx, s); err != nil {
		if !errors.Is(err, memory.ErrSummarizationDegraded) {
			return err
		}
		c.logger.Warn().Err(err).Str("session_id", s.ID).Msg("final summary degraded")
	}
	ended := c.now()
	s.EndedAt = &ended
	if err := c.store.Save(ctx, s); err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

// load reads the stored session and makes sure the lifecycle manager knows it.
func (c *Controller) load(ctx context.Context, sessionID string) (*memory.Session, error) {
	s, err := c.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	tracked, err := c.sessions.Get(sessionID)
	if errors.Is(err, session.ErrNotFound) {
		tracked = c.sessions.Restore(sessionID, s.UserID, s.CreatedAt)
	}
	if s.Ended() && tracked.Status != session.StatusEnded {
		// Ended before a restart; the fresh manager has to learn it.
		_, _ = c.sessions.End(sessionID)
		return nil, fmt.Errorf("session %s: %w", sessionID, session.ErrEnded)
	}
	if tracked.Status == session.StatusEnded {
		return nil, fmt.Errorf("session %s: %w", sessionID, session.ErrEnded)
	}
	return s, nil
}

// saveAfterFault keeps the user turn for audit when the reply could not be produced.
func (c *Controller) saveAfterFault(ctx context.Context, s *memory.Session, log zerolog.Logger) {
	if err := c.store.Save(context.WithoutCancel(ctx), s); err != nil {
		log.Error().Err(err).Msg("save after model fault failed")
	}
}

func (c *Controller) answer(ctx context.Context, sessionID, question string, promptCtx []string) (string, error) {
	out, err := c.invoker.Invoke(ctx, model.RoleResponder, model.Prompt{
		SessionID: sessionID,
		System:    responderSystem,
		Input:     question,
		Context:   promptCtx,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", fmt.Errorf("responder returned empty text")
	}
	return text, nil
}

// gatherTools consults the tools the intent asked for concurrently. Tool
// failures are reported in the outcome and never fail the message.
func (c *Controller) gatherTools(ctx context.Context, intent nlu.Intent, s *memory.Session, text string) []ToolOutcome {
	if c.tools == nil || len(intent.Tools) == 0 {
		return nil
	}
	outcomes := make([]ToolOutcome, len(intent.Tools))
	var g errgroup.Group
	g.SetLimit(toolConcurrency)
	for i, name := range intent.Tools {
		i, name := i, name
		g.Go(func() error {
			out := ToolOutcome{Tool: name}
			res, err := c.tools.Call(ctx, name, toolParams(name, s, text))
			if err != nil {
				out.Error = err.Error()
				out.Code = tools.ErrorCode(err)
			} else {
				out.Summary = res.Summary
				out.Cached = res.Cached
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func toolParams(name string, s *memory.Session, text string) tools.Params {
	switch name {
	case nlu.ToolWeather:
		loc := s.Profile[memory.KeyLocation].Value
		if places := nlu.PlacesIn(text); len(places) > 0 {
			loc = places[0]
		}
		return tools.Params{"location": loc}
	case nlu.ToolMarket:
		crop := ""
		if crops := nlu.CropsIn(text); len(crops) > 0 {
			crop = crops[0]
		} else if crops := s.Profile[memory.KeyCrops].Values(); len(crops) > 0 {
			crop = crops[0]
		}
		return tools.Params{"crop": crop}
	case nlu.ToolData:
		return tools.Params{"customer_id": s.UserID}
	default:
		return tools.Params{"query": text}
	}
}

func hasTag(t memory.Turn, tag string) bool {
	for _, have := range t.Tags {
		if have == tag {
			return true
		}
	}
	return false
}
