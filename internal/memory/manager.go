package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/agronomist/internal/config"
	"github.com/ent0n29/agronomist/internal/guardrail"
	"github.com/ent0n29/agronomist/internal/observability"
)

// TagGuardrailModified marks a turn stored with guardrail-suggested content.
const TagGuardrailModified = "guardrail:modified"

const (
	maxRejectedFacts = 100
	maxDegradations  = 100
)

// Guard is the subset of the guardrail evaluator the memory layer needs.
type Guard interface {
	Evaluate(content string, kind guardrail.Kind) guardrail.Verdict
}

// ProfileUpdate reports the outcome of one UpdateProfile call.
type ProfileUpdate struct {
	Applied  []Fact         `json:"applied"`
	Rejected []RejectedFact `json:"rejected,omitempty"`
}

// Manager owns the window, summarization and profile rules for sessions.
// It mutates the *Session it is handed; callers serialize access per session.
type Manager struct {
	settings   config.MemorySettings
	guard      Guard
	summarizer Summarizer
	logger     zerolog.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

func NewManager(settings config.MemorySettings, guard Guard, summarizer Summarizer, logger zerolog.Logger, metrics *observability.Metrics) *Manager {
	if settings.WindowSize < 1 {
		settings.WindowSize = 1
	}
	if settings.SummaryBatchSize < 1 {
		settings.SummaryBatchSize = 1
	}
	if summarizer == nil {
		summarizer = TopicSummarizer{}
	}
	return &Manager{
		settings:   settings,
		guard:      guard,
		summarizer: summarizer,
		logger:     logger.With().Str("component", "memory").Logger(),
		metrics:    metrics,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) Settings() config.MemorySettings { return m.settings }

// RecordTurn guards, appends and windows one turn. Summarization failures
// degrade into a placeholder block and never fail the call.
func (m *Manager) RecordTurn(ctx context.Context, s *Session, role Role, content string) (Turn, error) {
	if s == nil {
		return Turn{}, ErrSessionNotFound
	}
	if !role.Valid() {
		return Turn{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	kind := guardrail.KindUserInput
	if role == RoleAssistant {
		kind = guardrail.KindAssistantOutput
	}
	var tags []string
	if m.guard != nil {
		v := m.guard.Evaluate(content, kind)
		m.metrics.ObserveVerdict(string(kind), string(v.Decision))
		switch v.Decision {
		case guardrail.DecisionReject:
			m.logger.Info().Str("session_id", s.ID).Str("role", string(role)).Str("policy", v.Policy).Msg("turn rejected by guardrail")
			return Turn{}, &InvalidContentError{Role: role, Verdict: v}
		case guardrail.DecisionModify:
			content = v.SuggestedContent
			tags = append(tags, TagGuardrailModified)
		}
	}

	now := m.now()
	turn := Turn{
		ID:        s.LastTurnID + 1,
		Role:      role,
		Content:   content,
		CreatedAt: now,
		Tags:      append(Topics(content), tags...),
	}
	s.Turns = append(s.Turns, turn)
	s.Window = append(s.Window, turn.Clone())
	s.LastTurnID = turn.ID
	s.UpdatedAt = now

	if over := len(s.Window) - m.settings.WindowSize; over > 0 {
		s.Pending = append(s.Pending, s.Window[:over]...)
		s.Window = append([]Turn(nil), s.Window[over:]...)
	}
	for len(s.Pending) >= m.settings.SummaryBatchSize {
		batch := s.Pending[:m.settings.SummaryBatchSize]
		m.condense(ctx, s, batch)
		s.Pending = append([]Turn(nil), s.Pending[m.settings.SummaryBatchSize:]...)
	}
	if len(s.Pending) == 0 {
		s.Pending = nil
	}
	return turn.Clone(), nil
}

// Context returns a deep copy of what planning and answering may see.
func (m *Manager) Context(s *Session) ContextView {
	view := ContextView{
		SessionID: s.ID,
		Window:    cloneTurns(s.Window),
		Summaries: append([]SummaryBlock{}, s.Summaries...),
		Pending:   cloneTurns(s.Pending),
		Profile:   s.Profile.Clone(),
	}
	if view.Window == nil {
		view.Window = []Turn{}
	}
	return view
}

// UpdateProfile vets each fact with the guardrail and merges the survivors.
// A rejected fact never displaces a previously accepted value.
func (m *Manager) UpdateProfile(_ context.Context, s *Session, facts []Fact) ProfileUpdate {
	var out ProfileUpdate
	if s.Profile == nil {
		s.Profile = Profile{}
	}
	now := m.now()
	for _, f := range facts {
		if m.guard != nil {
			v := m.guard.Evaluate(f.Value, guardrail.KindProfileFact)
			m.metrics.ObserveVerdict(string(guardrail.KindProfileFact), string(v.Decision))
			if v.Rejected() {
				rf := RejectedFact{Fact: f, Reason: v.Reason, Policy: v.Policy, RejectedAt: now}
				out.Rejected = append(out.Rejected, rf)
				s.RejectedFacts = append(s.RejectedFacts, rf)
				continue
			}
			if v.Decision == guardrail.DecisionModify && v.SuggestedContent != "" {
				f.Value = v.SuggestedContent
			}
		}
		if s.Profile.Apply(f, now) {
			out.Applied = append(out.Applied, f)
		}
	}
	if n := len(s.RejectedFacts); n > maxRejectedFacts {
		s.RejectedFacts = append([]RejectedFact(nil), s.RejectedFacts[n-maxRejectedFacts:]...)
	}
	if len(out.Applied) > 0 {
		s.UpdatedAt = now
	}
	if len(out.Rejected) > 0 {
		m.logger.Debug().Str("session_id", s.ID).Int("rejected", len(out.Rejected)).Msg("profile facts rejected")
	}
	return out
}

// Flush condenses whatever is still pending, typically before a session ends.
// The returned error wraps ErrSummarizationDegraded when the block had to be
// degraded; the session is still consistent in that case.
func (m *Manager) Flush(ctx context.Context, s *Session) error {
	if len(s.Pending) == 0 {
		return nil
	}
	block := m.condense(ctx, s, s.Pending)
	s.Pending = nil
	if block.Degraded {
		return fmt.Errorf("flush session %s: %w: %s", s.ID, ErrSummarizationDegraded, block.Reason)
	}
	return nil
}

func (m *Manager) condense(ctx context.Context, s *Session, batch []Turn) SummaryBlock {
	now := m.now()
	block := SummaryBlock{
		ID:          uuid.NewString(),
		StartTurnID: batch[0].ID,
		EndTurnID:   batch[len(batch)-1].ID,
		CreatedAt:   now,
	}

	text, err := m.summarizer.Summarize(ctx, cloneTurns(batch))
	if err == nil && m.guard != nil {
		v := m.guard.Evaluate(text, guardrail.KindSummary)
		m.metrics.ObserveVerdict(string(guardrail.KindSummary), string(v.Decision))
		switch v.Decision {
		case guardrail.DecisionReject:
			err = fmt.Errorf("summary rejected by guardrail: %s", v.Reason)
		case guardrail.DecisionModify:
			text = v.SuggestedContent
		}
	}
	if err == nil && text == "" {
		err = fmt.Errorf("summarizer returned empty text")
	}

	if err != nil {
		block.Text = degradedText(batch, m.settings.DegradedSummaryChars)
		block.Degraded = true
		block.Reason = err.Error()
		s.Degradations = append(s.Degradations, Degradation{
			SummaryID:   block.ID,
			StartTurnID: block.StartTurnID,
			EndTurnID:   block.EndTurnID,
			Reason:      block.Reason,
			At:          now,
		})
		if n := len(s.Degradations); n > maxDegradations {
			s.Degradations = append([]Degradation(nil), s.Degradations[n-maxDegradations:]...)
		}
		m.metrics.ObserveSummary("degraded")
		m.logger.Warn().Err(err).
			Str("session_id", s.ID).
			Int64("start_turn", block.StartTurnID).
			Int64("end_turn", block.EndTurnID).
			Msg("summarization degraded")
	} else {
		block.Text = text
		m.metrics.ObserveSummary("ok")
	}

	s.Summaries = append(s.Summaries, block)
	s.UpdatedAt = now
	return block
}

// Turns returns the raw turns with IDs in [from, to]. to <= 0 means through
// the latest turn.
func (m *Manager) Turns(s *Session, from, to int64) []Turn {
	if from < 1 {
		from = 1
	}
	if to <= 0 || to > s.LastTurnID {
		to = s.LastTurnID
	}
	if from > to {
		return []Turn{}
	}
	return cloneTurns(s.Turns[from-1 : to])
}
