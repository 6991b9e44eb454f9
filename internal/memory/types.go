package memory

import (
	"context"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is one immutable entry of a session's turn store.
type Turn struct {
	ID        int64     `json:"turn_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`
	Tags      []string  `json:"tags,omitempty"`
}

// SummaryBlock condenses the contiguous turn range [StartTurnID, EndTurnID].
type SummaryBlock struct {
	ID          string    `json:"id"`
	StartTurnID int64     `json:"start_turn_id"`
	EndTurnID   int64     `json:"end_turn_id"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
	Degraded    bool      `json:"degraded,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// Fact is a candidate profile attribute produced by the fact extractor.
type Fact struct {
	Key          string  `json:"key"`
	Value        string  `json:"value"`
	Confidence   float64 `json:"confidence"`
	SourceTurnID int64   `json:"source_turn_id,omitempty"`
}

type ProfileEntry struct {
	Value        string    `json:"value"`
	Confidence   float64   `json:"confidence"`
	UpdatedAt    time.Time `json:"updated_at"`
	SourceTurnID int64     `json:"source_turn_id,omitempty"`
	Revision     int       `json:"revision"`
}

// Profile is the farmer profile keyed by normalized attribute name.
type Profile map[string]ProfileEntry

type RejectedFact struct {
	Fact       Fact      `json:"fact"`
	Reason     string    `json:"reason"`
	Policy     string    `json:"policy,omitempty"`
	RejectedAt time.Time `json:"rejected_at"`
}

// Degradation records a summarization that fell back to a placeholder block.
type Degradation struct {
	SummaryID   string    `json:"summary_id"`
	StartTurnID int64     `json:"start_turn_id"`
	EndTurnID   int64     `json:"end_turn_id"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

// Session is the durable conversation state owned by one session controller.
type Session struct {
	ID            string         `json:"session_id"`
	UserID        string         `json:"user_id"`
	LastTurnID    int64          `json:"last_turn_id"`
	Turns         []Turn         `json:"turns"`
	Window        []Turn         `json:"window"`
	Pending       []Turn         `json:"pending,omitempty"`
	Summaries     []SummaryBlock `json:"summaries,omitempty"`
	Profile       Profile        `json:"profile"`
	RejectedFacts []RejectedFact `json:"rejected_facts,omitempty"`
	Degradations  []Degradation  `json:"degradations,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
}

// Ended reports whether the session was terminated. An ended session accepts
// no further turns, including after a restart.
func (s *Session) Ended() bool {
	return s.EndedAt != nil
}

// ContextView is the read-only composition handed to planning and answering.
type ContextView struct {
	SessionID string         `json:"session_id"`
	Window    []Turn         `json:"window"`
	Summaries []SummaryBlock `json:"summaries"`
	Pending   []Turn         `json:"pending,omitempty"`
	Profile   Profile        `json:"profile"`
}

// Summarizer condenses a batch of evicted turns into prose.
type Summarizer interface {
	Summarize(ctx context.Context, turns []Turn) (string, error)
}

// Store persists whole sessions.
type Store interface {
	Load(ctx context.Context, sessionID string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Close() error
}

func NewSession(id, userID string, now time.Time) *Session {
	return &Session{
		ID:        id,
		UserID:    userID,
		Profile:   Profile{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (t Turn) Clone() Turn {
	out := t
	if t.Tags != nil {
		out.Tags = append([]string(nil), t.Tags...)
	}
	return out
}

func (p Profile) Clone() Profile {
	out := make(Profile, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Turns = cloneTurns(s.Turns)
	out.Window = cloneTurns(s.Window)
	out.Pending = cloneTurns(s.Pending)
	if s.Summaries != nil {
		out.Summaries = append([]SummaryBlock(nil), s.Summaries...)
	}
	out.Profile = s.Profile.Clone()
	if s.RejectedFacts != nil {
		out.RejectedFacts = append([]RejectedFact(nil), s.RejectedFacts...)
	}
	if s.Degradations != nil {
		out.Degradations = append([]Degradation(nil), s.Degradations...)
	}
	if s.EndedAt != nil {
		ended := *s.EndedAt
		out.EndedAt = &ended
	}
	return &out
}

func cloneTurns(in []Turn) []Turn {
	if in == nil {
		return nil
	}
	out := make([]Turn, len(in))
	for i, t := range in {
		out[i] = t.Clone()
	}
	return out
}
