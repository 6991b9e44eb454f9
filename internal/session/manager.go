package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrEnded    = errors.New("session ended")
	// ErrBusy is returned when a session is already handling a message and
	// the caller chose not to wait, or waited past its limit.
	ErrBusy = errors.New("session busy")
)

type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	MessageCount   int       `json:"message_count"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// lane serializes message handling for one session. refs counts holders and
// waiters so idle lanes can be dropped.
type lane struct {
	slot chan struct{}
	refs int
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	sessionByUser     map[string]string
	lanes             map[string]*lane
	inactivityTimeout time.Duration
	onExpire          func(*Session)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		sessionByUser:     make(map[string]string),
		lanes:             make(map[string]*lane),
		inactivityTimeout: inactivityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(userID string) *Session {
	now := m.now()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         strings.TrimSpace(userID),
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	if s.UserID != "" {
		m.sessionByUser[s.UserID] = s.ID
	}
	return clone(s)
}

// Restore registers a session that already exists in durable storage, for
// example after a restart. An already tracked session is returned unchanged.
func (m *Manager) Restore(sessionID, userID string, startedAt time.Time) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return clone(s)
	}
	s := &Session{
		ID:             sessionID,
		UserID:         userID,
		Status:         StatusActive,
		StartedAt:      startedAt,
		LastActivityAt: m.now(),
	}
	m.sessions[s.ID] = s
	if userID != "" {
		m.sessionByUser[userID] = s.ID
	}
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// ForUser returns the active session of a user.
func (m *Manager) ForUser(userID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessionByUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m.sessions[id]), nil
}

// Touch marks one handled message.
func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status != StatusActive {
		return ErrEnded
	}
	s.MessageCount++
	s.LastActivityAt = m.now()
	return nil
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.Status = StatusEnded
	s.LastActivityAt = m.now()
	if s.UserID != "" && m.sessionByUser[s.UserID] == s.ID {
		delete(m.sessionByUser, s.UserID)
	}
	return clone(s), nil
}

// Acquire takes the per-session lane so only one message is processed at a
// time. With wait=false a held lane fails fast with ErrBusy; otherwise the
// caller queues for up to maxWait (0 waits until ctx is done).
func (m *Manager) Acquire(ctx context.Context, sessionID string, wait bool, maxWait time.Duration) (func(), error) {
	m.mu.Lock()
	l, ok := m.lanes[sessionID]
	if !ok {
		l = &lane{slot: make(chan struct{}, 1)}
		m.lanes[sessionID] = l
	}
	l.refs++
	m.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-l.slot
			m.dropLane(sessionID, l)
		})
	}

	select {
	case l.slot <- struct{}{}:
		return release, nil
	default:
	}
	if !wait {
		m.dropLane(sessionID, l)
		return nil, ErrBusy
	}

	var timeout <-chan time.Time
	if maxWait > 0 {
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case l.slot <- struct{}{}:
		return release, nil
	case <-timeout:
		m.dropLane(sessionID, l)
		return nil, ErrBusy
	case <-ctx.Done():
		m.dropLane(sessionID, l)
		return nil, ctx.Err()
	}
}

func (m *Manager) dropLane(sessionID string, l *lane) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 && m.lanes[sessionID] == l {
		delete(m.lanes, sessionID)
	}
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := m.now()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		// A session mid-message is not idle.
		if l := m.lanes[s.ID]; l != nil && len(l.slot) > 0 {
			continue
		}
		s.Status = StatusEnded
		s.LastActivityAt = now
		expired = append(expired, clone(s))
		if s.UserID != "" && m.sessionByUser[s.UserID] == s.ID {
			delete(m.sessionByUser, s.UserID)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
