package memory

import (
	"encoding/json"
	"fmt"
)

// encodeState serializes everything but the raw turns, which the SQL stores
// keep in their own append-only table.
func encodeState(s *Session) ([]byte, error) {
	c := s.Clone()
	c.Turns = nil
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return data, nil
}

func decodeState(data []byte, turns []Turn) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}
	s.Turns = turns
	if s.Profile == nil {
		s.Profile = Profile{}
	}
	if err := s.CheckInvariants(0); err != nil {
		return nil, fmt.Errorf("load session %s: %w", s.ID, err)
	}
	return &s, nil
}
