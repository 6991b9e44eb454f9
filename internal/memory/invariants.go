package memory

import "fmt"

// CheckInvariants verifies the structural contract between the turn store,
// summaries, pending buffer and window. windowSize <= 0 skips the size check.
func (s *Session) CheckInvariants(windowSize int) error {
	if windowSize > 0 && len(s.Window) > windowSize {
		return fmt.Errorf("%w: window holds %d turns, limit %d", ErrCorruptSession, len(s.Window), windowSize)
	}
	for i, t := range s.Turns {
		if t.ID != int64(i+1) {
			return fmt.Errorf("%w: turn %d has id %d", ErrCorruptSession, i+1, t.ID)
		}
	}
	if n := int64(len(s.Turns)); n != s.LastTurnID {
		return fmt.Errorf("%w: last turn id %d, turn store holds %d", ErrCorruptSession, s.LastTurnID, n)
	}

	// Summaries, then pending, then window must tile 1..LastTurnID with no gaps.
	next := int64(1)
	for _, b := range s.Summaries {
		if b.StartTurnID != next || b.EndTurnID < b.StartTurnID {
			return fmt.Errorf("%w: summary %s covers %d-%d, expected start %d", ErrCorruptSession, b.ID, b.StartTurnID, b.EndTurnID, next)
		}
		next = b.EndTurnID + 1
	}
	for _, t := range s.Pending {
		if t.ID != next {
			return fmt.Errorf("%w: pending turn %d, expected %d", ErrCorruptSession, t.ID, next)
		}
		next++
	}
	for _, t := range s.Window {
		if t.ID != next {
			return fmt.Errorf("%w: window turn %d, expected %d", ErrCorruptSession, t.ID, next)
		}
		next++
	}
	if next-1 != s.LastTurnID {
		return fmt.Errorf("%w: coverage ends at %d, last turn is %d", ErrCorruptSession, next-1, s.LastTurnID)
	}
	return nil
}
