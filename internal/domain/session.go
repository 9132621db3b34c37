package domain

import "time"

type SessionID string

// Session identifies one interview room. Started is sticky: once true it
// never transitions back for any participant.
type Session struct {
	ID        SessionID `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
	Started   bool      `json:"started"`
}

// Elapsed is the waiting/interview time since the room was created,
// used for the elapsed-time notice in the panel.
func (s Session) Elapsed(now time.Time) time.Duration {
	if s.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(s.CreatedAt)
}
