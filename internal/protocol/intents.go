package protocol

import "github.com/prepmate/roomsync/internal/domain"

type IntentKind string

const (
	IntentToggleReady  IntentKind = "toggleReady"
	IntentRequestStart IntentKind = "requestStart"
	IntentLeave        IntentKind = "leave"
)

// Intent is an outbound, not-yet-confirmed local action. Confirmation
// arrives as a regular SessionEvent on the ordered stream; ClientIntentID
// only correlates the echo for UI purposes.
//
// ToggleReady carries the desired final readiness rather than a bare flip
// so that superseded intents stay idempotent: two rapid toggles collapse
// into one wire message with the final value.
type Intent struct {
	Kind           IntentKind           `json:"type"`
	ParticipantID  domain.ParticipantID `json:"participantId"`
	ClientIntentID string               `json:"clientIntentId"`
	Ready          bool                 `json:"ready,omitempty"`
}

// JoinAnnounce is sent on every (re)connect. Ready carries the last
// desired readiness so server and client re-converge without the server
// remembering disconnected clients.
type JoinAnnounce struct {
	SessionID   domain.SessionID   `json:"sessionId"`
	Participant domain.Participant `json:"participant"`
}

// SnapshotRequest asks the authority for a full roster snapshot.
type SnapshotRequest struct {
	SessionID domain.SessionID `json:"sessionId"`
}
