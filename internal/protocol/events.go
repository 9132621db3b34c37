// Package protocol defines the wire contract between a session client and
// the room authority: ordered session events inbound, intents outbound.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/prepmate/roomsync/internal/domain"
)

type EventType string

const (
	EventJoin         EventType = "join"
	EventLeave        EventType = "leave"
	EventReadyChanged EventType = "readyChanged"
	EventStarted      EventType = "started"
	EventHeartbeat    EventType = "heartbeat"
	EventSignal       EventType = "signal"
)

// SessionEvent is one applied unit of synchronization. Seq is assigned by
// the server only; clients read it and never invent their own.
type SessionEvent struct {
	Type          EventType
	Seq           uint64
	ParticipantID domain.ParticipantID

	// Type-specific fields; only the one matching Type is set.
	Participant *domain.Participant // join
	Ready       bool                // readyChanged
	Timestamp   time.Time           // heartbeat
	Payload     json.RawMessage     // signal, carried opaquely
}

// Snapshot is the full-roster resynchronization frame sent on join and on
// explicit request after a reconnect. It supersedes any missed events up
// to Seq.
type Snapshot struct {
	SessionID    domain.SessionID     `json:"sessionId"`
	CreatedAt    time.Time            `json:"createdAt"`
	Started      bool                 `json:"started"`
	Seq          uint64               `json:"sequenceNumber"`
	Participants []domain.Participant `json:"participants"`
}

// Closed is the terminal frame for room closure or a kick. Unlike a
// transport drop it is fatal: the client must not reconnect.
type Closed struct {
	Reason string `json:"reason"`
}
