package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prepmate/roomsync/internal/domain"
)

// ErrMalformed marks out-of-contract messages. Callers log and drop; a
// malformed frame never terminates the stream.
var ErrMalformed = errors.New("malformed message")

// envelope is the shared wire shape: one JSON object per message.
type envelope struct {
	Type           string          `json:"type"`
	SequenceNumber uint64          `json:"sequenceNumber,omitempty"`
	ParticipantID  string          `json:"participantId,omitempty"`
	ClientIntentID string          `json:"clientIntentId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

type joinPayload struct {
	Participant domain.Participant `json:"participant"`
}

type readyPayload struct {
	Ready bool `json:"ready"`
}

type heartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type closedPayload struct {
	Reason string `json:"reason"`
}

// ServerFrame is one decoded server-to-client message. Exactly one field
// is non-nil.
type ServerFrame struct {
	Event    *SessionEvent
	Snapshot *Snapshot
	Closed   *Closed
}

// DecodeServerFrame parses a raw inbound message. Unknown types and bad
// payloads return ErrMalformed-wrapped errors.
func DecodeServerFrame(data []byte) (ServerFrame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ServerFrame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch EventType(env.Type) {
	case EventJoin, EventLeave, EventReadyChanged, EventStarted, EventHeartbeat, EventSignal:
		ev, err := decodeEvent(env)
		if err != nil {
			return ServerFrame{}, err
		}
		return ServerFrame{Event: ev}, nil
	}

	switch env.Type {
	case "snapshot":
		var snap Snapshot
		if err := json.Unmarshal(env.Payload, &snap); err != nil {
			return ServerFrame{}, fmt.Errorf("%w: snapshot payload: %v", ErrMalformed, err)
		}
		return ServerFrame{Snapshot: &snap}, nil
	case "closed":
		var p closedPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return ServerFrame{}, fmt.Errorf("%w: closed payload: %v", ErrMalformed, err)
			}
		}
		return ServerFrame{Closed: &Closed{Reason: p.Reason}}, nil
	}
	return ServerFrame{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
}

func decodeEvent(env envelope) (*SessionEvent, error) {
	if env.SequenceNumber == 0 {
		return nil, fmt.Errorf("%w: event %q without sequence number", ErrMalformed, env.Type)
	}
	ev := &SessionEvent{
		Type:          EventType(env.Type),
		Seq:           env.SequenceNumber,
		ParticipantID: domain.ParticipantID(env.ParticipantID),
	}
	switch ev.Type {
	case EventJoin:
		var p joinPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: join payload: %v", ErrMalformed, err)
		}
		if p.Participant.ID == "" {
			return nil, fmt.Errorf("%w: join without participant id", ErrMalformed)
		}
		ev.Participant = &p.Participant
		ev.ParticipantID = p.Participant.ID
	case EventReadyChanged:
		var p readyPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: readyChanged payload: %v", ErrMalformed, err)
		}
		ev.Ready = p.Ready
	case EventHeartbeat:
		var p heartbeatPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: heartbeat payload: %v", ErrMalformed, err)
		}
		ev.Timestamp = time.UnixMilli(p.Timestamp)
	case EventSignal:
		ev.Payload = env.Payload
	}
	return ev, nil
}

// EncodeEvent renders a server-assigned event for broadcast.
func EncodeEvent(ev SessionEvent) ([]byte, error) {
	env := envelope{
		Type:           string(ev.Type),
		SequenceNumber: ev.Seq,
		ParticipantID:  string(ev.ParticipantID),
	}
	var payload any
	switch ev.Type {
	case EventJoin:
		payload = joinPayload{Participant: *ev.Participant}
	case EventReadyChanged:
		payload = readyPayload{Ready: ev.Ready}
	case EventHeartbeat:
		payload = heartbeatPayload{Timestamp: ev.Timestamp.UnixMilli()}
	case EventSignal:
		env.Payload = ev.Payload
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = b
	}
	return json.Marshal(env)
}

func EncodeSnapshot(snap Snapshot) ([]byte, error) {
	b, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: "snapshot", Payload: b})
}

func EncodeClosed(c Closed) ([]byte, error) {
	b, err := json.Marshal(closedPayload{Reason: c.Reason})
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: "closed", Payload: b})
}

// ClientFrame is one decoded client-to-server message. Exactly one field
// is set.
type ClientFrame struct {
	Join        *JoinAnnounce
	Intent      *Intent
	SnapshotReq *SnapshotRequest
	Heartbeat   bool
	Signal      json.RawMessage

	ParticipantID domain.ParticipantID
}

func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ClientFrame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	frame := ClientFrame{ParticipantID: domain.ParticipantID(env.ParticipantID)}

	switch env.Type {
	case "join":
		var j JoinAnnounce
		if err := json.Unmarshal(env.Payload, &j); err != nil {
			return ClientFrame{}, fmt.Errorf("%w: join payload: %v", ErrMalformed, err)
		}
		frame.Join = &j
		frame.ParticipantID = j.Participant.ID
	case string(IntentToggleReady), string(IntentRequestStart), string(IntentLeave):
		intent := Intent{
			Kind:           IntentKind(env.Type),
			ParticipantID:  domain.ParticipantID(env.ParticipantID),
			ClientIntentID: env.ClientIntentID,
		}
		if intent.Kind == IntentToggleReady {
			var p readyPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return ClientFrame{}, fmt.Errorf("%w: toggleReady payload: %v", ErrMalformed, err)
			}
			intent.Ready = p.Ready
		}
		frame.Intent = &intent
	case "snapshotRequest":
		var req SnapshotRequest
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				return ClientFrame{}, fmt.Errorf("%w: snapshotRequest payload: %v", ErrMalformed, err)
			}
		}
		frame.SnapshotReq = &req
	case "heartbeat":
		frame.Heartbeat = true
	case "signal":
		frame.Signal = env.Payload
	default:
		return ClientFrame{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
	return frame, nil
}

func EncodeJoin(j JoinAnnounce) ([]byte, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Type:          "join",
		ParticipantID: string(j.Participant.ID),
		Payload:       b,
	})
}

func EncodeIntent(in Intent) ([]byte, error) {
	env := envelope{
		Type:           string(in.Kind),
		ParticipantID:  string(in.ParticipantID),
		ClientIntentID: in.ClientIntentID,
	}
	if in.Kind == IntentToggleReady {
		b, err := json.Marshal(readyPayload{Ready: in.Ready})
		if err != nil {
			return nil, err
		}
		env.Payload = b
	}
	return json.Marshal(env)
}

func EncodeSnapshotRequest(req SnapshotRequest, pid domain.ParticipantID) ([]byte, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: "snapshotRequest", ParticipantID: string(pid), Payload: b})
}

func EncodeHeartbeat(pid domain.ParticipantID) ([]byte, error) {
	return json.Marshal(envelope{Type: "heartbeat", ParticipantID: string(pid)})
}

func EncodeSignal(pid domain.ParticipantID, payload json.RawMessage) ([]byte, error) {
	return json.Marshal(envelope{Type: "signal", ParticipantID: string(pid), Payload: payload})
}
