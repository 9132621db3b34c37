// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen = 36
	MaxDisplayNameLen   = 36
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)

type ParticipantID string

// ConnectionState reflects liveness only. Membership is never inferred
// from it; a silent participant stays in the roster until an explicit
// leave event removes them.
type ConnectionState string

const (
	Connected    ConnectionState = "connected"
	Reconnecting ConnectionState = "reconnecting"
	Disconnected ConnectionState = "disconnected"
)

type Participant struct {
	ID          ParticipantID   `json:"id"`
	DisplayName string          `json:"displayName"`
	AvatarRef   string          `json:"avatarRef,omitempty"`
	Ready       bool            `json:"ready"`
	Connection  ConnectionState `json:"connectionState,omitempty"`
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewParticipant(displayName, avatarRef string) (*Participant, error) {
	if len(displayName) == 0 {
		return nil, ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	id := ParticipantID(uuid.NewString())
	return &Participant{
		ID:          id,
		DisplayName: displayName,
		AvatarRef:   avatarRef,
		Connection:  Connected,
	}, nil
}

func (p *Participant) SetDisplayName(name string) error {
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	p.DisplayName = name
	return nil
}
