package focus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prepmate/roomsync/internal/domain"
	"github.com/prepmate/roomsync/internal/focus"
)

var roster = []domain.Participant{
	{ID: "me", DisplayName: "Me"},
	{ID: "a", DisplayName: "Alice"},
	{ID: "b", DisplayName: "Bob"},
}

func TestDefaultsToLocalParticipant(t *testing.T) {
	pr := focus.New("me")

	got, ok := pr.Project(roster)
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantID("me"), got.ID)
	assert.Equal(t, domain.ParticipantID("me"), pr.Selected())
}

func TestSelectPeer(t *testing.T) {
	pr := focus.New("me")
	pr.Select("b")

	got, ok := pr.Project(roster)
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantID("b"), got.ID)
}

func TestFallsBackToLocalWhenPeerLeft(t *testing.T) {
	pr := focus.New("me")
	pr.Select("b")

	smaller := roster[:2] // Bob left
	got, ok := pr.Project(smaller)
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantID("me"), got.ID)
}

func TestEmptyRoster(t *testing.T) {
	pr := focus.New("me")

	_, ok := pr.Project(nil)
	assert.False(t, ok)
}
