// Package focus is the pure derived view selecting which participant's
// profile panel is shown. Selection is local-only: remote events never
// drive it.
package focus

import "github.com/prepmate/roomsync/internal/domain"

type Projection struct {
	localID  domain.ParticipantID
	selected domain.ParticipantID
}

func New(localID domain.ParticipantID) *Projection {
	return &Projection{localID: localID}
}

// Select records a local click on a participant card.
func (pr *Projection) Select(id domain.ParticipantID) {
	pr.selected = id
}

// Project resolves the focused participant against the current roster.
// Defaults to the local participant until the user picks someone; falls
// back to local when the picked peer has left.
func (pr *Projection) Project(roster []domain.Participant) (domain.Participant, bool) {
	if len(roster) == 0 {
		return domain.Participant{}, false
	}
	want := pr.selected
	if want == "" {
		want = pr.localID
	}
	for _, p := range roster {
		if p.ID == want {
			return p, true
		}
	}
	for _, p := range roster {
		if p.ID == pr.localID {
			return p, true
		}
	}
	return domain.Participant{}, false
}

func (pr *Projection) Selected() domain.ParticipantID {
	if pr.selected == "" {
		return pr.localID
	}
	return pr.selected
}
