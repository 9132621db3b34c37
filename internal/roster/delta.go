package roster

import "github.com/prepmate/roomsync/internal/domain"

// Delta describes what one applied event (or snapshot) changed. Readers
// treat it as a consistent post-apply view; nothing in it aliases the
// machine's internal state.
type Delta struct {
	Joined       []domain.Participant
	Left         []domain.ParticipantID
	ReadyChanged []domain.Participant
	ConnChanged  []domain.Participant
	Started      bool
	AllReady     bool
}

func (d Delta) Empty() bool {
	return len(d.Joined) == 0 &&
		len(d.Left) == 0 &&
		len(d.ReadyChanged) == 0 &&
		len(d.ConnChanged) == 0 &&
		!d.Started && !d.AllReady
}
