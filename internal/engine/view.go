package engine

import (
	"sync/atomic"

	"github.com/prepmate/roomsync/internal/domain"
)

// View is the read model handed to the UI layer: the ordered roster, the
// focused participant, and session status, captured after an apply. It is
// immutable; readers never touch the machine's state.
type View struct {
	Session      domain.Session
	Participants []domain.Participant
	Focused      *domain.Participant
	Left         bool
}

type viewHolder struct {
	v atomic.Pointer[View]
}

func newViewHolder() *viewHolder {
	h := &viewHolder{}
	h.v.Store(&View{})
	return h
}

func (h *viewHolder) store(v View) { h.v.Store(&v) }

func (h *viewHolder) load() View { return *h.v.Load() }
